package linkage

import (
	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// DefaultMatchThreshold is the similarity score at or above which two
// record filters are considered the same person.
const DefaultMatchThreshold = 0.8

// Person is one pseudonymized patient record from one site.
type Person struct {
	Site   string
	Filter *RecordFilter
}

// MatchedPerson groups the records that the matcher decided belong to
// one physical person across sites.
type MatchedPerson struct {
	matches []*Person
}

// Matches returns the grouped records in match order.
func (m *MatchedPerson) Matches() []*Person {
	return m.matches
}

func (m *MatchedPerson) add(p *Person) {
	m.matches = append(m.matches, p)
}

// Strategy decides how a candidate scores against a person already
// matched from several records.
type Strategy int

const (
	// StrategyMin scores against the worst existing match. The most
	// conservative choice and the default.
	StrategyMin Strategy = iota
	// StrategyMax scores against the best existing match.
	StrategyMax
	// StrategyFirst scores against the first matched record only.
	StrategyFirst
	// StrategyLast scores against the most recently matched record.
	StrategyLast
	// StrategyAvg scores against the mean over all matched records.
	StrategyAvg
)

func (s Strategy) score(m *MatchedPerson, p *Person) float64 {
	matches := m.matches
	switch s {
	case StrategyFirst:
		return matches[0].Filter.Similarity(p.Filter)
	case StrategyLast:
		return matches[len(matches)-1].Filter.Similarity(p.Filter)
	case StrategyMax:
		best := 0.0
		for _, q := range matches {
			if sim := q.Filter.Similarity(p.Filter); sim > best {
				best = sim
			}
		}
		return best
	case StrategyAvg:
		sum := 0.0
		for _, q := range matches {
			sum += q.Filter.Similarity(p.Filter)
		}
		return sum / float64(len(matches))
	default: // StrategyMin
		worst := 1.0
		for _, q := range matches {
			if sim := q.Filter.Similarity(p.Filter); sim < worst {
				worst = sim
			}
		}
		return worst
	}
}

// Matcher performs federated matching of pseudonymized records across
// sites. It only ever sees record filters, never plaintext identifiers,
// and is deterministic: the same configuration and inputs always produce
// the same match set.
type Matcher struct {
	threshold float64
	strategy  Strategy
	log       *logging.Logger
}

// NewMatcher creates a matcher. A non-positive threshold selects the
// default.
func NewMatcher(threshold float64, strategy Strategy, log *logging.Logger) *Matcher {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	if log == nil {
		log = logging.Default()
	}
	return &Matcher{threshold: threshold, strategy: strategy, log: log.WithComponent("linkage")}
}

// Match deduplicates persons across sites. Each inner list holds one
// site's persons, assumed unique within that site. The largest list
// seeds the matched set; every further person either joins the best
// existing match at or above the threshold or starts a new one.
func (m *Matcher) Match(lists [][]*Person) []*MatchedPerson {
	switch len(lists) {
	case 0:
		return nil
	case 1:
		out := make([]*MatchedPerson, 0, len(lists[0]))
		for _, p := range lists[0] {
			out = append(out, &MatchedPerson{matches: []*Person{p}})
		}
		return out
	}

	largest := 0
	for i, l := range lists {
		if len(l) > len(lists[largest]) {
			largest = i
		}
	}

	matched := make([]*MatchedPerson, 0, len(lists[largest]))
	for _, p := range lists[largest] {
		matched = append(matched, &MatchedPerson{matches: []*Person{p}})
	}

	for i, list := range lists {
		if i == largest {
			continue
		}
		// Persons of one site are unique within that site: they match
		// only against the set accumulated before their list started.
		prior := len(matched)
		for _, p := range list {
			if best := m.bestMatch(p, matched[:prior]); best != nil {
				best.add(p)
			} else {
				matched = append(matched, &MatchedPerson{matches: []*Person{p}})
			}
		}
	}

	return matched
}

func (m *Matcher) bestMatch(p *Person, matched []*MatchedPerson) *MatchedPerson {
	var best *MatchedPerson
	bestScore := 0.0
	for _, candidate := range matched {
		score := m.strategy.score(candidate, p)
		if score >= m.threshold && (best == nil || score > bestScore) {
			best = candidate
			bestScore = score
		}
	}
	return best
}

// LinkCohort matches one cohort's per-site person lists and produces the
// aggregated cohort result: participating sites are those that
// contributed at least one person, the cohort size is the number of
// distinct matched persons rather than the sum of list sizes.
func (m *Matcher) LinkCohort(cohortID string, lists [][]*Person) feasibility.CohortResult {
	m.log.Debug("matching cohort", map[string]any{"cohort": cohortID, "sites": len(lists)})

	matched := m.Match(lists)

	medics := 0
	for _, l := range lists {
		if len(l) > 0 {
			medics++
		}
	}

	return feasibility.CohortResult{
		CohortID:            cohortID,
		ParticipatingMedics: medics,
		CohortSize:          len(matched),
	}
}
