// Package collect accumulates inbound site results for one batch, keyed
// by correlation key. Keys are write-once: a second submission under a
// satisfied key is rejected, not merged, which blocks duplicate-submission
// result inflation. Unknown keys and unknown cohort ids are discarded as
// protocol anomalies without affecting the batch.
package collect

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// State is the per-batch collection state.
type State int

const (
	// Waiting means no result has arrived yet.
	Waiting State = iota
	// Partial means some but not all expected participants reported.
	Partial
	// Complete means every expected participant reported, or the batch
	// was forced to terminal by an external deadline.
	Complete
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Partial:
		return "partial"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Collector is the correlation-keyed inbox of one batch.
//
// The transport below this layer is not required to serialize delivery:
// every Record call takes the batch lock, so concurrent submissions for
// the same batch are safe.
type Collector struct {
	mu sync.Mutex

	batchID  string
	expected map[string]struct{} // the batch's fixed correlation key set
	accepted map[string]bool     // satisfied keys, authoritative; released on Force
	cohorts  map[string]bool     // the batch's fixed cohort set
	results  []feasibility.SiteResult
	pending  int
	forced   bool

	// seen holds the satisfied keys. A miss proves a key was never
	// accepted, so the accepted set is only consulted on a hit; false
	// positives fall through to it and never change the outcome. It
	// outlives Force, when the accepted set is released, to classify
	// late traffic as replay versus forgery.
	seen *bloom.BloomFilter

	log *logging.Logger
}

// New creates a collector expecting exactly one result per participant.
// The cohort set is fixed at creation; results for other cohort ids are
// protocol errors.
func New(batchID string, participants []feasibility.Participant, cohortIDs []string, log *logging.Logger) *Collector {
	if log == nil {
		log = logging.Default()
	}

	expected := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		expected[p.CorrelationKey] = struct{}{}
	}
	cohorts := make(map[string]bool, len(cohortIDs))
	for _, id := range cohortIDs {
		cohorts[id] = true
	}

	n := uint(len(participants))
	if n < 16 {
		n = 16
	}

	return &Collector{
		batchID:  batchID,
		expected: expected,
		accepted: make(map[string]bool, len(participants)),
		cohorts:  cohorts,
		pending:  len(participants),
		seen:     bloom.NewWithEstimates(n, 0.001),
		log:      log.WithComponent("collect"),
	}
}

// Record accepts one site result under the given correlation key.
// Returns nil when the result was accepted. Unknown keys, duplicate
// submissions, unknown cohort ids and submissions after the terminal
// state are rejected with the matching sentinel error; the batch itself
// is unaffected by any of them.
func (c *Collector) Record(correlationKey string, result feasibility.SiteResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.forced {
		return c.closed(correlationKey, result.CohortID)
	}

	if _, known := c.expected[correlationKey]; !known {
		c.anomaly(feasibility.CodeUnknownCorrelation, "result under unknown correlation key discarded", result.CohortID)
		return fmt.Errorf("%w: batch %s", feasibility.ErrUnknownCorrelationKey, c.batchID)
	}
	if c.isSatisfied(correlationKey) {
		c.anomaly(feasibility.CodeDuplicateSubmission, "result under already satisfied correlation key discarded", result.CohortID)
		return fmt.Errorf("%w: batch %s", feasibility.ErrDuplicateSubmission, c.batchID)
	}
	if !c.cohorts[result.CohortID] {
		c.anomaly(feasibility.CodeUnknownCohort, "result for unknown cohort id discarded", result.CohortID)
		return fmt.Errorf("%w: %s", feasibility.ErrUnknownCohort, result.CohortID)
	}

	c.markSatisfied(correlationKey)
	c.results = append(c.results, result)
	c.pending--

	c.log.Debug("result accepted", map[string]any{
		"batch":   c.batchID,
		"cohort":  result.CohortID,
		"kind":    result.Kind.String(),
		"pending": c.pending,
	})
	return nil
}

// RecordAll accepts one participant's full submission: at most one entry
// per cohort, all under the participant's correlation key. The key is
// satisfied by the submission as a whole. Entries with cohort ids outside
// the batch's cohort set and repeated entries for the same cohort are
// discarded individually; a repeated cohort entry would otherwise let one
// site count as several participants downstream.
func (c *Collector) RecordAll(correlationKey string, results []feasibility.SiteResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.forced {
		return c.closed(correlationKey, "")
	}

	if _, known := c.expected[correlationKey]; !known {
		c.anomaly(feasibility.CodeUnknownCorrelation, "submission under unknown correlation key discarded", "")
		return fmt.Errorf("%w: batch %s", feasibility.ErrUnknownCorrelationKey, c.batchID)
	}
	if c.isSatisfied(correlationKey) {
		c.anomaly(feasibility.CodeDuplicateSubmission, "submission under already satisfied correlation key discarded", "")
		return fmt.Errorf("%w: batch %s", feasibility.ErrDuplicateSubmission, c.batchID)
	}

	submitted := make(map[string]bool, len(results))
	for _, r := range results {
		if !c.cohorts[r.CohortID] {
			c.anomaly(feasibility.CodeUnknownCohort, "result for unknown cohort id discarded", r.CohortID)
			continue
		}
		if submitted[r.CohortID] {
			c.anomaly(feasibility.CodeDuplicateSubmission, "repeated cohort entry within one submission discarded", r.CohortID)
			continue
		}
		submitted[r.CohortID] = true
		c.results = append(c.results, r)
	}

	c.markSatisfied(correlationKey)
	c.pending--

	c.log.Debug("submission accepted", map[string]any{
		"batch":   c.batchID,
		"results": len(submitted),
		"pending": c.pending,
	})
	return nil
}

// isSatisfied reports whether the key already carried an accepted
// submission. A bloom miss proves it did not, so only a hit pays for the
// authoritative lookup.
func (c *Collector) isSatisfied(correlationKey string) bool {
	return c.seen.TestString(correlationKey) && c.accepted[correlationKey]
}

func (c *Collector) markSatisfied(correlationKey string) {
	c.accepted[correlationKey] = true
	c.seen.AddString(correlationKey)
}

// closed rejects a submission after the terminal state. The seen filter
// still distinguishes a participant replaying its submission from an
// unknown key; both are rejected the same way but logged apart.
func (c *Collector) closed(correlationKey, cohortID string) error {
	code, message := feasibility.CodeUnknownCorrelation, "submission after batch reached terminal state"
	if c.seen.TestString(correlationKey) {
		code, message = feasibility.CodeDuplicateSubmission, "replayed submission after batch reached terminal state"
	}
	c.anomaly(code, message, cohortID)
	return feasibility.ErrBatchClosed
}

// State reports the batch's collection state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Collector) stateLocked() State {
	switch {
	case c.forced || c.pending == 0:
		return Complete
	case len(c.results) == 0:
		return Waiting
	default:
		return Partial
	}
}

// Results returns the accepted results and whether the batch is
// terminal. The returned slice is a copy.
func (c *Collector) Results() ([]feasibility.SiteResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]feasibility.SiteResult, len(c.results))
	copy(out, c.results)
	return out, c.stateLocked() == Complete
}

// Force moves the batch from Partial to terminal, e.g. when the external
// batch deadline elapsed. The pipeline proceeds with whatever arrived;
// the privacy gate downstream decides whether that is enough. The
// per-key accepted set is released; the seen filter keeps classifying
// late traffic. Returns the accepted results.
func (c *Collector) Force() []feasibility.SiteResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.forced && c.pending > 0 {
		c.log.Warn("forcing batch to terminal state with pending participants", map[string]any{
			"batch":   c.batchID,
			"pending": c.pending,
		})
	}
	c.forced = true
	c.accepted = nil

	out := make([]feasibility.SiteResult, len(c.results))
	copy(out, c.results)
	return out
}

// Pending returns the number of participants that have not reported.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Collector) anomaly(code, message, cohortID string) {
	c.log.Warn(message, map[string]any{
		"batch":  c.batchID,
		"code":   code,
		"cohort": cohortID,
	})
}
