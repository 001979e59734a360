// Package aggregate combines accepted site results into per-cohort
// results and applies the k-anonymity gate before anything is disclosed.
// Site identities are consumed here: aggregated output never names a
// contributing organization.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// Aggregator groups site results by cohort and sums count payloads.
type Aggregator struct {
	log *logging.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(log *logging.Logger) *Aggregator {
	if log == nil {
		log = logging.Default()
	}
	return &Aggregator{log: log.WithComponent("aggregate")}
}

// Aggregate combines count-mode site results into one result per cohort.
// ParticipatingMedics counts distinct sites with a non-error payload;
// error-tagged results contribute an audit entry instead. Cohorts with
// zero non-error results are absent from the output, not reported as
// zero. Output order is deterministic (sorted by cohort id).
func (a *Aggregator) Aggregate(results []feasibility.SiteResult) ([]feasibility.CohortResult, []feasibility.AuditRecord) {
	type acc struct {
		medics int
		total  int
	}
	byCohort := make(map[string]*acc)
	var audit []feasibility.AuditRecord

	for _, r := range results {
		switch r.Kind {
		case feasibility.CountResult:
			entry := byCohort[r.CohortID]
			if entry == nil {
				entry = &acc{}
				byCohort[r.CohortID] = entry
			}
			entry.medics++
			entry.total += r.Count

		case feasibility.ErrorResult:
			// The site's identity stops here; the audit record only
			// names the cohort.
			audit = append(audit, feasibility.AuditRecord{
				Code:    feasibility.CodeSiteError,
				Message: fmt.Sprintf("a participating site reported an error for cohort %s: %s", r.CohortID, r.Message),
			})

		case feasibility.IDResult:
			audit = append(audit, feasibility.AuditRecord{
				Code:    feasibility.CodeSiteError,
				Message: fmt.Sprintf("identifier result for cohort %s reached the count aggregator and was ignored", r.CohortID),
			})
		}
	}

	ids := make([]string, 0, len(byCohort))
	for id := range byCohort {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]feasibility.CohortResult, 0, len(ids))
	for _, id := range ids {
		entry := byCohort[id]
		out = append(out, feasibility.CohortResult{
			CohortID:            id,
			ParticipatingMedics: entry.medics,
			CohortSize:          entry.total,
		})
	}

	a.log.Debug("aggregated cohort results", map[string]any{
		"cohorts": len(out),
		"errors":  len(audit),
	})
	return out, audit
}

// GroupByCohort splits identifier-mode site results by cohort id,
// preserving arrival order within a cohort. Error-tagged results are
// returned as audit entries. Used by the record-linkage path, which
// consumes one group per cohort.
func GroupByCohort(results []feasibility.SiteResult) (map[string][]feasibility.SiteResult, []feasibility.AuditRecord) {
	groups := make(map[string][]feasibility.SiteResult)
	var audit []feasibility.AuditRecord

	for _, r := range results {
		if r.Kind == feasibility.ErrorResult {
			audit = append(audit, feasibility.AuditRecord{
				Code:    feasibility.CodeSiteError,
				Message: fmt.Sprintf("a participating site reported an error for cohort %s: %s", r.CohortID, r.Message),
			})
			continue
		}
		groups[r.CohortID] = append(groups[r.CohortID], r)
	}
	return groups, audit
}
