package aggregate

import (
	"fmt"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// Gate enforces the k-anonymity threshold on aggregated cohort results.
type Gate struct {
	minMedics int
	log       *logging.Logger
}

// NewGate creates a gate with the given threshold. The threshold must
// have passed config validation (>= 3) before it gets here.
func NewGate(minMedics int, log *logging.Logger) *Gate {
	if log == nil {
		log = logging.Default()
	}
	return &Gate{minMedics: minMedics, log: log.WithComponent("gate")}
}

// Filter drops every cohort result with fewer participating sites than
// the threshold, emitting one audit record per drop. When no cohort
// survives, the whole batch is a hard failure (feasibility.ErrNoCohorts):
// "every cohort failed" is reported distinctly from "no cohorts
// requested".
func (g *Gate) Filter(results []feasibility.CohortResult) ([]feasibility.CohortResult, []feasibility.AuditRecord, error) {
	kept := make([]feasibility.CohortResult, 0, len(results))
	var audit []feasibility.AuditRecord

	for _, r := range results {
		if r.ParticipatingMedics < g.minMedics {
			g.log.Warn("removed cohort result, not enough participating organizations", map[string]any{
				"cohort":        r.CohortID,
				"participating": r.ParticipatingMedics,
				"required":      g.minMedics,
			})
			audit = append(audit, feasibility.AuditRecord{
				Code: feasibility.CodeNotEnoughMedics,
				Message: fmt.Sprintf("removed result of cohort %s: %d participating organizations, %d required",
					r.CohortID, r.ParticipatingMedics, g.minMedics),
			})
			continue
		}
		kept = append(kept, r)
	}

	// An empty input still means "every requested cohort failed": the
	// pre-dispatch validation guarantees at least one cohort was
	// requested, and cohorts without results are absent by design.
	if len(kept) == 0 {
		g.log.Warn("no cohort result with enough participating organizations", map[string]any{
			"required": g.minMedics,
		})
		audit = append(audit, feasibility.AuditRecord{
			Code:    feasibility.CodeMultiMedicResultFail,
			Message: "did not receive enough results from participating organizations for any cohort definition",
		})
		return nil, audit, feasibility.ErrNoCohorts
	}

	return kept, audit, nil
}
