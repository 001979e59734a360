package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmedex/fedquery/pkg/aggregate"
	"github.com/openmedex/fedquery/pkg/collect"
	"github.com/openmedex/fedquery/pkg/config"
	"github.com/openmedex/fedquery/pkg/execute"
	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/linkage"
	"github.com/openmedex/fedquery/pkg/logging"
	"github.com/openmedex/fedquery/pkg/query"
	"github.com/openmedex/fedquery/pkg/targets"
)

// Coordinator assembles and runs the full batch pipeline: the request
// leg (target selection and validation), the execute leg (per-site
// queries and pseudonymization) and the compute leg (collection,
// linkage or aggregation, and the privacy gate).
type Coordinator struct {
	cfg   *config.Config
	orgs  targets.OrganizationProvider
	sites map[string]execute.Repository
	log   *logging.Logger
}

// NewCoordinator creates a coordinator. sites maps organization ids to
// their local data repositories; organizations without an entry are
// treated as unreachable.
func NewCoordinator(cfg *config.Config, orgs targets.OrganizationProvider, sites map[string]execute.Repository, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Default()
	}
	return &Coordinator{cfg: cfg, orgs: orgs, sites: sites, log: log}
}

// RunBatch executes one batch end to end and returns its terminal
// result. User and config errors fail before dispatch; a batch whose
// every query was rejected fails with feasibility.ErrNoValidQueries
// before any site is contacted, and a batch whose every cohort was
// dropped by the privacy gate fails hard with feasibility.ErrNoCohorts.
// Both carry the audit trail on the returned result.
func (c *Coordinator) RunBatch(ctx context.Context, study *feasibility.Study) (*feasibility.BatchResult, error) {
	vars := NewVariables()
	vars.Set(VarStudy, study)

	request := NewRunner(c.log,
		&checkRequestStep{cfg: c.cfg},
		&selectTargetsStep{resolver: targets.NewResolver(c.orgs, c.log)},
		&validateQueriesStep{validator: query.NewValidator(c.cfg.QueryPrefix, c.log)},
	)
	if err := request.Run(ctx, vars); err != nil {
		return nil, err
	}

	batchID, _ := Lookup[string](vars, VarBatchID)
	resolved, err := targetsVar(vars)
	if err != nil {
		return nil, err
	}
	queries, _ := Lookup[map[string]string](vars, VarQueries)

	result := &feasibility.BatchResult{BatchID: batchID}
	if len(queries) == 0 {
		// Every cohort was rejected before dispatch; nothing was sent
		// to any site.
		result.Audit = AuditTrail(vars)
		return result, fmt.Errorf("every cohort query was rejected: %w", feasibility.ErrNoValidQueries)
	}

	cohortIDs := make([]string, 0, len(queries))
	for id := range queries {
		cohortIDs = append(cohortIDs, id)
	}
	collector := collect.New(batchID, resolved.Medics, cohortIDs, c.log)

	steps := []Step{
		&executeQueriesStep{sites: c.sites, pool: execute.NewPool(0), log: c.log},
		&generateFiltersStep{cfg: c.cfg, log: c.log},
		&storeResultsStep{collector: collector},
		&collectResultsStep{collector: collector},
	}
	if study.Mode() == feasibility.IdentifierMode {
		steps = append(steps, &executeRecordLinkStep{
			matcher: linkage.NewMatcher(c.cfg.MatchThreshold, linkage.StrategyMin, c.log),
		})
	} else {
		steps = append(steps, &aggregateResultsStep{aggregator: aggregate.NewAggregator(c.log)})
	}
	steps = append(steps, &checkResultsStep{gate: aggregate.NewGate(c.cfg.MinParticipatingMedics, c.log)})

	runErr := NewRunner(c.log, steps...).Run(ctx, vars)

	final, _ := Lookup[[]feasibility.CohortResult](vars, VarFinalResults)
	result.Results = final
	result.Audit = AuditTrail(vars)

	if runErr != nil {
		if errors.Is(runErr, feasibility.ErrNoCohorts) {
			return result, runErr
		}
		return nil, runErr
	}
	return result, nil
}
