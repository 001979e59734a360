// Package execute runs validated cohort queries against one site's local
// data repository. Every execution failure is folded into an error-tagged
// site result so a single unreachable repository never stalls the batch.
package execute

import (
	"context"
	"fmt"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// Repository is the query-execution contract against one site's local
// data store. Queries are opaque strings; retries, if any, belong to the
// implementation behind this interface.
type Repository interface {
	// Count executes a count query and returns the scalar result.
	Count(ctx context.Context, query string) (int, error)

	// Search executes an identifier query and returns the full row set.
	Search(ctx context.Context, query string) (*feasibility.ResultSet, error)
}

// Executor runs queries for a single site.
type Executor struct {
	siteID string
	repo   Repository
	log    *logging.Logger
}

// NewExecutor creates an executor for the given site.
func NewExecutor(siteID string, repo Repository, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.Default()
	}
	return &Executor{siteID: siteID, repo: repo, log: log.WithComponent("execute")}
}

// Execute runs one validated query for one cohort. Repository failures
// are converted into an error-tagged result, never propagated.
func (e *Executor) Execute(ctx context.Context, cohortID, query string, mode feasibility.Mode) feasibility.SiteResult {
	switch mode {
	case feasibility.IdentifierMode:
		set, err := e.repo.Search(ctx, query)
		if err != nil {
			return e.errorResult(cohortID, err)
		}
		if set == nil {
			return e.errorResult(cohortID, fmt.Errorf("repository returned no result set"))
		}
		return feasibility.NewIDResult(e.siteID, cohortID, set)

	default:
		count, err := e.repo.Count(ctx, query)
		if err != nil {
			return e.errorResult(cohortID, err)
		}
		if count < 0 {
			return e.errorResult(cohortID, fmt.Errorf("repository returned negative count %d", count))
		}
		return feasibility.NewCountResult(e.siteID, cohortID, count)
	}
}

// ExecuteAll runs every query of the batch for this site, fanning out on
// the pool. No ordering is imposed between cohorts.
func (e *Executor) ExecuteAll(ctx context.Context, queries map[string]string, mode feasibility.Mode, pool *Pool) []feasibility.SiteResult {
	if pool == nil {
		pool = NewPool(1)
	}

	type job struct {
		cohortID string
		query    string
	}
	jobs := make([]job, 0, len(queries))
	for cohortID, q := range queries {
		jobs = append(jobs, job{cohortID: cohortID, query: q})
	}

	results := make([]feasibility.SiteResult, len(jobs))
	pool.Run(ctx, len(jobs), func(i int) {
		results[i] = e.Execute(ctx, jobs[i].cohortID, jobs[i].query, mode)
	})
	return results
}

func (e *Executor) errorResult(cohortID string, err error) feasibility.SiteResult {
	e.log.Warn("query execution failed", map[string]any{
		"site":   e.siteID,
		"cohort": cohortID,
		"error":  err.Error(),
	})
	return feasibility.NewErrorResult(e.siteID, cohortID, err.Error())
}
