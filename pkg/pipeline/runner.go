package pipeline

import (
	"context"
	"fmt"

	"github.com/openmedex/fedquery/pkg/logging"
)

// Step is one stage of the batch pipeline. Steps communicate only
// through the variable bag; they hold collaborators (repositories,
// collectors) but no batch state of their own.
type Step interface {
	Name() string
	Execute(ctx context.Context, vars *Variables) error
}

// Runner invokes steps in order, stopping at the first error. It stands
// in for the external process scheduler: invoke each step, persist the
// variables in between.
type Runner struct {
	steps []Step
	log   *logging.Logger
}

// NewRunner creates a runner over the given steps.
func NewRunner(log *logging.Logger, steps ...Step) *Runner {
	if log == nil {
		log = logging.Default()
	}
	return &Runner{steps: steps, log: log.WithComponent("pipeline")}
}

// Run executes every step in order against the shared variable bag.
func (r *Runner) Run(ctx context.Context, vars *Variables) error {
	for _, step := range r.steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.log.Debug("executing step", map[string]any{"step": step.Name()})
		if err := step.Execute(ctx, vars); err != nil {
			return fmt.Errorf("step %s: %w", step.Name(), err)
		}
	}
	return nil
}
