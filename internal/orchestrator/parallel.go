package orchestrator

import (
	"context"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// runParallel gives every member the same task at once. Failures are
// isolated; the team succeeds only if every member does.
func (r *teamRun) runParallel(ctx context.Context) {
	tasks := make([]agent.Task, len(r.handles))
	for i := range tasks {
		tasks[i] = ownTask(r.task)
	}
	results, terr := r.fanOut(ctx, r.handles, tasks)
	r.collect(ctx, r.handles, results)

	r.result.Error = terr
	r.result.Success = terr == nil && r.allSucceeded()
}
