package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"go.uber.org/zap"
)

// runSequential runs members one after another. Each sees the original task
// plus the outputs of the members before it, keyed by agent name. The first
// failure stops the run.
func (r *teamRun) runSequential(ctx context.Context) {
	for _, h := range r.handles {
		task := r.task.WithContext(r.shared.outputs())
		if !r.step(ctx, h, task) {
			return
		}
	}
	r.result.Success = true
}

// runPipeline is runSequential where each member's task is derived from the
// previous member's output instead of the original task.
func (r *teamRun) runPipeline(ctx context.Context) {
	task := r.task
	for _, h := range r.handles {
		if !r.step(ctx, h, task) {
			return
		}
		last := r.result.PerAgentResults[len(r.result.PerAgentResults)-1]
		task = deriveTask(r.task, last.Output)
	}
	r.result.Success = true
}

// step runs one member and reports whether the chain may continue.
func (r *teamRun) step(ctx context.Context, h *Handle, task agent.Task) bool {
	res, terr := r.invoke(ctx, h, task)
	if terr != nil {
		r.result.Error = terr
		return false
	}
	r.collect(ctx, []*Handle{h}, []*agent.AgentResult{res})
	if !res.Success {
		r.logger.Info("stopping chain after failure", zap.String("agent", h.Name))
		r.result.Error = res.Error
		return false
	}
	return true
}

// deriveTask builds the next pipeline stage's task from an output. Object
// fields are carried into the context; the description is taken from a
// "task" field, a plain string output, or the encoded output.
func deriveTask(orig agent.Task, out any) agent.Task {
	next := agent.Task{Context: maps.Clone(orig.Context)}
	if next.Context == nil {
		next.Context = make(map[string]any)
	}

	switch v := out.(type) {
	case map[string]any:
		maps.Copy(next.Context, v)
		if d, ok := v["task"].(string); ok && d != "" {
			next.Description = d
		} else {
			next.Description = encode(v)
		}
	case string:
		next.Description = v
	case nil:
		next.Description = orig.Description
	default:
		next.Description = encode(v)
	}
	next.Context["previous_output"] = cloneValue(out)
	return next
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
