package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// fanOut runs tasks[i] on handles[i] concurrently, at most limit at a time.
// Admission follows registration order. Results keep that order; entries are
// nil for agents that had not settled when ctx ended, in which case a
// Timeout error is returned as well.
func (r *teamRun) fanOut(ctx context.Context, handles []*Handle, tasks []agent.Task) ([]*agent.AgentResult, *agent.Error) {
	n := len(handles)
	results := make([]*agent.AgentResult, n)
	if n == 0 {
		return results, nil
	}

	type settled struct {
		i   int
		res *agent.AgentResult
	}
	ch := make(chan settled, n)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		var g errgroup.Group
		if limit := r.team.cfg.MaxConcurrency; limit > 0 {
			g.SetLimit(limit)
		}
		for i := range handles {
			if runCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				ch <- settled{i, r.call(runCtx, handles[i], tasks[i])}
				return nil
			})
		}
		_ = g.Wait()
	}()

	for got := 0; got < n; got++ {
		select {
		case s := <-ch:
			results[s.i] = s.res
		case <-ctx.Done():
			return results, r.timeoutError(ctx)
		}
	}
	return results, nil
}

// invoke runs a single agent, giving up when ctx ends.
func (r *teamRun) invoke(ctx context.Context, h *Handle, task agent.Task) (*agent.AgentResult, *agent.Error) {
	res, terr := r.fanOut(ctx, []*Handle{h}, []agent.Task{task})
	return res[0], terr
}

// call invokes a runner, converting a panic or a nil result into a failed
// AgentResult.
func (r *teamRun) call(ctx context.Context, h *Handle, task agent.Task) (res *agent.AgentResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("agent panicked", zap.String("agent", h.Name), zap.Any("panic", p))
			res = failedResult(h.Name, agent.NewError(agent.KindToolExecutionFailed, "agent panicked: %v", p))
		}
		r.team.c.metrics.RecordOperation("team.agent", time.Since(start))
	}()

	res = h.runner.Run(ctx, task)
	if res == nil {
		res = failedResult(h.Name, agent.NewError(agent.KindToolExecutionFailed, "agent returned no result"))
	}
	if res.Agent == "" {
		res.Agent = h.Name
	}
	return res
}

func (r *teamRun) timeoutError(ctx context.Context) *agent.Error {
	msg := "team run deadline exceeded"
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = "team run canceled"
	}
	return &agent.Error{Kind: agent.KindTimeout, Message: msg, Err: ctx.Err()}
}

func failedResult(name string, err *agent.Error) *agent.AgentResult {
	return &agent.AgentResult{
		Agent:         name,
		State:         agent.StateFailed,
		Error:         err,
		ToolsExecuted: []agent.StepResult{},
	}
}
