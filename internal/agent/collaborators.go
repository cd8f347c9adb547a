package agent

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-crew/internal/tool"
)

// Planner turns a task into an ordered list of steps. A failure or an
// empty plan fails the run with KindPlanningFailed.
type Planner interface {
	Plan(ctx context.Context, task Task, tools []string) ([]PlanStep, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, task Task, tools []string) ([]PlanStep, error)

func (f PlannerFunc) Plan(ctx context.Context, task Task, tools []string) ([]PlanStep, error) {
	return f(ctx, task, tools)
}

// ToolGateway resolves and executes tools by name. Execute must report
// every failure inside the returned Result.
type ToolGateway interface {
	Has(name string) bool
	Execute(ctx context.Context, name string, params map[string]any) tool.Result
}

// Memory receives the episodic record of each invocation. It is write-only
// from the runtime's point of view.
type Memory interface {
	AppendEpisode(ctx context.Context, episodeID string, rec EpisodeRecord) error
	CloseEpisode(ctx context.Context, episodeID string) error
}

// MetricsSink records operation timings. Implementations must not block.
type MetricsSink interface {
	RecordOperation(name string, d time.Duration)
}

// Approver gates tool steps of agents configured with RequireApproval.
type Approver interface {
	Approve(ctx context.Context, agentName string, step PlanStep) (bool, error)
}

// FailureContext is handed to an ErrorHook when a step fails.
type FailureContext struct {
	Step         PlanStep       `json:"step"`
	Accumulated  map[string]any `json:"accumulated"`
	PriorResults []StepResult   `json:"prior_results"`
}

// HookDecision tells the runtime whether to re-execute a failed step.
type HookDecision struct {
	Retry bool
	// Delay is waited before the re-execution.
	Delay time.Duration
}

// ErrorHook is consulted once per failed step.
type ErrorHook func(ctx context.Context, err *Error, fc FailureContext) HookDecision

type nopMetrics struct{}

func (nopMetrics) RecordOperation(string, time.Duration) {}
