package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config is the per-agent configuration consumed by a Runtime.
type Config struct {
	Name            string
	Tools           []string
	Skills          []string
	MaxCalls        int
	RequireApproval bool
	Timeout         time.Duration
	Retry           RetryPolicy
}

// Runtime executes tasks for one agent via plan-then-act. A Runtime may be
// invoked repeatedly and concurrently; each invocation is independent.
type Runtime struct {
	cfg      Config
	planner  Planner
	gateway  ToolGateway
	executor *StepExecutor
	memory   Memory
	metrics  MetricsSink
	approver Approver
	onError  ErrorHook
	logger   *zap.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMemory sets the episode sink.
func WithMemory(m Memory) Option { return func(r *Runtime) { r.memory = m } }

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option { return func(r *Runtime) { r.metrics = m } }

// WithApprover sets the approver used when RequireApproval is on.
func WithApprover(a Approver) Option { return func(r *Runtime) { r.approver = a } }

// WithErrorHook sets the hook consulted when a step fails.
func WithErrorHook(h ErrorHook) Option { return func(r *Runtime) { r.onError = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Runtime) { r.logger = l } }

// NewRuntime creates a runtime. Callers scope gateway to cfg.Tools, for
// example with tool.Registry.Scoped.
func NewRuntime(cfg Config, planner Planner, gateway ToolGateway, opts ...Option) *Runtime {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	r := &Runtime{
		cfg:     cfg,
		planner: planner,
		gateway: gateway,
		metrics: nopMetrics{},
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = nopMetrics{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.With(zap.String("agent", cfg.Name))
	r.executor = NewStepExecutor(r.gateway, r.metrics, r.logger)
	return r
}

// Name returns the agent name.
func (r *Runtime) Name() string { return r.cfg.Name }

// Config returns a copy of the runtime configuration.
func (r *Runtime) Config() Config {
	c := r.cfg
	c.Tools = append([]string(nil), r.cfg.Tools...)
	c.Skills = append([]string(nil), r.cfg.Skills...)
	return c
}

// Run executes task to completion and returns its result.
func (r *Runtime) Run(ctx context.Context, task Task) *AgentResult {
	return r.execute(ctx, task, func(Event) bool { return true })
}

// ExecuteStream returns a single-use sequence of events, one per state
// transition. Breaking out of the loop stops the run before its next step.
// Ranging over the sequence a second time yields nothing.
func (r *Runtime) ExecuteStream(ctx context.Context, task Task) iter.Seq[Event] {
	var used atomic.Bool
	return func(yield func(Event) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		r.execute(ctx, task, yield)
	}
}

func (r *Runtime) execute(ctx context.Context, task Task, emit func(Event) bool) *AgentResult {
	start := time.Now()
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	run := &invocation{
		rt:        r,
		start:     start,
		episodeID: uuid.New().String(),
		emit:      emit,
	}
	run.result = &AgentResult{
		Agent:         r.cfg.Name,
		State:         StateIdle,
		ToolsExecuted: []StepResult{},
		Metrics:       RunMetrics{EpisodeID: run.episodeID},
	}

	r.logger.Info("agent run started",
		zap.String("episode", run.episodeID),
		zap.String("task", Truncate(task.Description, 120)))
	r.appendEpisode(ctx, run.episodeID, taskStartRecord(r.cfg.Name, task))

	run.result.State = StatePlanning
	planStart := time.Now()
	steps, perr := r.plan(ctx, task)
	run.result.Metrics.Planning = time.Since(planStart)
	r.metrics.RecordOperation("agent.plan", run.result.Metrics.Planning)
	if perr != nil {
		return run.finish(ctx, perr)
	}

	run.result.State = StateExecuting
	acc := seedContext(task)
	var last any
	for _, step := range steps {
		if ctx.Err() != nil {
			return run.finish(ctx, timeoutError(ctx, step.Ordinal))
		}
		s := step
		if !run.send(Event{Type: EventStepStart, Step: &s}) {
			return run.finish(ctx, abandonedError(step.Ordinal))
		}

		sr := r.runStep(ctx, step, acc)
		if !sr.Success && sr.Error.Kind != KindTimeout && r.onError != nil {
			sr = run.consultHook(ctx, step, acc, sr)
		}

		run.record(ctx, sr)
		if !sr.Success {
			return run.finish(ctx, sr.Error)
		}
		mergeOutput(acc, step.Ordinal, sr.Output)
		last = sr.Output

		if !run.send(Event{Type: EventStepComplete, Step: &s, Result: &sr}) {
			return run.finish(ctx, abandonedError(step.Ordinal))
		}
	}

	run.result.Output = last
	return run.finish(ctx, nil)
}

// plan asks the planner for steps and validates them. The planner call is
// abandoned when ctx ends.
func (r *Runtime) plan(ctx context.Context, task Task) ([]PlanStep, *Error) {
	type planned struct {
		steps []PlanStep
		err   error
	}
	done := make(chan planned, 1)
	go func() {
		steps, err := r.planner.Plan(ctx, task, r.toolNames())
		done <- planned{steps, err}
	}()

	var p planned
	select {
	case p = <-done:
	case <-ctx.Done():
		return nil, timeoutError(ctx, 0)
	}
	if p.err != nil {
		if ctx.Err() != nil {
			return nil, timeoutError(ctx, 0)
		}
		if KindOf(p.err) == KindPlanningFailed {
			return nil, AsError(p.err, KindPlanningFailed)
		}
		return nil, WrapError(KindPlanningFailed, p.err, "planner failed")
	}

	ordered, err := OrderSteps(p.steps, seedContext(task))
	if err != nil {
		return nil, WrapError(KindPlanningFailed, err, "invalid plan")
	}
	if r.cfg.MaxCalls > 0 {
		if n := countToolSteps(ordered); n > r.cfg.MaxCalls {
			return nil, NewError(KindBudgetExceeded, "plan needs %d tool calls, limit is %d", n, r.cfg.MaxCalls)
		}
	}
	r.logger.Debug("plan ready", zap.Int("steps", len(ordered)))
	return ordered, nil
}

func (r *Runtime) runStep(ctx context.Context, step PlanStep, acc map[string]any) StepResult {
	if step.Tool != "" && r.cfg.RequireApproval {
		if err := r.approve(ctx, step); err != nil {
			return StepResult{StepOrdinal: step.Ordinal, Tool: step.Tool, Error: err}
		}
	}
	return r.executor.Execute(ctx, step, buildInput(step, acc), r.cfg.Retry)
}

func (r *Runtime) approve(ctx context.Context, step PlanStep) *Error {
	if r.approver == nil {
		return &Error{Kind: KindApprovalDenied, Step: step.Ordinal, Message: "approval required but no approver configured"}
	}
	ok, err := r.approver.Approve(ctx, r.cfg.Name, step)
	if err != nil {
		return &Error{Kind: KindApprovalDenied, Step: step.Ordinal, Message: err.Error(), Err: err}
	}
	if !ok {
		return &Error{Kind: KindApprovalDenied, Step: step.Ordinal, Message: fmt.Sprintf("tool %s was not approved", step.Tool)}
	}
	return nil
}

func (r *Runtime) toolNames() []string {
	if len(r.cfg.Tools) > 0 {
		return append([]string(nil), r.cfg.Tools...)
	}
	if n, ok := r.gateway.(interface{ Names() []string }); ok {
		return n.Names()
	}
	return nil
}

func (r *Runtime) appendEpisode(ctx context.Context, id string, rec EpisodeRecord) {
	if r.memory == nil {
		return
	}
	if err := r.memory.AppendEpisode(ctx, id, rec); err != nil {
		r.logger.Warn("append episode failed", zap.String("episode", id), zap.Error(err))
	}
}

// invocation carries the mutable state of one run through the state machine.
type invocation struct {
	rt        *Runtime
	start     time.Time
	episodeID string
	result    *AgentResult
	emit      func(Event) bool
	stopped   bool
}

// send forwards ev to the consumer and reports whether it wants more.
func (in *invocation) send(ev Event) bool {
	if in.stopped {
		return false
	}
	ev.Agent = in.rt.cfg.Name
	ev.Timestamp = time.Now()
	if !in.emit(ev) {
		in.stopped = true
	}
	return !in.stopped
}

func (in *invocation) consultHook(ctx context.Context, step PlanStep, acc map[string]any, failed StepResult) StepResult {
	prior := append([]StepResult(nil), in.result.ToolsExecuted...)
	decision := in.rt.onError(ctx, failed.Error, FailureContext{
		Step:         step,
		Accumulated:  maps.Clone(acc),
		PriorResults: prior,
	})
	if !decision.Retry {
		return failed
	}

	s := step
	in.send(Event{Type: EventStepRetry, Step: &s, Result: &failed, Error: failed.Error})
	in.rt.logger.Info("error hook requested step retry",
		zap.Int("step", step.Ordinal),
		zap.Duration("delay", decision.Delay))
	in.result.Metrics.Retries++

	if err := sleepCtx(ctx, decision.Delay); err != nil {
		failed.Error = timeoutError(ctx, step.Ordinal)
		return failed
	}
	again := in.rt.runStep(ctx, step, acc)
	again.Attempts += failed.Attempts
	again.Duration += failed.Duration
	return again
}

func (in *invocation) record(ctx context.Context, sr StepResult) {
	in.result.ToolsExecuted = append(in.result.ToolsExecuted, sr)
	in.result.Metrics.Steps++
	in.result.Metrics.ToolCalls += sr.Attempts
	if sr.Attempts > 1 {
		in.result.Metrics.Retries += sr.Attempts - 1
	}
	in.rt.appendEpisode(ctx, in.episodeID, toolCallRecord(in.rt.cfg.Name, sr))
}

func (in *invocation) finish(ctx context.Context, err *Error) *AgentResult {
	res := in.result
	res.Metrics.Duration = time.Since(in.start)
	if err != nil {
		res.Success = false
		res.State = StateFailed
		res.Error = err
	} else {
		res.Success = true
		res.State = StateCompleted
	}

	// Episode bookkeeping must survive a run that ended by timeout.
	memCtx := context.WithoutCancel(ctx)
	in.rt.appendEpisode(memCtx, in.episodeID, finishRecord(res))
	if in.rt.memory != nil {
		if cerr := in.rt.memory.CloseEpisode(memCtx, in.episodeID); cerr != nil {
			in.rt.logger.Warn("close episode failed", zap.String("episode", in.episodeID), zap.Error(cerr))
		}
	}
	in.rt.metrics.RecordOperation("agent.run", res.Metrics.Duration)

	if res.Success {
		in.rt.logger.Info("agent run completed",
			zap.String("episode", in.episodeID),
			zap.Int("steps", res.Metrics.Steps),
			zap.Duration("duration", res.Metrics.Duration))
		in.send(Event{Type: EventComplete, Final: res})
		return res
	}

	in.rt.logger.Warn("agent run failed",
		zap.String("episode", in.episodeID),
		zap.String("kind", string(err.Kind)),
		zap.String("error", err.Message))
	ev := Event{Type: EventError, Error: err, Final: res}
	if n := len(res.ToolsExecuted); n > 0 && !res.ToolsExecuted[n-1].Success {
		ev.Result = &res.ToolsExecuted[n-1]
	}
	in.send(ev)
	return res
}

func abandonedError(step int) *Error {
	return &Error{Kind: KindTimeout, Step: step, Message: "canceled: stream consumer stopped"}
}

// seedContext builds the initial running input context of a run.
func seedContext(task Task) map[string]any {
	acc := make(map[string]any, len(task.Context)+1)
	maps.Copy(acc, task.Context)
	acc["task"] = task.Description
	return acc
}

// buildInput derives a step's input: the running context, overlaid by the
// step's literal params, overlaid by its bindings.
func buildInput(step PlanStep, acc map[string]any) map[string]any {
	in := maps.Clone(acc)
	maps.Copy(in, step.Params)
	for param, key := range step.Bindings {
		if v, ok := acc[key]; ok {
			in[param] = v
		}
	}
	return in
}

// mergeOutput folds a successful step output into the running context.
// Object outputs merge key by key; anything else is stored as step_<n>.
func mergeOutput(acc map[string]any, ordinal int, out any) {
	if m, ok := out.(map[string]any); ok {
		maps.Copy(acc, m)
		return
	}
	if out != nil {
		acc[fmt.Sprintf("step_%d", ordinal)] = out
	}
}

// Truncate shortens s to at most n bytes plus an ellipsis, cutting on a
// rune boundary so the result stays valid UTF-8.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// stringify renders a step or run output for episode records.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
