package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"go.uber.org/zap"
)

// RunRecorder persists team run summaries.
type RunRecorder interface {
	SaveTeamRun(ctx context.Context, res *TeamResult) error
}

// Coordinator creates teams and holds the collaborators they share.
type Coordinator struct {
	publisher  EventPublisher
	recorder   RunRecorder
	decomposer Decomposer
	scorer     Scorer
	similarity Similarity
	metrics    agent.MetricsSink
	logger     *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher sets where team lifecycle events go.
func WithPublisher(p EventPublisher) Option { return func(c *Coordinator) { c.publisher = p } }

// WithRecorder sets the team run recorder.
func WithRecorder(r RunRecorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithDecomposer sets the role-based task decomposer.
func WithDecomposer(d Decomposer) Option { return func(c *Coordinator) { c.decomposer = d } }

// WithScorer sets the role-based capability scorer.
func WithScorer(s Scorer) Option { return func(c *Coordinator) { c.scorer = s } }

// WithSimilarity sets the collaborative consensus measure.
func WithSimilarity(s Similarity) Option { return func(c *Coordinator) { c.similarity = s } }

// WithMetrics sets the metrics sink.
func WithMetrics(m agent.MetricsSink) Option { return func(c *Coordinator) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// NewCoordinator creates a coordinator with default heuristics.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		decomposer: ContextDecomposer{},
		scorer:     OverlapScore,
		similarity: KeyAgreement,
		metrics:    nopMetrics{},
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Team is a named group of agents that can be run repeatedly.
type Team struct {
	c   *Coordinator
	cfg TeamConfig
}

// Create validates cfg and returns a runnable team.
func (c *Coordinator) Create(cfg TeamConfig) (*Team, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("team name is required")
	}
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("team %s has no members", cfg.Name)
	}
	seen := make(map[string]bool, len(cfg.Members))
	for _, m := range cfg.Members {
		if m.Runner == nil {
			return nil, fmt.Errorf("team %s has a member without a runner", cfg.Name)
		}
		if seen[m.Runner.Name()] {
			return nil, fmt.Errorf("team %s lists agent %s twice", cfg.Name, m.Runner.Name())
		}
		seen[m.Runner.Name()] = true
	}
	if cfg.Strategy != "" {
		if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
			return nil, err
		}
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = defaultConsensusThreshold
	}
	cfg.Members = append([]Member(nil), cfg.Members...)

	c.logger.Info("created team",
		zap.String("team", cfg.Name),
		zap.Int("members", len(cfg.Members)),
		zap.String("strategy", string(cfg.Strategy)))
	return &Team{c: c, cfg: cfg}, nil
}

// Name returns the team name.
func (t *Team) Name() string { return t.cfg.Name }

// Strategy returns the team's configured strategy, possibly empty.
func (t *Team) Strategy() Strategy { return t.cfg.Strategy }

// Members returns member names in registration order.
func (t *Team) Members() []string {
	names := make([]string, len(t.cfg.Members))
	for i, m := range t.cfg.Members {
		names[i] = m.Runner.Name()
	}
	return names
}

// Run executes task across the team. A non-empty strategy overrides the
// team's configured one. Run never returns nil.
func (t *Team) Run(ctx context.Context, task agent.Task, strategy Strategy) *TeamResult {
	strat := strategy
	if strat == "" {
		strat = t.cfg.Strategy
	}
	if strat == "" {
		strat = DefaultStrategy
	}

	start := time.Now()
	runID := uuid.New().String()
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	r := &teamRun{
		team:    t,
		task:    task,
		handles: t.handles(),
		shared:  newSharedContext(runID),
		logger:  t.c.logger.With(zap.String("team", t.cfg.Name), zap.String("run", runID)),
		result: &TeamResult{
			RunID:           runID,
			Team:            t.cfg.Name,
			Strategy:        strat,
			PerAgentResults: []*agent.AgentResult{},
		},
	}

	r.logger.Info("team run started", zap.String("strategy", string(strat)))
	r.publish(ctx, EventTeamStarted, "", map[string]any{"strategy": string(strat), "task": task.Description})

	switch strat {
	case Parallel:
		r.runParallel(ctx)
	case Sequential:
		r.runSequential(ctx)
	case Pipeline:
		r.runPipeline(ctx)
	case Collaborative:
		r.runCollaborative(ctx)
	case RoleBased:
		r.runRoleBased(ctx)
	default:
		r.result.Error = agent.NewError(agent.KindPlanningFailed, "unknown strategy %q", strat)
	}

	return r.finish(ctx, start)
}

func (t *Team) handles() []*Handle {
	hs := make([]*Handle, len(t.cfg.Members))
	for i, m := range t.cfg.Members {
		hs[i] = &Handle{
			Name:         m.Runner.Name(),
			Capabilities: capabilitySet(m.Tools, m.Skills, m.Capabilities),
			runner:       m.Runner,
		}
	}
	return hs
}

// capabilitySet merges and normalises capability lists, keeping first-seen order.
func capabilitySet(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, c := range l {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// teamRun is the state of one Team.Run call.
type teamRun struct {
	team    *Team
	task    agent.Task
	handles []*Handle
	shared  *SharedContext
	result  *TeamResult
	logger  *zap.Logger
}

// collect appends settled results in the given order and records them in the
// shared context.
func (r *teamRun) collect(ctx context.Context, handles []*Handle, results []*agent.AgentResult) {
	for i, res := range results {
		if res == nil {
			continue
		}
		r.result.PerAgentResults = append(r.result.PerAgentResults, res)
		r.shared.recordResult(handles[i].Name, res)
		r.publish(ctx, EventAgentCompleted, handles[i].Name, map[string]any{"success": res.Success})
	}
}

func (r *teamRun) allSucceeded() bool {
	for _, res := range r.result.PerAgentResults {
		if !res.Success {
			return false
		}
	}
	return true
}

func (r *teamRun) finish(ctx context.Context, start time.Time) *TeamResult {
	res := r.result
	snap := r.shared.snapshot()
	res.SharedContext = &snap
	res.Metrics.Duration = time.Since(start)
	res.Metrics.AgentRuns = len(res.PerAgentResults)
	for _, ar := range res.PerAgentResults {
		if ar.Success {
			res.Metrics.Succeeded++
		} else {
			res.Metrics.Failed++
		}
	}

	done := context.WithoutCancel(ctx)
	r.team.c.metrics.RecordOperation("team."+string(res.Strategy), res.Metrics.Duration)
	r.publish(done, EventTeamCompleted, "", map[string]any{"success": res.Success})
	if rec := r.team.c.recorder; rec != nil {
		if err := rec.SaveTeamRun(done, res); err != nil {
			r.logger.Warn("record team run failed", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.Bool("success", res.Success),
		zap.Int("agents", res.Metrics.AgentRuns),
		zap.Duration("duration", res.Metrics.Duration),
	}
	if res.Error != nil {
		fields = append(fields, zap.String("error", res.Error.Error()))
	}
	r.logger.Info("team run finished", fields...)
	return res
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(string, time.Duration) {}
