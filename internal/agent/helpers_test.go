package agent

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/nuka-crew/internal/tool"
)

// fakeGateway serves tools from a map of handlers and counts calls.
type fakeGateway struct {
	mu    sync.Mutex
	tools map[string]func(ctx context.Context, params map[string]any) tool.Result
	calls map[string]int
	seen  []map[string]any
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tools: make(map[string]func(context.Context, map[string]any) tool.Result),
		calls: make(map[string]int),
	}
}

func (g *fakeGateway) add(name string, fn func(ctx context.Context, params map[string]any) tool.Result) *fakeGateway {
	g.tools[name] = fn
	return g
}

func (g *fakeGateway) Has(name string) bool {
	_, ok := g.tools[name]
	return ok
}

func (g *fakeGateway) Execute(ctx context.Context, name string, params map[string]any) tool.Result {
	g.mu.Lock()
	g.calls[name]++
	g.seen = append(g.seen, params)
	fn := g.tools[name]
	g.mu.Unlock()
	return fn(ctx, params)
}

func (g *fakeGateway) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func constant(v any) func(context.Context, map[string]any) tool.Result {
	return func(context.Context, map[string]any) tool.Result { return tool.OK(v) }
}

func failing(msg string) func(context.Context, map[string]any) tool.Result {
	return func(context.Context, map[string]any) tool.Result { return tool.Fail(msg) }
}

func blocking(release <-chan struct{}) func(context.Context, map[string]any) tool.Result {
	return func(context.Context, map[string]any) tool.Result {
		<-release
		return tool.OK("late")
	}
}

func staticPlan(steps ...PlanStep) Planner {
	return PlannerFunc(func(context.Context, Task, []string) ([]PlanStep, error) {
		return steps, nil
	})
}

// memoryLog is an in-package Memory used to observe episode records.
type memoryLog struct {
	mu      sync.Mutex
	records map[string][]EpisodeRecord
	closed  map[string]bool
}

func newMemoryLog() *memoryLog {
	return &memoryLog{records: map[string][]EpisodeRecord{}, closed: map[string]bool{}}
}

func (m *memoryLog) AppendEpisode(_ context.Context, id string, rec EpisodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = append(m.records[id], rec)
	return nil
}

func (m *memoryLog) CloseEpisode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[id] = true
	return nil
}

type recordingMetrics struct {
	mu  sync.Mutex
	ops map[string]int
}

func (r *recordingMetrics) RecordOperation(name string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = map[string]int{}
	}
	r.ops[name]++
}
