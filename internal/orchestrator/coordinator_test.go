package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner answers tasks with a scripted function and records what it saw.
type fakeRunner struct {
	name string
	fn   func(ctx context.Context, task agent.Task, call int) (any, error)

	mu    sync.Mutex
	tasks []agent.Task
}

func (f *fakeRunner) Name() string { return f.name }

func (f *fakeRunner) Run(ctx context.Context, task agent.Task) *agent.AgentResult {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	call := len(f.tasks)
	f.mu.Unlock()

	out, err := f.fn(ctx, task, call)
	if err != nil {
		return &agent.AgentResult{Agent: f.name, State: agent.StateFailed, Error: agent.AsError(err, agent.KindToolExecutionFailed)}
	}
	return &agent.AgentResult{Agent: f.name, Success: true, State: agent.StateCompleted, Output: out}
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeRunner) lastTask() agent.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[len(f.tasks)-1]
}

func returns(name string, out any) *fakeRunner {
	return &fakeRunner{name: name, fn: func(context.Context, agent.Task, int) (any, error) { return out, nil }}
}

func fails(name string) *fakeRunner {
	return &fakeRunner{name: name, fn: func(context.Context, agent.Task, int) (any, error) {
		return nil, errors.New(name + " failed")
	}}
}

func members(runners ...*fakeRunner) []Member {
	ms := make([]Member, len(runners))
	for i, r := range runners {
		ms[i] = Member{Runner: r}
	}
	return ms
}

func newTeam(t *testing.T, cfg TeamConfig, opts ...Option) *Team {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "crew"
	}
	team, err := NewCoordinator(opts...).Create(cfg)
	require.NoError(t, err)
	return team
}

func names(results []*agent.AgentResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Agent
	}
	return out
}

func TestCreateValidates(t *testing.T) {
	c := NewCoordinator()

	_, err := c.Create(TeamConfig{Name: "empty"})
	assert.Error(t, err)

	_, err = c.Create(TeamConfig{Name: "dup", Members: members(returns("a", 1), returns("a", 2))})
	assert.Error(t, err)

	_, err = c.Create(TeamConfig{Name: "bad", Members: members(returns("a", 1)), Strategy: "round_robin"})
	assert.Error(t, err)

	team, err := c.Create(TeamConfig{Name: "ok", Members: members(returns("a", 1), returns("b", 2))})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, team.Members())
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"PARALLEL":      Parallel,
		"role-based":    RoleBased,
		"ROLE_BASED":    RoleBased,
		" pipeline ":    Pipeline,
		"Collaborative": Collaborative,
		"":              "",
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("chaos")
	assert.Error(t, err)
}

func TestDefaultStrategyIsSequential(t *testing.T) {
	team := newTeam(t, TeamConfig{Members: members(returns("a", 1))})
	res := team.Run(context.Background(), agent.NewTask("t"), "")
	assert.Equal(t, Sequential, res.Strategy)
}

func TestPerCallStrategyWins(t *testing.T) {
	team := newTeam(t, TeamConfig{Members: members(returns("a", 1)), Strategy: Sequential})
	res := team.Run(context.Background(), agent.NewTask("t"), Parallel)
	assert.Equal(t, Parallel, res.Strategy)
}

func TestParallelIsolatesFailures(t *testing.T) {
	a, b := fails("A"), returns("B", "ok")
	team := newTeam(t, TeamConfig{Members: members(a, b)})

	res := team.Run(context.Background(), agent.NewTask("t"), Parallel)

	assert.False(t, res.Success)
	require.Len(t, res.PerAgentResults, 2)
	assert.Equal(t, []string{"A", "B"}, names(res.PerAgentResults))
	assert.False(t, res.PerAgentResults[0].Success)
	assert.True(t, res.PerAgentResults[1].Success)
	assert.Nil(t, res.Error)
	assert.Equal(t, 1, res.Metrics.Failed)
}

func TestParallelMembersGetOwnContext(t *testing.T) {
	scribbler := &fakeRunner{name: "scribbler", fn: func(_ context.Context, task agent.Task, _ int) (any, error) {
		task.Context["brief"].(map[string]any)["tone"] = "loud"
		task.Context["brief"].(map[string]any)["tags"].([]any)[0] = "changed"
		return "done", nil
	}}
	reader := returns("reader", "read")
	team := newTeam(t, TeamConfig{Members: members(scribbler, reader)})
	task := agent.NewTask("t").WithContext(map[string]any{
		"brief": map[string]any{"tone": "calm", "tags": []any{"go"}},
	})

	res := team.Run(context.Background(), task, Parallel)

	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"tone": "calm", "tags": []any{"go"}}, reader.lastTask().Context["brief"])
	assert.Equal(t, map[string]any{"tone": "calm", "tags": []any{"go"}}, task.Context["brief"])
}

func TestParallelKeepsRegistrationOrder(t *testing.T) {
	slow := &fakeRunner{name: "slow", fn: func(context.Context, agent.Task, int) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return "s", nil
	}}
	team := newTeam(t, TeamConfig{Members: members(slow, returns("fast", "f"))})

	res := team.Run(context.Background(), agent.NewTask("t"), Parallel)

	require.True(t, res.Success)
	assert.Equal(t, []string{"slow", "fast"}, names(res.PerAgentResults))
	assert.Len(t, res.SharedContext.PerAgentOutputs, 2)
}

func TestParallelConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	var order []string
	var mu sync.Mutex
	mk := func(name string) *fakeRunner {
		return &fakeRunner{name: name, fn: func(context.Context, agent.Task, int) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return name, nil
		}}
	}
	team := newTeam(t, TeamConfig{Members: members(mk("a"), mk("b"), mk("c"), mk("d")), MaxConcurrency: 1})

	res := team.Run(context.Background(), agent.NewTask("t"), Parallel)

	require.True(t, res.Success)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestSequentialFailFast(t *testing.T) {
	a, b, c := returns("A", "a"), fails("B"), returns("C", "c")
	team := newTeam(t, TeamConfig{Members: members(a, b, c)})

	res := team.Run(context.Background(), agent.NewTask("t"), Sequential)

	assert.False(t, res.Success)
	require.Len(t, res.PerAgentResults, 2)
	assert.Equal(t, []string{"A", "B"}, names(res.PerAgentResults))
	assert.Equal(t, 0, c.calls())
	require.NotNil(t, res.Error)
	assert.Same(t, res.PerAgentResults[1].Error, res.Error)
}

func TestSequentialResearcherWriter(t *testing.T) {
	researcher := returns("Researcher", map[string]any{"notes": "facts about X"})
	writer := &fakeRunner{name: "Writer", fn: func(_ context.Context, task agent.Task, _ int) (any, error) {
		notes := task.Context["Researcher"].(map[string]any)["notes"]
		return fmt.Sprintf("article from %v", notes), nil
	}}
	team := newTeam(t, TeamConfig{
		Name:     "press",
		Strategy: Sequential,
		Members: []Member{
			{Runner: researcher, Capabilities: []string{"research"}},
			{Runner: writer, Capabilities: []string{"writing"}},
		},
	})

	res := team.Run(context.Background(), agent.NewTask("summarize topic X"), "")

	require.True(t, res.Success)
	require.Len(t, res.PerAgentResults, 2)
	assert.Equal(t, "Researcher", res.PerAgentResults[0].Agent)
	got := writer.lastTask()
	assert.Equal(t, "summarize topic X", got.Description)
	assert.Equal(t, map[string]any{"notes": "facts about X"}, got.Context["Researcher"])
	assert.Equal(t, "article from facts about X", res.PerAgentResults[1].Output)
}

func TestPipelineCarriesFields(t *testing.T) {
	a := returns("A", map[string]any{"summary": "x"})
	b := returns("B", "done")
	team := newTeam(t, TeamConfig{Members: members(a, b)})

	res := team.Run(context.Background(), agent.NewTask("original").WithContext(map[string]any{"lang": "en"}), Pipeline)

	require.True(t, res.Success)
	assert.Equal(t, "original", a.lastTask().Description)
	got := b.lastTask()
	assert.Equal(t, "x", got.Context["summary"])
	assert.Equal(t, "en", got.Context["lang"])
	assert.NotEqual(t, "original", got.Description)
}

func TestPipelineStringOutputBecomesTask(t *testing.T) {
	a := returns("A", "translate this")
	b := returns("B", "ok")
	c := fails("C")
	d := returns("D", "never")
	team := newTeam(t, TeamConfig{Members: members(a, b, c, d)})

	res := team.Run(context.Background(), agent.NewTask("start"), Pipeline)

	assert.False(t, res.Success)
	assert.Equal(t, "translate this", b.lastTask().Description)
	assert.Len(t, res.PerAgentResults, 3)
	assert.Equal(t, 0, d.calls())
}

func TestTeamTimeoutKeepsSettledResults(t *testing.T) {
	fast := returns("fast", "f")
	stuck := &fakeRunner{name: "stuck", fn: func(ctx context.Context, _ agent.Task, _ int) (any, error) {
		time.Sleep(time.Second)
		return "late", nil
	}}
	team := newTeam(t, TeamConfig{Members: members(fast, stuck), Timeout: 50 * time.Millisecond})

	start := time.Now()
	res := team.Run(context.Background(), agent.NewTask("t"), Parallel)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, agent.KindTimeout, res.Error.Kind)
	assert.Equal(t, []string{"fast"}, names(res.PerAgentResults))
}

func TestRunnerPanicBecomesFailure(t *testing.T) {
	boom := &fakeRunner{name: "boom", fn: func(context.Context, agent.Task, int) (any, error) { panic("oops") }}
	team := newTeam(t, TeamConfig{Members: members(boom, returns("ok", 1))})

	res := team.Run(context.Background(), agent.NewTask("t"), Parallel)

	require.Len(t, res.PerAgentResults, 2)
	assert.False(t, res.PerAgentResults[0].Success)
	assert.Contains(t, res.PerAgentResults[0].Error.Message, "oops")
	assert.True(t, res.PerAgentResults[1].Success)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []EventType
}

func (r *recordedEvents) Publish(_ context.Context, ev *TeamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Type)
	return nil
}

type recorderFunc func(ctx context.Context, res *TeamResult) error

func (f recorderFunc) SaveTeamRun(ctx context.Context, res *TeamResult) error { return f(ctx, res) }

func TestEventsAndRecording(t *testing.T) {
	pub := &recordedEvents{}
	var saved *TeamResult
	team := newTeam(t, TeamConfig{Members: members(returns("a", 1), returns("b", 2))},
		WithPublisher(pub),
		WithRecorder(recorderFunc(func(_ context.Context, res *TeamResult) error {
			saved = res
			return errors.New("db down")
		})))

	res := team.Run(context.Background(), agent.NewTask("t"), Sequential)

	require.True(t, res.Success)
	assert.Same(t, res, saved)
	assert.Equal(t, []EventType{EventTeamStarted, EventAgentCompleted, EventAgentCompleted, EventTeamCompleted}, pub.events)
}

func TestTeamWithAgentRuntimes(t *testing.T) {
	reg := tool.NewRegistry(nil)
	reg.Register(tool.Func("research", "", func(context.Context, map[string]any) (any, error) {
		return map[string]any{"notes": "n"}, nil
	}))
	reg.Register(tool.Func("write", "", func(_ context.Context, p map[string]any) (any, error) {
		return map[string]any{"article": p["notes"]}, nil
	}))
	plan := func(toolName string) agent.Planner {
		return agent.PlannerFunc(func(context.Context, agent.Task, []string) ([]agent.PlanStep, error) {
			return []agent.PlanStep{{Ordinal: 1, Tool: toolName}}, nil
		})
	}
	researcher := agent.NewRuntime(agent.Config{Name: "Researcher", Tools: []string{"research"}}, plan("research"), reg.Scoped([]string{"research"}))
	writer := agent.NewRuntime(agent.Config{Name: "Writer", Tools: []string{"write"}}, plan("write"), reg.Scoped([]string{"write"}))

	team := newTeam(t, TeamConfig{Members: []Member{{Runner: researcher}, {Runner: writer}}})
	res := team.Run(context.Background(), agent.NewTask("summarize"), Pipeline)

	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, map[string]any{"article": "n"}, res.PerAgentResults[1].Output)
}
