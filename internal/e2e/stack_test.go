//go:build integration

package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/memory"
	"github.com/nidhogg/nuka-crew/internal/metrics"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/planner"
	"github.com/nidhogg/nuka-crew/internal/provider"
	pgstore "github.com/nidhogg/nuka-crew/internal/store"
	"github.com/nidhogg/nuka-crew/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// Package-level shared state, set by TestMain.
var (
	testLogger *zap.Logger
	testPG     *pgstore.Store
	testGraph  *memory.GraphStore
	testBus    *orchestrator.MessageBus
	testLLM    *provider.Config
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger = zap.NewNop()

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) {
		fmt.Fprintf(os.Stderr, "stack setup: %v\n", err)
		cleanup()
		os.Exit(1)
	}

	dsn, stop, err := startPostgres(ctx)
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, stop)
	if testPG, err = pgstore.New(ctx, dsn, testLogger); err != nil {
		fail(err)
	}
	cleanups = append(cleanups, testPG.Close)
	if err := testPG.Migrate(ctx); err != nil {
		fail(err)
	}

	uri, stop, err := startNeo4j(ctx)
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, stop)
	if testGraph, err = memory.NewGraphStore(uri, "", "", testLogger); err != nil {
		fail(err)
	}
	cleanups = append(cleanups, func() { testGraph.Close(ctx) })
	if err := testGraph.EnsureSchema(ctx); err != nil {
		fail(err)
	}

	redisURL, stop, err := startRedis(ctx)
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, stop)
	if testBus, err = orchestrator.NewMessageBus(ctx, redisURL, testLogger); err != nil {
		fail(err)
	}
	cleanups = append(cleanups, func() { testBus.Close() })

	if ep := os.Getenv("CREW_TEST_PROVIDER_ENDPOINT"); ep != "" {
		testLLM = &provider.Config{
			ID:       "test-llm",
			Type:     "openai",
			Endpoint: ep,
			APIKey:   os.Getenv("CREW_TEST_PROVIDER_API_KEY"),
			Model:    os.Getenv("CREW_TEST_PROVIDER_MODEL"),
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("crew_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	return dsn, func() { container.Terminate(ctx) }, nil
}

func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	return uri, func() { container.Terminate(ctx) }, nil
}

func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	return "redis://" + endpoint, func() { container.Terminate(ctx) }, nil
}

func skipIfNoLLM(t *testing.T) {
	t.Helper()
	if testLLM == nil {
		t.Skip("LLM provider not configured (set CREW_TEST_PROVIDER_ENDPOINT, CREW_TEST_PROVIDER_API_KEY, CREW_TEST_PROVIDER_MODEL)")
	}
}

// stackRuntime builds a runtime writing episodes to every backing store.
func stackRuntime(name string, pl agent.Planner, sink agent.MetricsSink, tools ...string) *agent.Runtime {
	reg := tool.NewRegistry(testLogger)
	tool.RegisterBuiltins(reg)
	return agent.NewRuntime(agent.Config{Name: name, Tools: tools}, pl, reg.Scoped(tools),
		agent.WithMemory(memory.Fanout{testPG, testGraph}),
		agent.WithMetrics(sink),
		agent.WithLogger(testLogger))
}

func TestTeamRunAcrossStores(t *testing.T) {
	ctx := context.Background()
	rec := metrics.NewRecorder()

	drafter := stackRuntime("drafter", planner.NewStatic([]agent.PlanStep{
		{Ordinal: 1, Tool: "echo", Description: "draft", Params: map[string]any{"draft": "the crew ships"}},
	}), rec, "echo")
	reviewer := stackRuntime("reviewer", planner.NewStatic([]agent.PlanStep{
		{Ordinal: 1, Tool: "text_stats", Description: "measure", Bindings: map[string]string{"text": "task"}},
	}), rec, "text_stats")

	coord := orchestrator.NewCoordinator(
		orchestrator.WithPublisher(testBus),
		orchestrator.WithRecorder(testPG),
		orchestrator.WithMetrics(rec),
		orchestrator.WithLogger(testLogger))
	team, err := coord.Create(orchestrator.TeamConfig{
		Name:     "stack",
		Members:  []orchestrator.Member{{Runner: drafter}, {Runner: reviewer}},
		Strategy: orchestrator.Pipeline,
	})
	require.NoError(t, err)

	res := team.Run(ctx, agent.NewTask("write a launch note"), "")
	require.True(t, res.Success, "team error: %v", res.Error)
	require.Len(t, res.PerAgentResults, 2)

	// Team summary persisted in PostgreSQL.
	runs, err := testPG.ListTeamRuns(ctx, "stack", 5)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, "pipeline", runs[0].Strategy)

	// Lifecycle events on the Redis stream.
	events, err := testBus.History(ctx, "stack", 20)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, orchestrator.EventTeamStarted, events[0].Type)
	assert.Equal(t, orchestrator.EventTeamCompleted, events[len(events)-1].Type)

	// Each agent episode recorded in both PostgreSQL and Neo4j.
	for _, ar := range res.PerAgentResults {
		id := ar.Metrics.EpisodeID
		pgEp, err := testPG.Episode(ctx, id)
		require.NoError(t, err)
		graphEp, err := testGraph.Episode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, len(pgEp.Records), len(graphEp.Records))
		assert.NotNil(t, pgEp.ClosedAt)
		assert.NotNil(t, graphEp.ClosedAt)
	}

	_, ok := rec.Get("team.pipeline")
	assert.True(t, ok)
}

func TestLLMPlannedAgent(t *testing.T) {
	skipIfNoLLM(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	p, err := provider.New(*testLLM, testLogger)
	require.NoError(t, err)
	router := provider.NewRouter(testLogger)
	router.Register(p)

	reg := tool.NewRegistry(testLogger)
	tool.RegisterBuiltins(reg)
	rt := stackRuntime("analyst",
		planner.NewLLM(router, "analyst", testLLM.Model, reg.Describe, testLogger),
		metrics.NewRecorder(), "text_stats")

	res := rt.Run(ctx, agent.NewTask("Count the words in the text 'the quick brown fox'").
		WithContext(map[string]any{"text": "the quick brown fox"}))
	require.True(t, res.Success, "run error: %v", res.Error)
	assert.NotEmpty(t, res.ToolsExecuted)
}
