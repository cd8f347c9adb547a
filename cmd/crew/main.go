package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/api"
	"github.com/nidhogg/nuka-crew/internal/config"
	"github.com/nidhogg/nuka-crew/internal/memory"
	"github.com/nidhogg/nuka-crew/internal/metrics"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/planner"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/skill"
	pgstore "github.com/nidhogg/nuka-crew/internal/store"
	"github.com/nidhogg/nuka-crew/internal/tool"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/crew.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Providers
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}

	// Episode memory: in-process log, plus PostgreSQL and Neo4j when configured.
	episodeLog := memory.NewLog(cfg.Runtime.EpisodeLimit)
	sinks := memory.Fanout{episodeLog}
	var episodes memory.Reader = episodeLog

	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			sinks = append(sinks, ps)
			episodes = ps
		}
	}

	var graph *memory.GraphStore
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := connectGraph(ctx, cfg.Database.Neo4j, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without episode graph", zap.Error(gErr))
		} else {
			graph = g
			sinks = append(sinks, g)
		}
	}

	prom := metrics.NewPrometheus()
	usage := metrics.NewRecorder()
	sink := metrics.Multi{prom, usage}

	// Tools and skills
	reg := tool.NewRegistry(logger)
	tool.RegisterBuiltins(reg)

	skills := skill.NewManager()
	skill.RegisterBuiltins(skills)
	plugins, err := skill.LoadFromDir(cfg.SkillsDir)
	if err != nil {
		logger.Fatal("failed to load skills", zap.String("dir", cfg.SkillsDir), zap.Error(err))
	}
	for _, s := range plugins {
		skills.Add(s)
	}
	logger.Info("Skills loaded", zap.Int("count", len(skills.All())))

	// Agents
	runtimes := make([]*agent.Runtime, 0, len(cfg.Agents))
	members := make(map[string]orchestrator.Member, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		if err := skills.Assign(ac.Name, ac.Skills...); err != nil {
			logger.Fatal("invalid agent skills", zap.Error(err))
		}
		resolved := skills.Resolve(ac.Name)
		rc := ac.Runtime(cfg.Runtime, resolved.Tools)

		var pl agent.Planner
		if len(ac.Plan) > 0 {
			pl = planner.NewStatic(ac.Plan)
		} else {
			llm := planner.NewLLM(router, ac.Name, ac.Model, reg.Describe, logger)
			llm.SetGuidance(resolved.Prompt)
			pl = llm
		}
		if ac.LLM != "" {
			router.Bind(ac.Name, ac.LLM)
		}
		if len(ac.Fallbacks) > 0 {
			router.SetFallbacks(ac.Name, ac.Fallbacks)
		}

		rt := agent.NewRuntime(rc, pl, reg.Scoped(rc.Tools),
			agent.WithMemory(sinks),
			agent.WithMetrics(sink),
			agent.WithLogger(logger))
		runtimes = append(runtimes, rt)
		members[ac.Name] = orchestrator.Member{
			Runner:       rt,
			Tools:        rc.Tools,
			Skills:       rc.Skills,
			Capabilities: append(append([]string(nil), ac.Capabilities...), resolved.Capabilities...),
		}
	}
	logger.Info("Agents ready", zap.Int("count", len(runtimes)))

	// Teams
	coordOpts := []orchestrator.Option{
		orchestrator.WithMetrics(sink),
		orchestrator.WithLogger(logger),
	}
	var bus *orchestrator.MessageBus
	if cfg.Database.Redis.URL != "" {
		b, busErr := orchestrator.NewMessageBus(ctx, cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without team events", zap.Error(busErr))
		} else {
			bus = b
			coordOpts = append(coordOpts, orchestrator.WithPublisher(bus))
		}
	}
	if pgStore != nil {
		coordOpts = append(coordOpts, orchestrator.WithRecorder(pgStore))
	}
	if len(router.IDs()) > 0 {
		coordOpts = append(coordOpts, orchestrator.WithDecomposer(
			orchestrator.NewLLMDecomposer(router, "coordinator", "", logger)))
	}
	coord := orchestrator.NewCoordinator(coordOpts...)

	teams := make([]*orchestrator.Team, 0, len(cfg.Teams))
	for _, tc := range cfg.Teams {
		ms := make([]orchestrator.Member, 0, len(tc.Agents))
		for _, name := range tc.Agents {
			ms = append(ms, members[name])
		}
		teamCfg, err := tc.Team(ms)
		if err != nil {
			logger.Fatal("invalid team", zap.String("team", tc.Name), zap.Error(err))
		}
		team, err := coord.Create(teamCfg)
		if err != nil {
			logger.Fatal("invalid team", zap.String("team", tc.Name), zap.Error(err))
		}
		teams = append(teams, team)
	}
	logger.Info("Teams ready", zap.Int("count", len(teams)))

	// HTTP
	opts := []api.Option{
		api.WithEpisodes(episodes),
		api.WithMetricsHandler(prom.Handler()),
	}
	if pgStore != nil {
		opts = append(opts, api.WithRunHistory(pgStore))
	}
	if bus != nil {
		opts = append(opts, api.WithTeamEvents(bus))
	}
	handler := api.NewHandler(runtimes, teams, logger, opts...)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("Crew listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	for name, st := range usage.Snapshot() {
		logger.Info("operation totals",
			zap.String("operation", name),
			zap.Int("count", st.Count),
			zap.Duration("total", st.Total),
			zap.Duration("max", st.Max))
	}
	if bus != nil {
		bus.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		l, _ := zap.NewDevelopment()
		return l
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func connectGraph(ctx context.Context, nc config.Neo4jConfig, logger *zap.Logger) (*memory.GraphStore, error) {
	g, err := memory.NewGraphStore(nc.URI, nc.User, nc.Password, logger)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.Ping(pingCtx); err != nil {
		g.Close(ctx)
		return nil, err
	}
	if err := g.EnsureSchema(pingCtx); err != nil {
		g.Close(ctx)
		return nil, err
	}
	return g, nil
}
