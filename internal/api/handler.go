package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/memory"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/store"
	"go.uber.org/zap"
)

// RunHistory lists persisted team runs.
type RunHistory interface {
	ListTeamRuns(ctx context.Context, team string, limit int) ([]*store.TeamRun, error)
}

// TeamEvents reads team lifecycle events back from the event bus.
type TeamEvents interface {
	History(ctx context.Context, team string, count int64) ([]*orchestrator.TeamEvent, error)
	Subscribe(ctx context.Context, team string) <-chan *orchestrator.TeamEvent
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	agents   map[string]*agent.Runtime
	teams    map[string]*orchestrator.Team
	episodes memory.Reader
	history  RunHistory
	events   TeamEvents
	metrics  http.Handler
	logger   *zap.Logger
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithEpisodes enables GET /api/episodes/{id}.
func WithEpisodes(r memory.Reader) Option { return func(h *Handler) { h.episodes = r } }

// WithRunHistory enables GET /api/teams/{name}/runs.
func WithRunHistory(r RunHistory) Option { return func(h *Handler) { h.history = r } }

// WithTeamEvents enables GET /api/teams/{name}/events and its follow stream.
func WithTeamEvents(e TeamEvents) Option { return func(h *Handler) { h.events = e } }

// WithMetricsHandler mounts a scrape handler at /metrics.
func WithMetricsHandler(m http.Handler) Option { return func(h *Handler) { h.metrics = m } }

// NewHandler creates a new API handler.
func NewHandler(agents []*agent.Runtime, teams []*orchestrator.Team, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		agents: make(map[string]*agent.Runtime, len(agents)),
		teams:  make(map[string]*orchestrator.Team, len(teams)),
		logger: logger,
	}
	for _, a := range agents {
		h.agents[a.Name()] = a
	}
	for _, t := range teams {
		h.teams[t.Name()] = t
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents/{name}/run", h.runAgent)
		r.Post("/agents/{name}/stream", h.streamAgent)

		r.Get("/teams", h.listTeams)
		r.Post("/teams/{name}/run", h.runTeam)
		r.Get("/teams/{name}/runs", h.listTeamRuns)
		r.Get("/teams/{name}/events", h.listTeamEvents)
		r.Get("/teams/{name}/events/follow", h.followTeamEvents)

		r.Get("/episodes/{id}", h.getEpisode)
	})

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(h.agents),
		"teams":  len(h.teams),
	})
}

type agentInfo struct {
	Name            string   `json:"name"`
	Tools           []string `json:"tools"`
	Skills          []string `json:"skills,omitempty"`
	MaxCalls        int      `json:"max_calls,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	TimeoutMS       int64    `json:"timeout_ms,omitempty"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]agentInfo, 0, len(h.agents))
	for _, name := range sortedKeys(h.agents) {
		cfg := h.agents[name].Config()
		out = append(out, agentInfo{
			Name:            cfg.Name,
			Tools:           cfg.Tools,
			Skills:          cfg.Skills,
			MaxCalls:        cfg.MaxCalls,
			RequireApproval: cfg.RequireApproval,
			TimeoutMS:       cfg.Timeout.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type runRequest struct {
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
}

func (req runRequest) task() agent.Task {
	return agent.NewTask(req.Description).WithContext(req.Context)
}

func decodeRun(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return req, false
	}
	return req, true
}

func (h *Handler) lookupAgent(w http.ResponseWriter, r *http.Request) (*agent.Runtime, bool) {
	rt, ok := h.agents[chi.URLParam(r, "name")]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
	}
	return rt, ok
}

// runAgent answers 200 with the AgentResult whether or not the run
// succeeded; the outcome is in the body.
func (h *Handler) runAgent(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.lookupAgent(w, r)
	if !ok {
		return
	}
	req, ok := decodeRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.Run(r.Context(), req.task()))
}

// streamAgent writes one JSON event per line and flushes after each. A
// client disconnect stops the run.
func (h *Handler) streamAgent(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.lookupAgent(w, r)
	if !ok {
		return
	}
	req, ok := decodeRun(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for ev := range rt.ExecuteStream(r.Context(), req.task()) {
		if err := enc.Encode(ev); err != nil {
			h.logger.Debug("stream client gone", zap.String("agent", rt.Name()), zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type teamInfo struct {
	Name     string   `json:"name"`
	Strategy string   `json:"strategy"`
	Members  []string `json:"members"`
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	out := make([]teamInfo, 0, len(h.teams))
	for _, name := range sortedKeys(h.teams) {
		t := h.teams[name]
		strat := t.Strategy()
		if strat == "" {
			strat = orchestrator.DefaultStrategy
		}
		out = append(out, teamInfo{Name: name, Strategy: string(strat), Members: t.Members()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) runTeam(w http.ResponseWriter, r *http.Request) {
	team, ok := h.teams[chi.URLParam(r, "name")]
	if !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	req, ok := decodeRun(w, r)
	if !ok {
		return
	}
	strat, err := orchestrator.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, team.Run(r.Context(), req.task(), strat))
}

func (h *Handler) listTeamRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.teams[name]; !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.history.ListTeamRuns(r.Context(), name, limit)
	if err != nil {
		h.logger.Error("list team runs", zap.String("team", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*store.TeamRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

const defaultEventLimit = 50

func (h *Handler) lookupEvents(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if _, ok := h.teams[name]; !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return "", false
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "team events not configured")
		return "", false
	}
	return name, true
}

func (h *Handler) listTeamEvents(w http.ResponseWriter, r *http.Request) {
	name, ok := h.lookupEvents(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	evs, err := h.events.History(r.Context(), name, int64(limit))
	if err != nil {
		h.logger.Error("list team events", zap.String("team", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []*orchestrator.TeamEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// followTeamEvents streams events published after the request as NDJSON
// until the client goes away.
func (h *Handler) followTeamEvents(w http.ResponseWriter, r *http.Request) {
	name, ok := h.lookupEvents(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(w)

	for ev := range h.events.Subscribe(r.Context(), name) {
		if err := enc.Encode(ev); err != nil {
			h.logger.Debug("event client gone", zap.String("team", name), zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) getEpisode(w http.ResponseWriter, r *http.Request) {
	if h.episodes == nil {
		writeError(w, http.StatusServiceUnavailable, "episode store not configured")
		return
	}
	ep, err := h.episodes.Episode(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, memory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "episode not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
