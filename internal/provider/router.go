package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Router picks a provider per agent and falls back along a configured chain.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	bindings  map[string]string   // agent -> provider
	fallbacks map[string][]string // agent -> fallback chain
	def       string
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.def == "" {
		r.def = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()))
}

// SetDefault sets the provider used by unbound agents.
func (r *Router) SetDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = id
}

// Bind routes an agent's requests to a provider.
func (r *Router) Bind(agentName, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentName] = providerID
}

// SetFallbacks configures the providers tried after the primary fails.
func (r *Router) SetFallbacks(agentName string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentName] = append([]string(nil), ids...)
}

// IDs returns the registered provider ids, sorted.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Route sends req through the agent's provider, then its fallbacks.
func (r *Router) Route(ctx context.Context, agentName string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	chain := r.chain(agentName)
	r.mu.RUnlock()
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for agent %s", agentName)
	}

	var err error
	for i, p := range chain {
		var resp *ChatResponse
		resp, err = p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("provider failed",
			zap.String("agent", agentName),
			zap.String("provider", p.ID()),
			zap.Bool("fallback", i > 0),
			zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentName, err)
}

func (r *Router) chain(agentName string) []Provider {
	var out []Provider
	primary := r.def
	if id, ok := r.bindings[agentName]; ok {
		primary = id
	}
	if p, ok := r.providers[primary]; ok {
		out = append(out, p)
	}
	for _, id := range r.fallbacks[agentName] {
		if p, ok := r.providers[id]; ok && id != primary {
			out = append(out, p)
		}
	}
	return out
}
