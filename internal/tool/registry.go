package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds available tools keyed by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.logger.Debug("registered tool", zap.String("tool", t.Name()))
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe returns a tool's description, or "" if it is not registered.
func (r *Registry) Describe(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t.Description()
	}
	return ""
}

// Execute runs a tool by name. Unknown tools and panics inside a tool are
// reported as failed results.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (res Result) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Fail(fmt.Sprintf("unknown tool: %s", name))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", p))
			res = Fail(fmt.Sprintf("tool %s panicked: %v", name, p))
		}
	}()
	return t.Execute(ctx, params)
}

// Scoped returns a view of the registry restricted to the given names.
// An empty allow list exposes every tool.
func (r *Registry) Scoped(allow []string) *Scope {
	s := &Scope{reg: r}
	if len(allow) > 0 {
		s.allow = make(map[string]bool, len(allow))
		for _, n := range allow {
			s.allow[n] = true
		}
	}
	return s
}

// Scope is a registry view limited to an agent's declared tools.
type Scope struct {
	reg   *Registry
	allow map[string]bool
}

func (s *Scope) permitted(name string) bool {
	return s.allow == nil || s.allow[name]
}

// Has reports whether name is both declared and registered.
func (s *Scope) Has(name string) bool {
	return s.permitted(name) && s.reg.Has(name)
}

// Execute runs name if it is within scope.
func (s *Scope) Execute(ctx context.Context, name string, params map[string]any) Result {
	if !s.permitted(name) {
		return Fail(fmt.Sprintf("tool %s is not declared for this agent", name))
	}
	return s.reg.Execute(ctx, name, params)
}

// Names returns the registered tools visible through the scope.
func (s *Scope) Names() []string {
	all := s.reg.Names()
	if s.allow == nil {
		return all
	}
	names := all[:0]
	for _, n := range all {
		if s.allow[n] {
			names = append(names, n)
		}
	}
	return names
}
