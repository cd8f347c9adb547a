package planner

import (
	"context"
	"fmt"
	"maps"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// Static returns the same plan for every task. Agents configured with a
// fixed "plan" list use it.
type Static struct {
	steps []agent.PlanStep
}

// NewStatic creates a planner that always yields steps.
func NewStatic(steps []agent.PlanStep) *Static {
	return &Static{steps: steps}
}

// Plan returns a copy of the configured steps.
func (s *Static) Plan(_ context.Context, _ agent.Task, _ []string) ([]agent.PlanStep, error) {
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("static plan is empty")
	}
	out := make([]agent.PlanStep, len(s.steps))
	for i, st := range s.steps {
		st.Params = maps.Clone(st.Params)
		st.Bindings = maps.Clone(st.Bindings)
		out[i] = st
	}
	return out, nil
}
