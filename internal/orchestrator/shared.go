package orchestrator

import (
	"maps"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// SharedContext is the versioned blackboard of one team run. Only the
// coordinator writes to it, and only between batches; agents see Snapshots.
type SharedContext struct {
	teamID     string
	version    int
	perAgent   map[string]*agent.AgentResult
	blackboard map[string]any
	iterations int
}

func newSharedContext(teamID string) *SharedContext {
	return &SharedContext{
		teamID:     teamID,
		perAgent:   make(map[string]*agent.AgentResult),
		blackboard: make(map[string]any),
	}
}

// Snapshot is an immutable copy of a SharedContext at one version.
type Snapshot struct {
	TeamID          string                        `json:"team_id"`
	Version         int                           `json:"version"`
	PerAgentOutputs map[string]*agent.AgentResult `json:"per_agent_outputs"`
	Blackboard      map[string]any                `json:"blackboard"`
	IterationCount  int                           `json:"iteration_count"`
}

func (s *SharedContext) recordResult(agentName string, res *agent.AgentResult) {
	s.perAgent[agentName] = res
	s.version++
}

// merge applies values last-writer-wins and bumps the version.
func (s *SharedContext) merge(values map[string]any) {
	for k, v := range values {
		s.blackboard[k] = cloneValue(v)
	}
	s.version++
}

// outputs maps each agent that ran so far to its output.
func (s *SharedContext) outputs() map[string]any {
	out := make(map[string]any, len(s.perAgent))
	for name, r := range s.perAgent {
		out[name] = cloneValue(r.Output)
	}
	return out
}

func (s *SharedContext) snapshot() Snapshot {
	return Snapshot{
		TeamID:          s.teamID,
		Version:         s.version,
		PerAgentOutputs: maps.Clone(s.perAgent),
		Blackboard:      cloneValue(s.blackboard).(map[string]any),
		IterationCount:  s.iterations,
	}
}

// cloneValue deep-copies the JSON-like containers an agent may return.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ownTask returns a copy of t whose context shares no containers with t,
// so concurrent members cannot observe each other's mutations.
func ownTask(t agent.Task) agent.Task {
	out := agent.Task{Description: t.Description}
	if t.Context != nil {
		out.Context = cloneValue(t.Context).(map[string]any)
	}
	return out
}
