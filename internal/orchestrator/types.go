package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// Strategy selects how a team schedules its members.
type Strategy string

const (
	Parallel      Strategy = "parallel"
	Sequential    Strategy = "sequential"
	Pipeline      Strategy = "pipeline"
	Collaborative Strategy = "collaborative"
	RoleBased     Strategy = "role_based"
)

// DefaultStrategy is used when neither the team nor the call names one.
const DefaultStrategy = Sequential

// Strategies lists every supported strategy.
var Strategies = []Strategy{Parallel, Sequential, Pipeline, Collaborative, RoleBased}

// ParseStrategy accepts names such as "ROLE_BASED", "role-based" or "parallel".
// The empty string parses to "" so callers can fall back to a default.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if norm == "" {
		return "", nil
	}
	for _, st := range Strategies {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Runner executes one task for one agent. *agent.Runtime satisfies it.
type Runner interface {
	Name() string
	Run(ctx context.Context, task agent.Task) *agent.AgentResult
}

// Member describes one agent of a team at creation time.
type Member struct {
	Runner Runner
	Tools  []string
	Skills []string
	// Capabilities are extra tags, e.g. those contributed by skills.
	Capabilities []string
}

// Handle is a member as seen by one team run: identity, capability set and
// the runner to invoke. Handles are rebuilt for every run.
type Handle struct {
	Name         string
	Capabilities []string
	runner       Runner
}

// TeamConfig configures a team.
type TeamConfig struct {
	Name     string
	Members  []Member
	Strategy Strategy
	// MaxConcurrency caps in-flight agents for concurrent strategies; 0 is unbounded.
	MaxConcurrency     int
	MaxRounds          int
	ConsensusThreshold float64
	RequireConsensus   bool
	Timeout            time.Duration
}

const (
	defaultMaxRounds          = 3
	defaultConsensusThreshold = 0.95
)

// SubTask is one unit of a role-based decomposition.
type SubTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RoleAssignment lists the sub-tasks handed to one agent.
type RoleAssignment struct {
	Agent            string   `json:"agent"`
	Responsibilities []string `json:"responsibilities"`
	SubTasks         []string `json:"sub_tasks"`
}

// TeamMetrics summarises a team run.
type TeamMetrics struct {
	Duration  time.Duration `json:"duration"`
	AgentRuns int           `json:"agent_runs"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Rounds    int           `json:"rounds,omitempty"`
}

// TeamResult is the outcome of one Team.Run.
type TeamResult struct {
	RunID            string               `json:"run_id"`
	Team             string               `json:"team"`
	Success          bool                 `json:"success"`
	Strategy         Strategy             `json:"strategy"`
	PerAgentResults  []*agent.AgentResult `json:"per_agent_results"`
	SharedContext    *Snapshot            `json:"shared_context,omitempty"`
	ConsensusReached bool                 `json:"consensus_reached,omitempty"`
	RoleAssignments  []RoleAssignment     `json:"role_assignments,omitempty"`
	Unassigned       []SubTask            `json:"unassigned,omitempty"`
	Error            *agent.Error         `json:"error,omitempty"`
	Metrics          TeamMetrics          `json:"metrics"`
}
