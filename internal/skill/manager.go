package skill

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Manager holds the skill pool and agent-skill assignments.
// All operations are thread-safe.
type Manager struct {
	mu          sync.RWMutex
	skills      map[string]*Skill
	assignments map[string][]string // agent name → skill IDs
}

func NewManager() *Manager {
	return &Manager{
		skills:      make(map[string]*Skill),
		assignments: make(map[string][]string),
	}
}

// Add registers a skill in the pool, replacing any skill with the same ID.
func (m *Manager) Add(s *Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills[s.ID] = s
}

// Get returns a skill by ID, or nil if not found.
func (m *Manager) Get(id string) *Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skills[id]
}

// All returns every skill in the pool ordered by ID.
func (m *Manager) All() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign binds skills to an agent. Unknown skill IDs are rejected and
// nothing is assigned. Duplicate assignments are ignored.
func (m *Manager) Assign(agentName string, skillIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range skillIDs {
		if _, ok := m.skills[id]; !ok {
			return fmt.Errorf("agent %s: unknown skill %q", agentName, id)
		}
	}
	for _, id := range skillIDs {
		if !slices.Contains(m.assignments[agentName], id) {
			m.assignments[agentName] = append(m.assignments[agentName], id)
		}
	}
	return nil
}

// AgentSkills returns the skills assigned to an agent in assignment order.
func (m *Manager) AgentSkills(agentName string) []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Skill
	for _, id := range m.assignments[agentName] {
		if s, ok := m.skills[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Resolved is the union of what an agent's skills contribute.
type Resolved struct {
	Tools        []string
	Capabilities []string
	Prompt       string
}

// Resolve merges the tools and capability tags of the agent's skills,
// deduplicated in first-seen order. Capability tags are lowercased.
func (m *Manager) Resolve(agentName string) Resolved {
	skills := m.AgentSkills(agentName)
	var r Resolved
	for _, s := range skills {
		for _, t := range s.ToolNames {
			if !slices.Contains(r.Tools, t) {
				r.Tools = append(r.Tools, t)
			}
		}
		for _, c := range s.Capabilities {
			c = strings.ToLower(strings.TrimSpace(c))
			if c != "" && !slices.Contains(r.Capabilities, c) {
				r.Capabilities = append(r.Capabilities, c)
			}
		}
	}
	r.Prompt = FormatSkillPrompt(skills)
	return r
}

// FormatSkillPrompt formats skills into a markdown block for a planner's
// system message.
func FormatSkillPrompt(skills []*Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available Skills\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "\n### %s\n%s\n", s.Name, s.Description)
		if s.PromptFragment != "" {
			fmt.Fprintf(&b, "\n%s\n", s.PromptFragment)
		}
	}
	return b.String()
}
