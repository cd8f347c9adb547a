package orchestrator

import "strings"

// Scorer rates how well an agent's capabilities cover a sub-task's required
// capabilities. A score of zero or less means the agent does not qualify.
type Scorer func(agentCaps, required []string) float64

// OverlapScore counts the required capabilities the agent declares.
func OverlapScore(agentCaps, required []string) float64 {
	have := make(map[string]bool, len(agentCaps))
	for _, c := range agentCaps {
		have[strings.ToLower(c)] = true
	}
	n := 0
	for _, c := range required {
		if have[strings.ToLower(c)] {
			n++
		}
	}
	return float64(n)
}

// assignment is the outcome of matching sub-tasks to handles.
type assignment struct {
	// byAgent[i] holds the sub-tasks given to handles[i].
	byAgent    [][]SubTask
	unassigned []SubTask
}

// assign gives each sub-task to the highest scoring handle. Ties go to the
// earlier registered handle; sub-tasks nobody qualifies for stay unassigned.
func assign(subtasks []SubTask, handles []*Handle, score Scorer) assignment {
	a := assignment{byAgent: make([][]SubTask, len(handles))}
	for _, st := range subtasks {
		best, bestScore := -1, 0.0
		for i, h := range handles {
			if s := score(h.Capabilities, st.Capabilities); s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			a.unassigned = append(a.unassigned, st)
			continue
		}
		a.byAgent[best] = append(a.byAgent[best], st)
	}
	return a
}

// inferCapabilities picks the capabilities from known that the description
// mentions, matching whole words or shared stems ("write" and "writing").
func inferCapabilities(description string, known []string) []string {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r > 127)
	})
	var out []string
	for _, c := range known {
		lc := strings.ToLower(c)
		for _, w := range words {
			if related(w, lc) {
				out = append(out, lc)
				break
			}
		}
	}
	return out
}

func related(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n >= 4
}
