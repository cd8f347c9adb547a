package agent

import (
	"fmt"
	"sort"
)

// OrderSteps validates a plan and returns its steps in execution order.
// A step whose bindings consume a key declared in another step's output
// runs after that producer; otherwise ordinal order is kept. Keys found in
// available (the task context) need no producer.
func OrderSteps(steps []PlanStep, available map[string]any) ([]PlanStep, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	sorted := make([]PlanStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	seen := make(map[int]bool, len(sorted))
	for _, s := range sorted {
		if seen[s.Ordinal] {
			return nil, fmt.Errorf("duplicate step ordinal %d", s.Ordinal)
		}
		seen[s.Ordinal] = true
	}

	// edges[i] lists indices of steps that must wait for step i.
	edges := make([][]int, len(sorted))
	inDegree := make([]int, len(sorted))
	for i, consumer := range sorted {
		for param, key := range consumer.Bindings {
			var producers []int
			for j, producer := range sorted {
				if i != j && producer.Produces(key) {
					producers = append(producers, j)
				}
			}
			if len(producers) == 0 {
				if _, ok := available[key]; !ok {
					return nil, fmt.Errorf("step %d binds %q to %q, which no step produces", consumer.Ordinal, param, key)
				}
				continue
			}
			for _, j := range producers {
				edges[j] = append(edges[j], i)
				inDegree[i]++
			}
		}
	}

	// Kahn's algorithm, always taking the ready step with the lowest ordinal.
	done := make([]bool, len(sorted))
	ordered := make([]PlanStep, 0, len(sorted))
	for len(ordered) < len(sorted) {
		next := -1
		for i := range sorted {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("plan steps contain a dependency cycle")
		}
		done[next] = true
		ordered = append(ordered, sorted[next])
		for _, k := range edges[next] {
			inDegree[k]--
		}
	}
	return ordered, nil
}

// countToolSteps returns the number of steps that invoke a tool.
func countToolSteps(steps []PlanStep) int {
	n := 0
	for _, s := range steps {
		if s.Tool != "" {
			n++
		}
	}
	return n
}
