package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"go.uber.org/zap"
)

// runRoleBased decomposes the task, assigns each sub-task to the best
// qualified member and runs the assigned members concurrently. Failures
// are isolated per member.
func (r *teamRun) runRoleBased(ctx context.Context) {
	var teamCaps [][]string
	for _, h := range r.handles {
		teamCaps = append(teamCaps, h.Capabilities)
	}

	subtasks, err := r.team.c.decomposer.Decompose(ctx, r.task, capabilitySet(teamCaps...))
	if err != nil {
		r.result.Error = agent.WrapError(agent.KindPlanningFailed, err, "decompose task")
		return
	}
	if len(subtasks) == 0 {
		r.result.Error = agent.NewError(agent.KindPlanningFailed, "decomposition produced no sub-tasks")
		return
	}

	a := assign(subtasks, r.handles, r.team.c.scorer)
	r.result.Unassigned = a.unassigned

	var (
		handles []*Handle
		tasks   []agent.Task
	)
	for i, sts := range a.byAgent {
		if len(sts) == 0 {
			continue
		}
		h := r.handles[i]
		ra := RoleAssignment{Agent: h.Name}
		for _, st := range sts {
			ra.Responsibilities = append(ra.Responsibilities, st.Description)
			ra.SubTasks = append(ra.SubTasks, st.ID)
		}
		r.result.RoleAssignments = append(r.result.RoleAssignments, ra)
		handles = append(handles, h)
		tasks = append(tasks, ownTask(subTaskFor(r.task, sts)))
		r.logger.Debug("assigned sub-tasks", zap.String("agent", h.Name), zap.Strings("subtasks", ra.SubTasks))
	}

	results, terr := r.fanOut(ctx, handles, tasks)
	r.collect(ctx, handles, results)

	switch {
	case terr != nil:
		r.result.Error = terr
	case len(a.unassigned) > 0:
		ids := make([]string, len(a.unassigned))
		for i, st := range a.unassigned {
			ids[i] = st.ID
		}
		r.result.Error = agent.NewError(agent.KindPlanningFailed, "no agent qualifies for sub-task(s) %s", strings.Join(ids, ", "))
	}
	r.result.Success = r.result.Error == nil && len(handles) > 0 && r.allSucceeded()
}

// subTaskFor builds the task one member runs for its assigned sub-tasks.
func subTaskFor(parent agent.Task, sts []SubTask) agent.Task {
	extra := map[string]any{"parent_task": parent.Description}
	if len(sts) == 1 {
		extra["subtask_id"] = sts[0].ID
		extra["capabilities"] = sts[0].Capabilities
		t := parent.WithContext(extra)
		t.Description = sts[0].Description
		return t
	}

	var b strings.Builder
	ids := make([]string, len(sts))
	for i, st := range sts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, st.Description)
		ids[i] = st.ID
	}
	extra["subtask_ids"] = ids
	t := parent.WithContext(extra)
	t.Description = strings.TrimSpace(b.String())
	return t
}
