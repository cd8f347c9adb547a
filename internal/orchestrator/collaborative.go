package orchestrator

import (
	"context"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"go.uber.org/zap"
)

// runCollaborative runs members in rounds over the shared blackboard. After
// each round the coordinator merges contributions in registration order and
// compares the round's merged output with the previous round's. The loop
// ends on consensus, when the round budget is spent, or when a round yields
// no contribution at all.
func (r *teamRun) runCollaborative(ctx context.Context) {
	cfg := r.team.cfg
	latest := make([]*agent.AgentResult, len(r.handles))
	var prev map[string]any
	consensus := false

	defer func() {
		for i, res := range latest {
			if res != nil {
				r.result.PerAgentResults = append(r.result.PerAgentResults, res)
				r.shared.recordResult(r.handles[i].Name, res)
			}
		}
		r.result.Metrics.Rounds = r.shared.iterations
	}()

	for round := 1; round <= cfg.MaxRounds; round++ {
		snap := r.shared.snapshot()
		task := r.task.WithContext(map[string]any{
			"blackboard": snap.Blackboard,
			"round":      round,
			"version":    snap.Version,
		})
		tasks := make([]agent.Task, len(r.handles))
		for i := range tasks {
			tasks[i] = ownTask(task)
		}

		results, terr := r.fanOut(ctx, r.handles, tasks)

		merged := make(map[string]any)
		contributions := 0
		for i, res := range results {
			if res == nil {
				continue
			}
			latest[i] = res
			r.publish(ctx, EventAgentCompleted, r.handles[i].Name, map[string]any{"success": res.Success, "round": round})
			if !res.Success {
				r.logger.Debug("missing contribution", zap.String("agent", r.handles[i].Name), zap.Int("round", round))
				continue
			}
			vals := contribution(r.handles[i].Name, res.Output)
			r.shared.merge(vals)
			for k, v := range vals {
				merged[k] = v
			}
			contributions++
		}
		r.shared.iterations = round

		var score float64
		if prev != nil {
			score = r.team.c.similarity(prev, merged)
		}
		r.publish(ctx, EventRoundCompleted, "", map[string]any{
			"round":         round,
			"contributions": contributions,
			"similarity":    score,
		})

		if terr != nil {
			r.result.Error = terr
			return
		}
		if contributions == 0 {
			r.result.Error = agent.NewError(agent.KindConsensusNotReached, "round %d produced no contributions", round)
			return
		}
		if prev != nil && score >= cfg.ConsensusThreshold {
			consensus = true
			break
		}
		prev = merged
	}

	r.result.ConsensusReached = consensus
	if !consensus {
		r.result.Error = agent.NewError(agent.KindConsensusNotReached,
			"no consensus after %d rounds (threshold %.2f)", r.shared.iterations, cfg.ConsensusThreshold)
		r.result.Success = !cfg.RequireConsensus
		return
	}
	r.result.Success = true
}

// contribution turns an agent output into blackboard entries. Objects merge
// key by key; any other value is stored under the agent's name.
func contribution(agentName string, out any) map[string]any {
	if m, ok := out.(map[string]any); ok {
		return cloneValue(m).(map[string]any)
	}
	return map[string]any{agentName: cloneValue(out)}
}
