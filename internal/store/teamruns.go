package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-crew/internal/orchestrator"
)

// TeamRun is the stored summary of one team run.
type TeamRun struct {
	ID               string          `json:"id"`
	Team             string          `json:"team"`
	Strategy         string          `json:"strategy"`
	Success          bool            `json:"success"`
	ConsensusReached bool            `json:"consensus_reached"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	AgentRuns        int             `json:"agent_runs"`
	Succeeded        int             `json:"succeeded"`
	Failed           int             `json:"failed"`
	Rounds           int             `json:"rounds"`
	Duration         time.Duration   `json:"duration"`
	Result           json.RawMessage `json:"result"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SaveTeamRun implements orchestrator.RunRecorder.
func (s *Store) SaveTeamRun(ctx context.Context, res *orchestrator.TeamResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal team result: %w", err)
	}
	var kind, msg string
	if res.Error != nil {
		kind, msg = string(res.Error.Kind), res.Error.Message
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO team_runs (id, team, strategy, success, consensus_reached,
			error_kind, error_message, agent_runs, succeeded, failed, rounds, duration_ms, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		res.RunID, res.Team, string(res.Strategy), res.Success, res.ConsensusReached,
		kind, msg, res.Metrics.AgentRuns, res.Metrics.Succeeded, res.Metrics.Failed,
		res.Metrics.Rounds, res.Metrics.Duration.Milliseconds(), body,
	)
	if err != nil {
		return fmt.Errorf("save team run %s: %w", res.RunID, err)
	}
	return nil
}

// ListTeamRuns returns the most recent runs of a team, newest first.
func (s *Store) ListTeamRuns(ctx context.Context, team string, limit int) ([]*TeamRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, team, strategy, success, consensus_reached, error_kind, error_message,
		       agent_runs, succeeded, failed, rounds, duration_ms, result, created_at
		FROM team_runs
		WHERE team = $1
		ORDER BY created_at DESC
		LIMIT $2`, team, limit)
	if err != nil {
		return nil, fmt.Errorf("list team runs: %w", err)
	}
	defer rows.Close()

	var runs []*TeamRun
	for rows.Next() {
		var (
			r  TeamRun
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Team, &r.Strategy, &r.Success, &r.ConsensusReached,
			&r.ErrorKind, &r.ErrorMessage, &r.AgentRuns, &r.Succeeded, &r.Failed,
			&r.Rounds, &ms, &r.Result, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team run: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
