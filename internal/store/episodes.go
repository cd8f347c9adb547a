package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/memory"
)

// AppendEpisode implements agent.Memory. The episode row is created by its
// first record.
func (s *Store) AppendEpisode(ctx context.Context, id string, rec agent.EpisodeRecord) error {
	var detail []byte
	if len(rec.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(rec.Detail); err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO episodes (id, agent, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		id, rec.Agent, rec.Timestamp,
	); err != nil {
		return fmt.Errorf("insert episode %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO episode_records (episode_id, type, step, tool, content, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, string(rec.Type), rec.Step, rec.Tool, rec.Content, detail, rec.Timestamp,
	); err != nil {
		return fmt.Errorf("append record to %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

// CloseEpisode implements agent.Memory.
func (s *Store) CloseEpisode(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE episodes SET closed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("close episode %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// Episode loads an episode with its records in append order.
func (s *Store) Episode(ctx context.Context, id string) (*memory.Episode, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, memory.ErrNotFound
	}
	ep := &memory.Episode{ID: id}
	err := s.db.QueryRow(ctx, `
		SELECT agent, started_at, closed_at FROM episodes WHERE id = $1`, id,
	).Scan(&ep.Agent, &ep.StartedAt, &ep.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", id, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT type, step, tool, content, detail, recorded_at
		FROM episode_records
		WHERE episode_id = $1
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get records of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec    agent.EpisodeRecord
			typ    string
			detail []byte
			at     time.Time
		)
		if err := rows.Scan(&typ, &rec.Step, &rec.Tool, &rec.Content, &detail, &at); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Type = agent.RecordType(typ)
		rec.Agent = ep.Agent
		rec.Timestamp = at
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &rec.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		ep.Records = append(ep.Records, rec)
	}
	return ep, rows.Err()
}
