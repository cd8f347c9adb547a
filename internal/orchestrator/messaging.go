package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a team lifecycle event.
type EventType string

const (
	EventTeamStarted    EventType = "team_started"
	EventAgentCompleted EventType = "agent_completed"
	EventRoundCompleted EventType = "round_completed"
	EventTeamCompleted  EventType = "team_completed"
)

// TeamEvent is published while a team runs.
type TeamEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Team      string         `json:"team"`
	Type      EventType      `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventPublisher receives team events. Errors are logged, never propagated.
type EventPublisher interface {
	Publish(ctx context.Context, ev *TeamEvent) error
}

const publishTimeout = 2 * time.Second

func (r *teamRun) publish(ctx context.Context, typ EventType, agentName string, payload map[string]any) {
	pub := r.team.c.publisher
	if pub == nil {
		return
	}
	ev := &TeamEvent{
		ID:        uuid.New().String(),
		RunID:     r.shared.teamID,
		Team:      r.team.cfg.Name,
		Type:      typ,
		Agent:     agentName,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := pub.Publish(pctx, ev); err != nil {
		r.logger.Warn("publish team event failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// MessageBus carries team events over Redis Streams, one stream per team.
type MessageBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

const streamPrefix = "crew:team:"

// NewMessageBus connects to Redis and verifies the connection.
func NewMessageBus(ctx context.Context, redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewMessageBusFromClient(rdb, logger), nil
}

// NewMessageBusFromClient wraps an existing client.
func NewMessageBusFromClient(rdb *redis.Client, logger *zap.Logger) *MessageBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageBus{rdb: rdb, maxLen: 10000, logger: logger}
}

// Publish appends ev to its team's stream, trimming it to roughly maxLen entries.
func (mb *MessageBus) Publish(ctx context.Context, ev *TeamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := streamPrefix + ev.Team
	err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: mb.maxLen,
		Approx: true,
		Values: map[string]any{"type": string(ev.Type), "data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	mb.logger.Debug("published team event",
		zap.String("team", ev.Team),
		zap.String("type", string(ev.Type)))
	return nil
}

// Subscribe streams events of a team published after the call. Cancel ctx
// to stop; the channel is closed then.
func (mb *MessageBus) Subscribe(ctx context.Context, team string) <-chan *TeamEvent {
	return mb.subscribeFrom(ctx, team, "$")
}

func (mb *MessageBus) subscribeFrom(ctx context.Context, team, lastID string) <-chan *TeamEvent {
	ch := make(chan *TeamEvent, 16)
	stream := streamPrefix + team

	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			streams, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				mb.logger.Warn("read team events", zap.String("stream", stream), zap.Error(err))
				time.Sleep(200 * time.Millisecond)
				continue
			}
			for _, s := range streams {
				for _, msg := range s.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev TeamEvent
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

// History returns up to count of the most recent events of a team, oldest first.
func (mb *MessageBus) History(ctx context.Context, team string, count int64) ([]*TeamEvent, error) {
	msgs, err := mb.rdb.XRevRangeN(ctx, streamPrefix+team, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]*TeamEvent, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var ev TeamEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			out = append(out, &ev)
		}
	}
	return out, nil
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
