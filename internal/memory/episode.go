package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// ErrNotFound is returned when an episode id is unknown.
var ErrNotFound = errors.New("episode not found")

// Episode is the full record of one agent invocation.
type Episode struct {
	ID        string                `json:"id"`
	Agent     string                `json:"agent"`
	Records   []agent.EpisodeRecord `json:"records"`
	StartedAt time.Time             `json:"started_at"`
	ClosedAt  *time.Time            `json:"closed_at,omitempty"`
}

// Reader looks up recorded episodes.
type Reader interface {
	Episode(ctx context.Context, id string) (*Episode, error)
}

// Log keeps episodes in process. Once more than limit episodes are held,
// the oldest closed ones are evicted.
type Log struct {
	mu       sync.RWMutex
	episodes map[string]*Episode
	order    []string
	limit    int
}

// NewLog creates an in-process episode log; limit <= 0 keeps 1000 episodes.
func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 1000
	}
	return &Log{episodes: make(map[string]*Episode), limit: limit}
}

// AppendEpisode implements agent.Memory.
func (l *Log) AppendEpisode(_ context.Context, id string, rec agent.EpisodeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep, ok := l.episodes[id]
	if !ok {
		ep = &Episode{ID: id, Agent: rec.Agent, StartedAt: rec.Timestamp}
		l.episodes[id] = ep
		l.order = append(l.order, id)
		l.evict()
	}
	ep.Records = append(ep.Records, rec)
	return nil
}

// CloseEpisode implements agent.Memory.
func (l *Log) CloseEpisode(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep, ok := l.episodes[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	ep.ClosedAt = &now
	return nil
}

// Episode returns a copy of an episode.
func (l *Log) Episode(_ context.Context, id string) (*Episode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ep, ok := l.episodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ep
	cp.Records = append([]agent.EpisodeRecord(nil), ep.Records...)
	return &cp, nil
}

// Len returns the number of held episodes.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.episodes)
}

func (l *Log) evict() {
	for i := 0; len(l.episodes) > l.limit && i < len(l.order); {
		id := l.order[i]
		if ep := l.episodes[id]; ep != nil && ep.ClosedAt == nil {
			i++
			continue
		}
		delete(l.episodes, id)
		l.order = append(l.order[:i], l.order[i+1:]...)
	}
}

// Fanout writes every record to several memories. All sinks are tried;
// their errors are joined.
type Fanout []agent.Memory

// AppendEpisode implements agent.Memory.
func (f Fanout) AppendEpisode(ctx context.Context, id string, rec agent.EpisodeRecord) error {
	var errs []error
	for _, m := range f {
		if err := m.AppendEpisode(ctx, id, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseEpisode implements agent.Memory.
func (f Fanout) CloseEpisode(ctx context.Context, id string) error {
	var errs []error
	for _, m := range f {
		if err := m.CloseEpisode(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
