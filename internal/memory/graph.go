package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"go.uber.org/zap"
)

// GraphStore keeps episodes in Neo4j as
// (:Agent)-[:RAN]->(:Episode)-[:RECORDED {seq}]->(:Record).
type GraphStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraphStore connects to Neo4j. Empty user means no authentication.
func NewGraphStore(uri, user, password string, logger *zap.Logger) (*GraphStore, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphStore{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *GraphStore) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (g *GraphStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraint on episode ids.
func (g *GraphStore) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	_, err := session.Run(ctx,
		`CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episode) REQUIRE e.id IS UNIQUE`, nil)
	return err
}

// AppendEpisode implements agent.Memory.
func (g *GraphStore) AppendEpisode(ctx context.Context, id string, rec agent.EpisodeRecord) error {
	detail, err := json.Marshal(rec.Detail)
	if err != nil {
		return fmt.Errorf("encode record detail: %w", err)
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.Run(ctx,
		`MERGE (a:Agent {name: $agent})
		 MERGE (e:Episode {id: $id})
		   ON CREATE SET e.agent = $agent, e.started_at = $ts, e.records = 0
		 MERGE (a)-[:RAN]->(e)
		 WITH e
		 SET e.records = e.records + 1
		 CREATE (e)-[:RECORDED {seq: e.records}]->(:Record {
			type: $type, step: $step, tool: $tool,
			content: $content, detail: $detail, timestamp: $ts
		 })`,
		map[string]any{
			"id":      id,
			"agent":   rec.Agent,
			"type":    string(rec.Type),
			"step":    rec.Step,
			"tool":    rec.Tool,
			"content": rec.Content,
			"detail":  string(detail),
			"ts":      rec.Timestamp,
		})
	if err != nil {
		return fmt.Errorf("append episode %s: %w", id, err)
	}
	return nil
}

// CloseEpisode implements agent.Memory.
func (g *GraphStore) CloseEpisode(ctx context.Context, id string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (e:Episode {id: $id}) SET e.closed_at = $now RETURN e.id`,
		map[string]any{"id": id, "now": time.Now()})
	if err != nil {
		return fmt.Errorf("close episode %s: %w", id, err)
	}
	if !result.Next(ctx) {
		return ErrNotFound
	}
	return nil
}

// Episode reads an episode and its records in order.
func (g *GraphStore) Episode(ctx context.Context, id string) (*Episode, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (e:Episode {id: $id})
		 OPTIONAL MATCH (e)-[rel:RECORDED]->(r:Record)
		 RETURN e.agent AS agent, e.started_at AS started, e.closed_at AS closed,
		        r.type AS type, r.step AS step, r.tool AS tool,
		        r.content AS content, r.detail AS detail, r.timestamp AS ts
		 ORDER BY rel.seq`,
		map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("read episode %s: %w", id, err)
	}

	var ep *Episode
	for result.Next(ctx) {
		rec := result.Record()
		if ep == nil {
			ep = &Episode{ID: id}
			ep.Agent, _ = get[string](rec, "agent")
			ep.StartedAt, _ = get[time.Time](rec, "started")
			if closed, ok := get[time.Time](rec, "closed"); ok {
				ep.ClosedAt = &closed
			}
		}
		typ, ok := get[string](rec, "type")
		if !ok {
			continue
		}
		er := agent.EpisodeRecord{Type: agent.RecordType(typ), Agent: ep.Agent}
		step, _ := get[int64](rec, "step")
		er.Step = int(step)
		er.Tool, _ = get[string](rec, "tool")
		er.Content, _ = get[string](rec, "content")
		er.Timestamp, _ = get[time.Time](rec, "ts")
		if detail, ok := get[string](rec, "detail"); ok && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &er.Detail); err != nil {
				g.logger.Warn("bad record detail", zap.String("episode", id), zap.Error(err))
			}
		}
		ep.Records = append(ep.Records, er)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read episode %s: %w", id, err)
	}
	if ep == nil {
		return nil, ErrNotFound
	}
	return ep, nil
}

func get[T any](rec *neo4j.Record, key string) (T, bool) {
	var zero T
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
