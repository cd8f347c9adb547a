//go:build integration

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func TestGraphStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)

	g, err := NewGraphStore(uri, "", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(ctx) })
	require.NoError(t, g.Ping(ctx))
	require.NoError(t, g.EnsureSchema(ctx))

	now := time.Now()
	require.NoError(t, g.AppendEpisode(ctx, "ep-1", agent.EpisodeRecord{
		Type: agent.RecordTaskStart, Agent: "writer", Content: "write", Timestamp: now,
	}))
	require.NoError(t, g.AppendEpisode(ctx, "ep-1", agent.EpisodeRecord{
		Type: agent.RecordToolCall, Agent: "writer", Step: 1, Tool: "echo", Content: "ok",
		Detail: map[string]any{"attempts": 1}, Timestamp: now,
	}))
	require.NoError(t, g.CloseEpisode(ctx, "ep-1"))

	ep, err := g.Episode(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "writer", ep.Agent)
	require.Len(t, ep.Records, 2)
	assert.Equal(t, agent.RecordTaskStart, ep.Records[0].Type)
	assert.Equal(t, "echo", ep.Records[1].Tool)
	assert.Equal(t, 1, ep.Records[1].Step)
	assert.EqualValues(t, 1, ep.Records[1].Detail["attempts"])
	assert.NotNil(t, ep.ClosedAt)

	_, err = g.Episode(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, g.CloseEpisode(ctx, "missing"), ErrNotFound)
}
