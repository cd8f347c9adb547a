//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startBus(t *testing.T) *MessageBus {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	bus, err := NewMessageBus(ctx, "redis://"+endpoint, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestMessageBusPublishSubscribe(t *testing.T) {
	bus := startBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := bus.Subscribe(ctx, "alpha")
	// XREAD with "$" only sees entries added after the read starts.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, &TeamEvent{ID: "e1", Team: "alpha", Type: EventTeamStarted, Timestamp: time.Now()}))
	require.NoError(t, bus.Publish(ctx, &TeamEvent{ID: "e2", Team: "beta", Type: EventTeamStarted, Timestamp: time.Now()}))

	select {
	case ev := <-events:
		assert.Equal(t, "e1", ev.ID)
		assert.Equal(t, EventTeamStarted, ev.Type)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestTeamRunPublishesToBus(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	c := NewCoordinator(WithPublisher(bus))
	team, err := c.Create(TeamConfig{
		Name:     "press",
		Members:  members(returns("a", "x"), returns("b", "y")),
		Strategy: Parallel,
	})
	require.NoError(t, err)

	res := team.Run(ctx, agent.NewTask("write"), "")
	require.True(t, res.Success)

	history, err := bus.History(ctx, "press", 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, EventTeamStarted, history[0].Type)
	assert.Equal(t, EventTeamCompleted, history[len(history)-1].Type)
	for _, ev := range history {
		assert.Equal(t, res.RunID, ev.RunID)
	}
}
