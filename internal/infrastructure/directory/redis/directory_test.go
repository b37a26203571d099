package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/pkg/auth"
	"stagewire/pkg/circuitbreaker"
	"stagewire/pkg/retry"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 5 * time.Second

var tokens = auth.NewTokenService("directory-secret", "stagewire", time.Hour)

// testClient connects to the Redis named by REDIS_ADDRESS.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	client, err := NewClient(context.Background(), ClientOptions{Address: addr, PoolSize: 4}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func connect(t *testing.T, client *redis.Client, id string) *Directory {
	t.Helper()
	token, err := tokens.Issue(id, "name-"+id)
	require.NoError(t, err)

	d := NewDirectory(client, Options{
		EntryTTL:          2 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
		Breaker:           circuitbreaker.DefaultConfig(),
		Retry:             retry.Config{Enabled: true, MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2},
	}, tokens, token, zaptest.NewLogger(t).Sugar())
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { d.Close() })
	return d
}

func next(t *testing.T, events <-chan domain.DirectoryEvent) domain.DirectoryEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(waitFor):
		require.FailNow(t, "no directory event")
		return domain.DirectoryEvent{}
	}
}

func TestDirectory_RequiresConnect(t *testing.T) {
	d := NewDirectory(nil, Options{}, tokens, "garbage", zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	_, err := d.CreateStage(ctx, "rehearsal")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Error(t, d.Connect(ctx), "token is rejected before Redis is touched")
	assert.NoError(t, d.Close())
}

func TestDirectory_Integration(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := connect(t, client, "a")
	b := connect(t, client, "b")

	stageID, err := a.CreateStage(ctx, "rehearsal")
	require.NoError(t, err)
	require.NoError(t, a.JoinStage(ctx, stageID))
	pid, err := a.PublishProducer(ctx, domain.ProducerDescriptor{Kind: domain.KindAudio, RouterID: "r1", RouterProducerID: "rp1"})
	require.NoError(t, err)

	require.NoError(t, b.JoinStage(ctx, stageID))
	events, err := b.Subscribe(ctx)
	require.NoError(t, err)

	seen := map[string]domain.DirectoryEventKind{}
	for len(seen) < 3 {
		ev := next(t, events)
		seen[ev.Key] = ev.Kind
	}
	assert.Equal(t, domain.MemberAdded, seen["a"])
	assert.Equal(t, domain.MemberAdded, seen["b"])
	assert.Equal(t, domain.ProducerAdded, seen[string(pid)])

	require.NoError(t, a.SetVolume(ctx, "b", 0.5))
	require.NoError(t, b.SetVolume(ctx, "a", 0.25))
	ev := next(t, events)
	assert.Equal(t, domain.VolumeAdded, ev.Kind, "only b's own volume reaches b")
	assert.Equal(t, volumeID("b", "a"), ev.Key)

	require.NoError(t, a.LeaveStage(ctx))
	assert.Equal(t, domain.ProducerRemoved, next(t, events).Kind)
	assert.Equal(t, domain.MemberRemoved, next(t, events).Kind)

	_, err = a.CreateStage(ctx, "")
	assert.Error(t, err)
	assert.Error(t, a.JoinStage(ctx, "no-such-stage"))
}
