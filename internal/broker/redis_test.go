package broker

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/pkg/events"
)

// newTestRedis connects to REDIS_TEST_ADDR (host:port) or skips.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis broker tests: REDIS_TEST_ADDR not set")
	}
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	r, err := NewRedis(context.Background(), RedisConfig{
		Host:              host,
		Port:              port,
		Password:          os.Getenv("REDIS_TEST_PASSWORD"),
		ReconnectMaxDelay: 500 * time.Millisecond,
	})
	if err != nil {
		t.Skipf("Skipping Redis broker tests: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handle(e *events.DomainEvent) {
	c.mu.Lock()
	c.ids = append(c.ids, e.EntityID)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestRedisFanOutAcrossInstances(t *testing.T) {
	a := newTestRedis(t)
	b := newTestRedis(t)

	var got collector
	_, err := b.Subscribe(events.ChannelPosts, got.handle)
	require.NoError(t, err)

	id := "p_" + uuid.NewString()
	require.Eventually(t, func() bool {
		a.Publish(context.Background(), postEvent(t, id))
		return len(got.snapshot()) > 0
	}, 3*time.Second, 100*time.Millisecond)
	assert.Equal(t, id, got.snapshot()[0])
}

func TestRedisResubscribesAfterConnectionKill(t *testing.T) {
	r := newTestRedis(t)

	var got collector
	_, err := r.Subscribe(events.ChannelGroups, got.handle)
	require.NoError(t, err)

	// drop every subscribe-mode connection on the server
	require.NoError(t, r.cache.Do(context.Background(), "CLIENT", "KILL", "TYPE", "pubsub").Err())

	id := "g_" + uuid.NewString()
	ev, err := events.New(events.ChannelGroups, events.TypeUpdated, id,
		events.Group{ID: id, Name: "n", Visibility: events.VisibilityPublic, CreatorID: "u_1"}, "test", time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r.Publish(context.Background(), ev)
		for _, got := range got.snapshot() {
			if got == id {
				return true
			}
		}
		return false
	}, 5*time.Second, 200*time.Millisecond)
}

func TestRedisCounters(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:unread_count:" + uuid.NewString()
	t.Cleanup(func() { r.cache.Del(context.Background(), key) })

	v, err := r.GetCounter(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = r.AddCounter(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = r.AddCounter(ctx, key, -10)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, r.SetCounter(ctx, key, 4))
	v, err = r.GetCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}

func TestRedisCloseIsIdempotent(t *testing.T) {
	r := newTestRedis(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Subscribe(events.ChannelPosts, func(*events.DomainEvent) {})
	assert.ErrorIs(t, err, ErrClosed)
}
