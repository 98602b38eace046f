package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/pkg/events"
)

func postEvent(t *testing.T, id string) *events.DomainEvent {
	t.Helper()
	ev, err := events.New(events.ChannelPosts, events.TypeCreated, id,
		events.Post{ID: id, AuthorID: "u_1", Content: "hello"}, "instance-test", time.Now())
	require.NoError(t, err)
	return ev
}

func TestMemoryDeliversToChannelSubscribersOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var posts, groups []*events.DomainEvent
	_, err := m.Subscribe(events.ChannelPosts, func(e *events.DomainEvent) { posts = append(posts, e) })
	require.NoError(t, err)
	_, err = m.Subscribe(events.ChannelGroups, func(e *events.DomainEvent) { groups = append(groups, e) })
	require.NoError(t, err)

	m.Publish(ctx, postEvent(t, "p_1"))

	require.Len(t, posts, 1)
	assert.Equal(t, "p_1", posts[0].EntityID)
	assert.Empty(t, groups)
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	count := 0
	tok, err := m.Subscribe(events.ChannelPosts, func(*events.DomainEvent) { count++ })
	require.NoError(t, err)
	assert.Equal(t, 1, m.SubscriberCount(events.ChannelPosts))

	m.Unsubscribe(tok)
	m.Unsubscribe(tok)
	m.Publish(context.Background(), postEvent(t, "p_1"))

	assert.Zero(t, count)
	assert.Zero(t, m.SubscriberCount(events.ChannelPosts))
}

func TestMemoryOutageDropsEvents(t *testing.T) {
	m := NewMemory()
	var got []string
	_, err := m.Subscribe(events.ChannelPosts, func(e *events.DomainEvent) { got = append(got, e.EntityID) })
	require.NoError(t, err)

	m.SetOnline(false)
	assert.ErrorIs(t, m.Ping(context.Background()), ErrUnavailable)
	m.Publish(context.Background(), postEvent(t, "during-outage"))

	m.SetOnline(true)
	m.Publish(context.Background(), postEvent(t, "after-reconnect"))

	assert.Equal(t, []string{"after-reconnect"}, got)
}

func TestMemoryRejectsUnknownChannel(t *testing.T) {
	m := NewMemory()
	_, err := m.Subscribe("likes", func(*events.DomainEvent) {})
	assert.ErrorIs(t, err, events.ErrUnknownChannel)
}

func TestMemoryCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v, err := m.GetCounter(ctx, "unread_count:u_1")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = m.AddCounter(ctx, "unread_count:u_1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = m.AddCounter(ctx, "unread_count:u_1", -5)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, m.SetCounter(ctx, "unread_count:u_1", 7))
	v, err = m.GetCounter(ctx, "unread_count:u_1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	_, err := m.Subscribe(events.ChannelPosts, func(*events.DomainEvent) {})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.GetCounter(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Ping(context.Background()), ErrClosed)
}

func TestReconnectBackoffIsCapped(t *testing.T) {
	maxDelay := 2 * time.Second
	b := newReconnectBackoff(maxDelay)

	first := nextDelay(b, maxDelay)
	assert.LessOrEqual(t, first, 200*time.Millisecond)

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = nextDelay(b, maxDelay)
		assert.LessOrEqual(t, last, maxDelay)
	}
	assert.Greater(t, last, time.Second)
}
