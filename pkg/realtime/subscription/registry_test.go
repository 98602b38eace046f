package subscription

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/pkg/events"
)

func deletedPost(t *testing.T, id string) *events.DomainEvent {
	t.Helper()
	ev, err := events.New(events.ChannelPosts, events.TypeDeleted, id, events.Deleted{ID: id}, "instance-a", time.Now())
	require.NoError(t, err)
	return ev
}

func TestSubscribeValidation(t *testing.T) {
	r := NewRegistry()

	_, err := r.Subscribe(events.ChannelPosts, "feed", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = r.Subscribe(events.ChannelPosts, "", func(*events.DomainEvent) {})
	assert.ErrorIs(t, err, ErrEmptyConsumer)

	_, err = r.Subscribe("chat", "feed", func(*events.DomainEvent) {})
	assert.ErrorIs(t, err, events.ErrUnknownChannel)
}

func TestResubscribeReplacesHandle(t *testing.T) {
	r := NewRegistry()
	var first, second atomic.Int32

	h1, err := r.Subscribe(events.ChannelPosts, "feed", func(*events.DomainEvent) { first.Add(1) })
	require.NoError(t, err)
	h2, err := r.Subscribe(events.ChannelPosts, "feed", func(*events.DomainEvent) { second.Add(1) })
	require.NoError(t, err)

	assert.False(t, h1.Active())
	assert.True(t, h2.Active())
	assert.Equal(t, 1, r.Count(events.ChannelPosts))

	assert.Equal(t, 1, r.Dispatch(deletedPost(t, "p_1")))
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())

	// a stale handle must not remove its replacement
	h1.Unsubscribe()
	assert.Equal(t, 1, r.Count(events.ChannelPosts))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	h, err := r.Subscribe(events.ChannelPosts, "feed", func(*events.DomainEvent) { calls.Add(1) })
	require.NoError(t, err)

	h.Unsubscribe()
	h.Unsubscribe()
	r.Unsubscribe(nil)

	assert.Equal(t, 0, r.Dispatch(deletedPost(t, "p_1")))
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, r.Count(events.ChannelPosts))
}

func TestMountUnmountChurn(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	handler := func(*events.DomainEvent) { calls.Add(1) }

	for i := 0; i < 10; i++ {
		h, err := r.Subscribe(events.ChannelPosts, "feed", handler)
		require.NoError(t, err)
		if i%2 == 0 {
			h.Unsubscribe()
		}
	}
	_, err := r.Subscribe(events.ChannelPosts, "feed", handler)
	require.NoError(t, err)

	r.Dispatch(deletedPost(t, "p_1"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatchRoutesByChannelInOrder(t *testing.T) {
	r := NewRegistry()
	var order []string

	_, err := r.Subscribe(events.ChannelPosts, "a", func(*events.DomainEvent) { order = append(order, "a") })
	require.NoError(t, err)
	_, err = r.Subscribe(events.ChannelGroups, "groups", func(*events.DomainEvent) { order = append(order, "groups") })
	require.NoError(t, err)
	_, err = r.Subscribe(events.ChannelPosts, "b", func(*events.DomainEvent) { order = append(order, "b") })
	require.NoError(t, err)

	assert.Equal(t, 2, r.Dispatch(deletedPost(t, "p_1")))
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 0, r.Dispatch(nil))
}

func TestUnsubscribeFromInsideHandler(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	var h *Handle
	h, err := r.Subscribe(events.ChannelPosts, "once", func(*events.DomainEvent) {
		calls.Add(1)
		h.Unsubscribe()
	})
	require.NoError(t, err)

	r.Dispatch(deletedPost(t, "p_1"))
	r.Dispatch(deletedPost(t, "p_2"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	_, err := r.Subscribe(events.ChannelPosts, "bad", func(*events.DomainEvent) { panic("boom") })
	require.NoError(t, err)
	_, err = r.Subscribe(events.ChannelPosts, "good", func(*events.DomainEvent) { calls.Add(1) })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.Equal(t, 1, r.Dispatch(deletedPost(t, "p_1")))
	})
	assert.Equal(t, int32(1), calls.Load())
}
