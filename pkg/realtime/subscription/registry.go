// Package subscription keeps the client-side table of event handlers. Each
// (channel, consumer) pair has at most one active handler, so a component
// that mounts twice never sees the same event twice.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/logger"
)

var (
	ErrNilHandler    = errors.New("nil subscription handler")
	ErrEmptyConsumer = errors.New("empty subscription consumer")
)

// Handler receives events for one channel. It runs on the dispatching goroutine.
type Handler func(*events.DomainEvent)

type key struct {
	channel  events.Channel
	consumer string
}

// Handle is an active registration returned by Subscribe.
type Handle struct {
	id       uint64
	channel  events.Channel
	consumer string
	handler  Handler
	registry *Registry
	active   atomic.Bool
}

// Channel returns the subscribed channel.
func (h *Handle) Channel() events.Channel { return h.channel }

// Consumer returns the consumer name the handle was registered under.
func (h *Handle) Consumer() string { return h.consumer }

// Active reports whether the handle still receives events.
func (h *Handle) Active() bool { return h.active.Load() }

// Unsubscribe removes the handle. Safe to call more than once.
func (h *Handle) Unsubscribe() {
	h.registry.Unsubscribe(h)
}

// Registry routes events to subscribed handlers.
type Registry struct {
	mu      sync.RWMutex
	handles map[key]*Handle
	next    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[key]*Handle)}
}

// Subscribe registers handler for channel under consumer. An existing handle
// for the same (channel, consumer) is deactivated and replaced.
func (r *Registry) Subscribe(channel events.Channel, consumer string, handler Handler) (*Handle, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if consumer == "" {
		return nil, ErrEmptyConsumer
	}
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", events.ErrUnknownChannel, channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{channel: channel, consumer: consumer}
	if old, ok := r.handles[k]; ok {
		old.active.Store(false)
		logger.Debug("Replacing subscription", "channel", channel, "consumer", consumer)
	}

	r.next++
	h := &Handle{
		id:       r.next,
		channel:  channel,
		consumer: consumer,
		handler:  handler,
		registry: r,
	}
	h.active.Store(true)
	r.handles[k] = h
	return h, nil
}

// Unsubscribe deactivates h. Once it returns, Dispatch no longer starts h's
// handler. A nil or already removed handle is ignored.
func (r *Registry) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h.active.Store(false)
	k := key{channel: h.channel, consumer: h.consumer}
	if cur, ok := r.handles[k]; ok && cur == h {
		delete(r.handles, k)
	}
}

// Dispatch delivers ev to every active handle on its channel, in subscription
// order, and returns how many handlers ran. A panicking handler is logged and
// skipped.
func (r *Registry) Dispatch(ev *events.DomainEvent) int {
	if ev == nil {
		return 0
	}

	r.mu.RLock()
	targets := make([]*Handle, 0, len(r.handles))
	for k, h := range r.handles {
		if k.channel == ev.Channel {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	delivered := 0
	for _, h := range targets {
		if !h.active.Load() {
			continue
		}
		if invoke(h, ev) {
			delivered++
		}
	}
	return delivered
}

func invoke(h *Handle, ev *events.DomainEvent) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Subscription handler panicked",
				"channel", h.channel,
				"consumer", h.consumer,
				"type", ev.Type,
				"panic", rec,
			)
			ok = false
		}
	}()
	h.handler(ev)
	return true
}

// Count returns the number of active handles on channel.
func (r *Registry) Count(channel events.Channel) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.handles {
		if k.channel == channel {
			n++
		}
	}
	return n
}
