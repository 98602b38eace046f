// Package hooks binds the subscription registry, the baseline REST fetch and
// the reconciliation reducer into one object per entity type. A hook pushes
// every new state to a setter supplied by the UI and never renders anything.
//
// Setters run while the hook's lock is held; they must not call back into the
// hook. Once Unmount returns no setter is invoked again.
package hooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/logger"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/reconcile"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/subscription"
)

var (
	ErrNotMounted = errors.New("hook is not mounted")
	ErrNilSetter  = errors.New("nil setter")
)

// ReconnectNotifier reports transport reconnects. transport.Client implements it.
type ReconnectNotifier interface {
	OnReconnect(fn func()) (remove func())
}

type options struct {
	consumer  string
	limit     int
	now       func() time.Time
	reconnect ReconnectNotifier
	timeout   time.Duration
}

// Option configures a hook.
type Option func(*options)

// WithConsumer sets the name the hook subscribes under. Hooks sharing a
// registry need distinct names.
func WithConsumer(name string) Option {
	return func(o *options) { o.consumer = name }
}

// WithLimit caps the posts baseline fetch.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithClock overrides the clock used for temp ids.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithReconnect makes the unread hook re-fetch after each transport reconnect.
func WithReconnect(n ReconnectNotifier) Option {
	return func(o *options) { o.reconnect = n }
}

// WithFetchTimeout bounds re-sync fetches made outside Mount.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func buildOptions(consumer string, opts []Option) options {
	o := options{consumer: consumer, limit: 50, now: time.Now, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type applyFunc[T any] func(reconcile.State[T], *events.DomainEvent) (reconcile.State[T], error)

type queued[T any] struct {
	apply applyFunc[T]
	ev    *events.DomainEvent
}

// collection is the shared mount/unmount machinery of the posts and groups hooks.
type collection[T any] struct {
	consumer string
	reg      *subscription.Registry
	reducer  *reconcile.Reducer[T]
	load     func(context.Context) ([]T, error)
	set      func([]T)
	routes   map[events.Channel]applyFunc[T]

	mu      sync.Mutex
	mounted bool
	loading bool
	gen     uint64
	queue   []queued[T]
	state   reconcile.State[T]
	handles []*subscription.Handle
}

// Mount subscribes, fetches the baseline once and publishes the first state.
// Events that arrive during the fetch are applied on top of the baseline.
// Mounting a mounted hook is a no-op.
func (c *collection[T]) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.mounted = true
	c.loading = true
	c.queue = nil
	c.state = c.reducer.Empty()

	for channel, apply := range c.routes {
		apply := apply
		h, err := c.reg.Subscribe(channel, c.consumer, func(ev *events.DomainEvent) {
			c.handle(apply, ev)
		})
		if err != nil {
			c.unmountLocked()
			c.mu.Unlock()
			return err
		}
		c.handles = append(c.handles, h)
	}
	c.mu.Unlock()

	baseline, err := c.load(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.mounted {
		return ErrNotMounted
	}
	if err != nil {
		c.unmountLocked()
		return err
	}

	c.state = c.reducer.Load(c.state, baseline)
	for _, q := range c.queue {
		c.applyLocked(q.apply, q.ev)
	}
	c.queue = nil
	c.loading = false
	c.set(c.state.Items())
	return nil
}

// Unmount deregisters every handler. It waits for an in-flight handler to
// finish; afterwards no setter runs.
func (c *collection[T]) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmountLocked()
}

func (c *collection[T]) unmountLocked() {
	for _, h := range c.handles {
		h.Unsubscribe()
	}
	c.handles = nil
	c.mounted = false
	c.loading = false
	c.queue = nil
	c.gen++
}

// Mounted reports whether the hook is mounted.
func (c *collection[T]) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// Snapshot returns the current items.
func (c *collection[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Items()
}

func (c *collection[T]) handle(apply applyFunc[T], ev *events.DomainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return
	}
	if c.loading {
		c.queue = append(c.queue, queued[T]{apply: apply, ev: ev})
		return
	}
	if c.applyLocked(apply, ev) {
		c.set(c.state.Items())
	}
}

// applyLocked runs one event through apply. Failures are logged and the
// state is left untouched.
func (c *collection[T]) applyLocked(apply applyFunc[T], ev *events.DomainEvent) bool {
	next, err := apply(c.state, ev)
	if err != nil {
		logger.Warn("Dropping realtime event",
			"consumer", c.consumer,
			"channel", ev.Channel,
			"type", ev.Type,
			"entity_id", ev.EntityID,
			"error", err,
		)
		return false
	}
	c.state = next
	return true
}

// mutate applies fn to the state of a mounted hook and publishes the result.
func (c *collection[T]) mutate(fn func(reconcile.State[T]) (reconcile.State[T], error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return ErrNotMounted
	}
	next, err := fn(c.state)
	if err != nil {
		return err
	}
	c.state = next
	if !c.loading {
		c.set(c.state.Items())
	}
	return nil
}
