// Package broker wraps the pub/sub transport that carries domain events between
// server instances, plus the key/value store used for counters.
//
// Delivery is best-effort: events published while a subscriber is disconnected
// are lost. Subscriptions are re-established after a reconnect, but nothing is
// replayed. Clients recover entity state from their initial REST fetch and
// counters from the re-sync they perform on transport reconnect.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zfogg/sidechain/realtime/pkg/events"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// ErrUnavailable is returned while the transport is disconnected.
var ErrUnavailable = errors.New("broker unavailable")

// DefaultReconnectMaxDelay caps the reconnect backoff.
const DefaultReconnectMaxDelay = 2 * time.Second

const reconnectInitialDelay = 100 * time.Millisecond

// Handler receives events for a subscribed channel. It runs on the broker's
// receive goroutine and must not block.
type Handler func(event *events.DomainEvent)

// Token identifies one subscription.
type Token uint64

// Broker is the pub/sub and counter store contract. Publish is fire-and-forget:
// failures are logged and counted, never returned.
type Broker interface {
	Publish(ctx context.Context, event *events.DomainEvent)
	Subscribe(channel events.Channel, handler Handler) (Token, error)
	Unsubscribe(token Token)

	GetCounter(ctx context.Context, key string) (int64, error)
	SetCounter(ctx context.Context, key string, value int64) error
	// AddCounter adds delta and returns the new value, never going below zero.
	AddCounter(ctx context.Context, key string, delta int64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// newReconnectBackoff returns an exponential schedule starting at 100ms.
func newReconnectBackoff(maxDelay time.Duration) *backoff.ExponentialBackOff {
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMaxDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = maxDelay
	b.Reset()
	return b
}

// nextDelay returns the next backoff delay, never above maxDelay.
func nextDelay(b *backoff.ExponentialBackOff, maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMaxDelay
	}
	d := b.NextBackOff()
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}
