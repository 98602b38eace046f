package broker

import (
	"context"
	"sync"

	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"go.uber.org/zap"
)

// Memory is an in-process broker for single-instance deployments and tests.
// Published events are encoded and decoded exactly as on the Redis wire and
// delivered synchronously on the publishing goroutine.
type Memory struct {
	mu       sync.RWMutex
	subs     map[events.Channel]map[Token]Handler
	channels map[Token]events.Channel
	counters map[string]int64
	next     Token
	offline  bool
	closed   bool
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[events.Channel]map[Token]Handler),
		channels: make(map[Token]events.Channel),
		counters: make(map[string]int64),
	}
}

// SetOnline simulates connection loss. While offline, published events are
// dropped; subscriptions survive and resume delivery once back online.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	m.offline = !online
	m.mu.Unlock()
}

func (m *Memory) Publish(ctx context.Context, event *events.DomainEvent) {
	data, err := event.Marshal()
	if err != nil {
		logger.Log.Warn("Failed to encode event", logger.WithChannel(string(event.Channel)), zap.Error(err))
		metrics.Get().PublishErrors.WithLabelValues(string(event.Channel)).Inc()
		return
	}

	m.mu.RLock()
	if m.closed || m.offline || ctx.Err() != nil {
		m.mu.RUnlock()
		logger.Log.Warn("Broker unavailable, event dropped",
			logger.WithChannel(string(event.Channel)),
			logger.WithEntityID(event.EntityID),
		)
		metrics.Get().PublishErrors.WithLabelValues(string(event.Channel)).Inc()
		return
	}
	handlers := make([]Handler, 0, len(m.subs[event.Channel]))
	for _, h := range m.subs[event.Channel] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		// each subscriber gets its own decoded copy, as separate connections would
		decoded, err := events.Unmarshal(data)
		if err != nil {
			metrics.Get().MalformedEvents.Inc()
			return
		}
		h(decoded)
	}
}

func (m *Memory) Subscribe(channel events.Channel, handler Handler) (Token, error) {
	if !channel.Valid() {
		return 0, events.ErrUnknownChannel
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.next++
	tok := m.next
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[Token]Handler)
	}
	m.subs[channel][tok] = handler
	m.channels[tok] = channel
	return tok, nil
}

func (m *Memory) Unsubscribe(token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[token]
	if !ok {
		return
	}
	delete(m.channels, token)
	delete(m.subs[channel], token)
	if len(m.subs[channel]) == 0 {
		delete(m.subs, channel)
	}
}

// SubscriberCount returns the number of active subscriptions on channel.
func (m *Memory) SubscriberCount(channel events.Channel) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) GetCounter(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.counters[key], nil
}

func (m *Memory) SetCounter(ctx context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if value < 0 {
		value = 0
	}
	m.counters[key] = value
	return nil
}

func (m *Memory) AddCounter(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	v := m.counters[key] + delta
	if v < 0 {
		v = 0
	}
	m.counters[key] = v
	return v, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.offline {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[events.Channel]map[Token]Handler)
	m.channels = make(map[Token]events.Channel)
	return nil
}
