package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zfogg/sidechain/realtime/internal/broker"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"go.uber.org/zap"
)

// Gateway holds the single broker subscription per channel for this process
// and forwards every event to the hub.
type Gateway struct {
	broker broker.Broker
	hub    *Hub
	filter Filter

	mu     sync.Mutex
	tokens []broker.Token
}

// Option configures a Gateway
type Option func(*Gateway)

// WithFilter replaces the default Broadcast filter
func WithFilter(f Filter) Option {
	return func(g *Gateway) {
		if f != nil {
			g.filter = f
		}
	}
}

// New creates a gateway. Call Start to subscribe.
func New(b broker.Broker, hub *Hub, opts ...Option) *Gateway {
	g := &Gateway{
		broker: b,
		hub:    hub,
		filter: Broadcast{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start subscribes once to every registry channel. Calling it again is a no-op.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.tokens) > 0 {
		return nil
	}

	for _, channel := range events.Channels() {
		token, err := g.broker.Subscribe(channel, g.handle)
		if err != nil {
			for _, t := range g.tokens {
				g.broker.Unsubscribe(t)
			}
			g.tokens = nil
			return fmt.Errorf("subscribe to %s: %w", channel, err)
		}
		g.tokens = append(g.tokens, token)
	}

	logger.Log.Info("Gateway subscribed",
		logger.WithInstanceID(g.hub.InstanceID()),
		zap.Int("channels", len(g.tokens)),
	)
	return nil
}

// Stop drops the broker subscriptions. Sessions stay attached.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.tokens {
		g.broker.Unsubscribe(t)
	}
	g.tokens = nil
}

// handle runs on the broker's delivery goroutine and must not block
func (g *Gateway) handle(event *events.DomainEvent) {
	g.hub.stats.EventsReceived.Add(1)
	metrics.Get().EventsReceived.WithLabelValues(string(event.Channel)).Inc()

	data, err := json.Marshal(NewEventMessage(event))
	if err != nil {
		logger.Log.Warn("Failed to encode event for sessions",
			logger.WithChannel(string(event.Channel)),
			logger.WithEntityID(event.EntityID),
			zap.Error(err),
		)
		return
	}

	n := g.hub.Deliver(data, g.filter.Scope(event))
	logger.Log.Debug("Fanned out event",
		logger.WithChannel(string(event.Channel)),
		logger.WithEventType(string(event.Type)),
		logger.WithEntityID(event.EntityID),
		zap.Int("sessions", n),
	)
}
