// Package gateway is the per-instance realtime gateway: it subscribes to every
// event channel once and fans each event out to the WebSocket sessions attached
// to this process.
// Uses github.com/coder/websocket for the server side of the transport.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"go.uber.org/zap"
)

// ErrHubClosed is returned when registering a session after Shutdown
var ErrHubClosed = errors.New("gateway: hub closed")

// Hub maintains the set of active sessions and fans messages out to them.
// Fan-out never blocks: a session whose send buffer is full is dropped.
type Hub struct {
	instanceID string

	// Sessions by user ID for targeted messaging
	sessions map[string]map[*Session]struct{}

	// All sessions for broadcasting
	allSessions map[*Session]struct{}

	mu     sync.RWMutex
	closed bool

	stats *Stats

	// Running session pumps, waited on by Shutdown
	wg sync.WaitGroup

	rateLimitConfig RateLimitConfig
}

// Stats tracks gateway statistics
type Stats struct {
	TotalSessions   atomic.Int64
	ActiveSessions  atomic.Int64
	EventsReceived  atomic.Int64
	MessagesSent    atomic.Int64
	MessagesDropped atomic.Int64
	Errors          atomic.Int64
}

// RateLimitConfig bounds inbound messages per session
type RateLimitConfig struct {
	// MessagesPerSecond is the sustained inbound rate
	MessagesPerSecond float64
	// Burst allows short bursts above the rate
	Burst int
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessagesPerSecond: 10,
		Burst:             20,
	}
}

// Audience decides whether the session of userID should receive a message.
// A nil Audience means every session.
type Audience func(userID string) bool

// NewHub creates a hub for this instance
func NewHub(instanceID string) *Hub {
	return &Hub{
		instanceID:      instanceID,
		sessions:        make(map[string]map[*Session]struct{}),
		allSessions:     make(map[*Session]struct{}),
		stats:           &Stats{},
		rateLimitConfig: DefaultRateLimitConfig(),
	}
}

// InstanceID returns the instance this hub runs in
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Register attaches a session. Sessions registered before an event is fanned
// out receive it; there is no replay for sessions registered later.
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	if h.sessions[s.UserID] == nil {
		h.sessions[s.UserID] = make(map[*Session]struct{})
	}
	h.sessions[s.UserID][s] = struct{}{}
	h.allSessions[s] = struct{}{}

	h.stats.TotalSessions.Add(1)
	h.stats.ActiveSessions.Add(1)
	metrics.Get().SessionsTotal.Inc()
	metrics.Get().SessionsActive.Inc()

	logger.Log.Info("Session attached",
		logger.WithUserID(s.UserID),
		zap.String("session_id", s.ID),
		zap.Int64("active", h.stats.ActiveSessions.Load()),
	)
	return nil
}

// trackPumps accounts for a session's two pumps so Shutdown waits for them.
// It fails once the hub is closed.
func (h *Hub) trackPumps() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(2)
	return true
}

// Unregister detaches a session and closes its send queue. Safe to call twice.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	if _, ok := h.allSessions[s]; !ok {
		return
	}
	delete(h.allSessions, s)

	if sessions, ok := h.sessions[s.UserID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.sessions, s.UserID)
		}
	}

	close(s.send)

	h.stats.ActiveSessions.Add(-1)
	metrics.Get().SessionsActive.Dec()

	logger.Log.Info("Session detached",
		logger.WithUserID(s.UserID),
		zap.String("session_id", s.ID),
		zap.Int64("active", h.stats.ActiveSessions.Load()),
	)
}

// Deliver queues data on every session in audience and returns how many
// sessions it was queued for. It never blocks.
func (h *Hub) Deliver(data []byte, audience Audience) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.allSessions {
		if audience != nil && !audience(s.UserID) {
			continue
		}
		if h.offer(s, data) {
			delivered++
		}
	}
	return delivered
}

// SendToUser queues a message on every session of one user
func (h *Hub) SendToUser(userID string, message *Message) int {
	data, err := json.Marshal(message)
	if err != nil {
		logger.ErrorWithFields("Failed to encode message", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.sessions[userID] {
		if h.offer(s, data) {
			delivered++
		}
	}
	return delivered
}

// Broadcast queues a message on every session
func (h *Hub) Broadcast(message *Message) int {
	data, err := json.Marshal(message)
	if err != nil {
		logger.ErrorWithFields("Failed to encode message", err)
		return 0
	}
	return h.Deliver(data, nil)
}

// offer must be called with h.mu held for reading
func (h *Hub) offer(s *Session, data []byte) bool {
	select {
	case s.send <- data:
		h.stats.MessagesSent.Add(1)
		metrics.Get().FanoutMessages.Inc()
		return true
	default:
		// buffer full: the session is too slow to keep, drop it
		h.stats.MessagesDropped.Add(1)
		metrics.Get().FanoutDropped.Inc()
		logger.Log.Warn("Session send buffer full, dropping session",
			logger.WithUserID(s.UserID),
			zap.String("session_id", s.ID),
		)
		go func(s *Session) {
			h.Unregister(s)
			s.Close()
		}(s)
		return false
	}
}

// IsUserOnline checks if a user has any sessions on this instance
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// SessionCount returns the number of attached sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allSessions)
}

// GetStats returns current gateway statistics
func (h *Hub) GetStats() StatsSnapshot {
	return StatsSnapshot{
		InstanceID:      h.instanceID,
		TotalSessions:   h.stats.TotalSessions.Load(),
		ActiveSessions:  h.stats.ActiveSessions.Load(),
		EventsReceived:  h.stats.EventsReceived.Load(),
		MessagesSent:    h.stats.MessagesSent.Load(),
		MessagesDropped: h.stats.MessagesDropped.Load(),
		Errors:          h.stats.Errors.Load(),
	}
}

// StatsSnapshot is a point-in-time snapshot of gateway statistics
type StatsSnapshot struct {
	InstanceID      string `json:"instance_id"`
	TotalSessions   int64  `json:"total_sessions"`
	ActiveSessions  int64  `json:"active_sessions"`
	EventsReceived  int64  `json:"events_received"`
	MessagesSent    int64  `json:"messages_sent"`
	MessagesDropped int64  `json:"messages_dropped"`
	Errors          int64  `json:"errors"`
}

// String implements Stringer for StatsSnapshot
func (s StatsSnapshot) String() string {
	return fmt.Sprintf(
		"sessions=%d/%d events=%d messages=tx:%d dropped:%d errors=%d",
		s.ActiveSessions, s.TotalSessions,
		s.EventsReceived, s.MessagesSent, s.MessagesDropped, s.Errors,
	)
}

// SetRateLimitConfig updates the inbound rate limit for new sessions
func (h *Hub) SetRateLimitConfig(config RateLimitConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rateLimitConfig = config
}

// GetRateLimitConfig returns the current rate limit configuration
func (h *Hub) GetRateLimitConfig() RateLimitConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rateLimitConfig
}

// Shutdown sends server_shutdown to every session, closes their queues and
// waits for their pumps to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	data, _ := json.Marshal(NewMessage(MessageTypeSystem, SystemPayload{Event: SystemEventShutdown}))
	count := len(h.allSessions)
	for s := range h.allSessions {
		select {
		case s.send <- data:
		default:
		}
		h.removeLocked(s)
	}
	h.mu.Unlock()

	logger.Log.Info("Gateway hub closing sessions", zap.Int("sessions", count))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info("Gateway hub shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}
