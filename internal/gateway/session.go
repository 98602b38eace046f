package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Send buffer size
	sendBufferSize = 256
)

// Session is one client transport attached to this instance
type Session struct {
	ID     string
	UserID string

	conn *websocket.Conn
	hub  *Hub

	// Buffered channel of outbound frames. Only the hub closes it.
	send chan []byte

	ConnectedAt time.Time
	RemoteAddr  string
	UserAgent   string

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewSession creates a session for an accepted connection. conn may be nil for
// sessions that are only fed through the hub.
func NewSession(hub *Hub, conn *websocket.Conn, userID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := hub.GetRateLimitConfig()

	return &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, sendBufferSize),
		ConnectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the write pump and blocks in the read pump until the session ends
func (s *Session) Run() {
	if !s.hub.trackPumps() {
		s.Close()
		return
	}
	go func() {
		defer s.hub.wg.Done()
		s.writePump()
	}()
	defer s.hub.wg.Done()
	s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)

	for {
		readCtx, readCancel := context.WithTimeout(s.ctx, pongWait)
		_, data, err := s.conn.Read(readCtx)
		readCancel()

		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Log.Debug("Session closed by peer", logger.WithUserID(s.UserID))
			} else if s.ctx.Err() == nil {
				logger.Log.Warn("Session read error", logger.WithUserID(s.UserID), zap.Error(err))
				s.hub.stats.Errors.Add(1)
			}
			return
		}

		if !s.limiter.Allow() {
			s.SendError("rate_limited", "Too many messages, please slow down")
			s.hub.stats.Errors.Add(1)
			continue
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			s.SendError("invalid_json", "Failed to parse message")
			continue
		}
		s.handleMessage(&message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case frame, ok := <-s.send:
			if !ok {
				// hub detached us; everything queued before has been written
				s.conn.Close(websocket.StatusNormalClosure, "closing")
				return
			}

			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := s.conn.Write(ctx, websocket.MessageText, frame)
			cancel()

			if err != nil {
				if s.ctx.Err() == nil {
					logger.Log.Warn("Session write error", logger.WithUserID(s.UserID), zap.Error(err))
					s.hub.stats.Errors.Add(1)
				}
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := s.conn.Ping(ctx)
			cancel()

			if err != nil {
				logger.Log.Warn("Ping failed for session", logger.WithUserID(s.UserID), zap.Error(err))
				return
			}
		}
	}
}

// handleMessage answers the few inbound frames the gateway understands. The
// gateway is push-only; everything else is an error.
func (s *Session) handleMessage(message *Message) {
	switch message.Type {
	case MessageTypePing, "heartbeat":
		var ping PingPayload
		if err := message.ParsePayload(&ping); err != nil {
			ping.ClientTime = 0
		}
		serverTime := time.Now().UnixMilli()
		pong := NewMessage(MessageTypePong, PongPayload{
			ClientTime: ping.ClientTime,
			ServerTime: serverTime,
			Latency:    serverTime - ping.ClientTime,
		})
		pong.ReplyTo = message.ID
		_ = s.Send(pong)
	default:
		s.SendError("unknown_type", fmt.Sprintf("Unknown message type: %s", message.Type))
	}
}

// Send queues a message for this session without blocking
func (s *Session) Send(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if _, ok := s.hub.allSessions[s]; !ok {
		return fmt.Errorf("session not attached")
	}

	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// SendError sends an error message to the session
func (s *Session) SendError(code, message string) {
	_ = s.Send(NewErrorMessage(code, message))
}

// Close cancels the session and closes its connection
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cancel()

	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// IsClosed returns whether the session is closed
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
