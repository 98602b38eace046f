// Package transport is the client side of the realtime gateway: a gorilla
// WebSocket connection that decodes gateway frames, hands domain events to a
// sink and reconnects with exponential backoff when the connection drops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/logger"
)

// Frame types sent by the gateway
const (
	FrameEvent  = "event"
	FrameSystem = "system"
	FrameError  = "error"
	FramePing   = "ping"
	FramePong   = "pong"
)

const (
	SystemConnected = "connected"
	SystemShutdown  = "server_shutdown"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrClosed         = errors.New("transport closed")
	ErrNoURL          = errors.New("gateway url is required")
	ErrGaveUp         = errors.New("max reconnect attempts reached")
	errAlreadyStarted = errors.New("already connected")
)

// Sink receives every decoded domain event. subscription.Registry implements it.
type Sink interface {
	Dispatch(*events.DomainEvent) int
}

// Frame is the gateway envelope. Payload stays raw until the type is known.
type Frame struct {
	Type      string              `json:"type"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	ID        string              `json:"id,omitempty"`
	ReplyTo   string              `json:"reply_to,omitempty"`
	Timestamp events.FlexibleTime `json:"timestamp"`
}

// SystemMessage is the payload of a system frame.
type SystemMessage struct {
	Event   string                 `json:"event"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Config holds transport configuration
type Config struct {
	URL                  string
	Token                string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // negative means unlimited
}

// DefaultConfig returns a development configuration
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8787/ws",
		ConnectTimeout:       15 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: -1,
	}
}

// ConnectionState represents the state of the WebSocket connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	EventsReceived int64
	FramesDropped  int64
	MessagesSent   int64
	ReconnectCount int
	LastError      string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	LastInstanceID string
}

// Client manages one logical gateway connection
type Client struct {
	config Config
	sink   Sink
	dialer *websocket.Dialer

	state atomic.Value // ConnectionState

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	started bool

	listenersMu sync.RWMutex
	nextID      int
	onReconnect map[int]func()
	onSystem    map[int]func(SystemMessage)

	statsLock sync.RWMutex
	stats     ConnectionStats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client that delivers events to sink.
func NewClient(config Config, sink Sink) *Client {
	def := DefaultConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if config.ReconnectMaxDelay < config.ReconnectBaseDelay {
		config.ReconnectMaxDelay = config.ReconnectBaseDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:      config,
		sink:        sink,
		dialer:      &websocket.Dialer{HandshakeTimeout: config.ConnectTimeout},
		onReconnect: make(map[int]func()),
		onSystem:    make(map[int]func(SystemMessage)),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.state.Store(StateDisconnected)
	return c
}

// OnReconnect registers fn to run after every successful reconnect (not the
// first connect). It returns a function that removes the callback.
func (c *Client) OnReconnect(fn func()) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextID++
	id := c.nextID
	c.onReconnect[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.onReconnect, id)
		c.listenersMu.Unlock()
	}
}

// OnSystem registers fn for system frames (welcome, server shutdown).
func (c *Client) OnSystem(fn func(SystemMessage)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextID++
	id := c.nextID
	c.onSystem[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.onSystem, id)
		c.listenersMu.Unlock()
	}
}

// Connect dials the gateway and starts the receive loop. The first dial is
// not retried; later drops are.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.URL == "" {
		return ErrNoURL
	}
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateError)
		c.recordError(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	c.setState(StateConnected)
	c.recordConnected()
	logger.Debug("Gateway connected", "url", c.config.URL)

	go c.run(conn)
	return nil
}

// Close stops the client and waits for the receive loop to exit.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	started := c.started
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if started {
		<-c.done
	}
	c.setState(StateDisconnected)
	logger.Debug("Gateway disconnected")
	return nil
}

// IsConnected returns true if the connection is established
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.state.Load().(ConnectionState)
}

// Ping sends an application-level ping; the gateway answers with a pong frame.
func (c *Client) Ping() error {
	return c.send(Frame{
		Type:      FramePing,
		Payload:   mustRaw(map[string]int64{"client_time": time.Now().UnixMilli()}),
		Timestamp: events.FlexibleTime{Time: time.Now().UTC()},
	})
}

// GetStats returns connection statistics
func (c *Client) GetStats() ConnectionStats {
	c.statsLock.RLock()
	defer c.statsLock.RUnlock()
	return c.stats
}

func (c *Client) send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	c.statsLock.Lock()
	c.stats.MessagesSent++
	c.statsLock.Unlock()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return conn, nil
}

// run owns the connection lifecycle: read until the socket fails, then
// reconnect until the client is closed or gives up.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		hbDone := make(chan struct{})
		go c.heartbeatLoop(hbDone)
		err := c.readLoop(conn)
		close(hbDone)

		if c.ctx.Err() != nil {
			return
		}

		c.recordError(err)
		c.recordDisconnected()
		logger.Warn("Gateway connection lost", "error", err)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		c.setState(StateReconnecting)
		next, err := c.reconnect()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.setState(StateError)
				logger.Error("Gateway reconnect abandoned", "error", err)
			}
			return
		}
		conn = next
		c.fireReconnect()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

// handleFrame decodes one gateway frame. Malformed frames are logged and
// dropped; they never stop the read loop.
func (c *Client) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.dropFrame("undecodable frame", err)
		return
	}

	switch f.Type {
	case FrameEvent:
		ev, err := events.Unmarshal(f.Payload)
		if err != nil {
			c.dropFrame("malformed event", err)
			return
		}
		c.statsLock.Lock()
		c.stats.EventsReceived++
		c.statsLock.Unlock()
		if c.sink != nil {
			c.sink.Dispatch(ev)
		}

	case FrameSystem:
		var msg SystemMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			c.dropFrame("malformed system frame", err)
			return
		}
		if id, ok := msg.Data["instance_id"].(string); ok {
			c.statsLock.Lock()
			c.stats.LastInstanceID = id
			c.statsLock.Unlock()
		}
		c.listenersMu.RLock()
		fns := make([]func(SystemMessage), 0, len(c.onSystem))
		for _, fn := range c.onSystem {
			fns = append(fns, fn)
		}
		c.listenersMu.RUnlock()
		for _, fn := range fns {
			fn(msg)
		}

	case FrameError:
		logger.Warn("Gateway reported error", "payload", string(f.Payload))

	case FramePong:
		logger.Debug("Gateway pong", "payload", string(f.Payload))

	default:
		c.dropFrame("unknown frame type", fmt.Errorf("type %q", f.Type))
	}
}

func (c *Client) dropFrame(reason string, err error) {
	c.statsLock.Lock()
	c.stats.FramesDropped++
	c.statsLock.Unlock()
	logger.Warn("Dropping gateway frame", "reason", reason, "error", err)
}

func (c *Client) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				logger.Debug("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectBaseDelay
	b.MaxInterval = c.config.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()

	for attempt := 1; ; attempt++ {
		if c.config.MaxReconnectAttempts >= 0 && attempt > c.config.MaxReconnectAttempts {
			return nil, ErrGaveUp
		}

		wait := b.NextBackOff()
		logger.Debug("Reconnecting gateway", "attempt", attempt, "wait_ms", wait.Milliseconds())

		select {
		case <-c.ctx.Done():
			return nil, context.Canceled
		case <-time.After(wait):
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			c.recordError(err)
			continue
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return nil, context.Canceled
		}
		c.conn = conn
		c.mu.Unlock()

		c.setState(StateConnected)
		c.statsLock.Lock()
		c.stats.ReconnectCount++
		c.stats.ConnectedAt = time.Now()
		c.statsLock.Unlock()
		logger.Info("Gateway reconnected", "attempt", attempt)
		return conn, nil
	}
}

func (c *Client) fireReconnect() {
	c.listenersMu.RLock()
	fns := make([]func(), 0, len(c.onReconnect))
	for _, fn := range c.onReconnect {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) setState(state ConnectionState) {
	c.state.Store(state)
}

func (c *Client) recordError(err error) {
	if err == nil {
		return
	}
	c.statsLock.Lock()
	c.stats.LastError = err.Error()
	c.statsLock.Unlock()
}

func (c *Client) recordConnected() {
	c.statsLock.Lock()
	c.stats.ConnectedAt = time.Now()
	c.statsLock.Unlock()
}

func (c *Client) recordDisconnected() {
	c.statsLock.Lock()
	c.stats.DisconnectedAt = time.Now()
	c.statsLock.Unlock()
}

func mustRaw(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
