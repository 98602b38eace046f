package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"go.uber.org/zap"
)

const (
	roleSubscribe = "subscribe"

	healthCheckInterval = 15 * time.Second
	subscribeTimeout    = 3 * time.Second
)

// addCounterScript adds ARGV[1] to KEYS[1] and clamps the result at zero.
var addCounterScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0') + tonumber(ARGV[1])
if v < 0 then v = 0 end
redis.call('SET', KEYS[1], v)
return v
`)

// RedisConfig holds connection parameters. An empty Password means an
// unauthenticated broker.
type RedisConfig struct {
	Host              string
	Port              string
	Password          string
	DB                int
	ReconnectMaxDelay time.Duration
}

// Redis is the Broker backed by Redis pub/sub. It keeps three clients because a
// connection in subscribe mode cannot issue other commands: one publishes, one
// holds the subscription, one serves counters.
type Redis struct {
	pub   *redis.Client
	sub   *redis.Client
	cache *redis.Client

	maxDelay time.Duration

	mu       sync.RWMutex
	handlers map[events.Channel]map[Token]Handler
	channels map[Token]events.Channel
	next     Token
	pubsub   *redis.PubSub
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRedisClient(cfg RedisConfig, poolSize, minIdle int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: reconnectInitialDelay,
		MaxRetryBackoff: cfg.ReconnectMaxDelay,
		PoolSize:        poolSize,
		MinIdleConns:    minIdle,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		DialTimeout:     5 * time.Second,
	})
}

// NewRedis connects the publish, subscribe and cache clients and starts the
// receive loop. It fails if the initial handshake does not succeed.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "6379"
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	r := &Redis{
		pub:      newRedisClient(cfg, 10, 2),
		sub:      newRedisClient(cfg, 2, 0),
		cache:    newRedisClient(cfg, 10, 5),
		maxDelay: cfg.ReconnectMaxDelay,
		handlers: make(map[events.Channel]map[Token]Handler),
		channels: make(map[Token]events.Channel),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for role, c := range map[string]*redis.Client{"publish": r.pub, roleSubscribe: r.sub, "cache": r.cache} {
		if err := c.Ping(pingCtx).Err(); err != nil {
			_ = r.closeClients()
			return nil, fmt.Errorf("redis %s connection: %w", role, err)
		}
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	if err := r.openPubSub(); err != nil {
		_ = r.closeClients()
		return nil, err
	}

	r.wg.Add(1)
	go r.run()

	logger.Log.Info("✅ Redis broker connected",
		zap.String("address", fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)),
		zap.Bool("auth", cfg.Password != ""),
	)
	return r, nil
}

// openPubSub creates a fresh subscribe-mode connection and subscribes it to
// every channel that currently has handlers.
func (r *Redis) openPubSub() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, subscribeTimeout)
	defer cancel()

	ps := r.sub.Subscribe(ctx)
	channels := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		channels = append(channels, string(ch))
	}

	var err error
	if len(channels) > 0 {
		err = ps.Subscribe(ctx, channels...)
	} else {
		err = ps.Ping(ctx)
	}
	if err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	r.pubsub = ps
	metrics.Get().BrokerSubscriptions.Set(float64(len(channels)))
	return nil
}

// run receives messages until Close. On a receive error it drops the
// subscribe connection and reopens it with capped exponential backoff.
func (r *Redis) run() {
	defer r.wg.Done()

	for {
		r.mu.RLock()
		ps := r.pubsub
		r.mu.RUnlock()

		done := make(chan struct{})
		go r.healthCheck(ps, done)
		err := r.receive(ps)
		close(done)

		if r.ctx.Err() != nil {
			return
		}

		logger.Log.Warn("Redis subscription lost, reconnecting", zap.Error(err))
		r.mu.Lock()
		if r.pubsub == ps {
			r.pubsub = nil
		}
		r.mu.Unlock()
		_ = ps.Close()

		if !r.reconnect() {
			return
		}
	}
}

func (r *Redis) receive(ps *redis.PubSub) error {
	for {
		msg, err := ps.ReceiveMessage(r.ctx)
		if err != nil {
			return err
		}
		r.dispatch(events.Channel(msg.Channel), []byte(msg.Payload))
	}
}

// healthCheck pings the subscribe connection so a half-open socket is noticed.
func (r *Redis) healthCheck(ps *redis.PubSub, done <-chan struct{}) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, subscribeTimeout)
			err := ps.Ping(ctx)
			cancel()
			if err != nil {
				logger.Log.Warn("Redis subscription health check failed", zap.Error(err))
				_ = ps.Close()
				return
			}
		}
	}
}

// reconnect retries openPubSub until it succeeds or the broker is closed.
func (r *Redis) reconnect() bool {
	b := newReconnectBackoff(r.maxDelay)
	for attempt := 1; ; attempt++ {
		delay := nextDelay(b, r.maxDelay)
		select {
		case <-r.ctx.Done():
			return false
		case <-time.After(delay):
		}

		metrics.Get().BrokerReconnects.WithLabelValues(roleSubscribe).Inc()
		if err := r.openPubSub(); err != nil {
			logger.Log.Warn("Redis reconnect failed",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			continue
		}
		logger.Log.Info("Redis subscription re-established", zap.Int("attempts", attempt))
		return true
	}
}

func (r *Redis) dispatch(channel events.Channel, data []byte) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers[channel]))
	for _, h := range r.handlers[channel] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	for _, h := range handlers {
		event, err := events.Unmarshal(data)
		if err != nil || event.Channel != channel {
			logger.Log.Warn("Dropping malformed broker message", logger.WithChannel(string(channel)), zap.Error(err))
			metrics.Get().MalformedEvents.Inc()
			return
		}
		h(event)
	}
}

func (r *Redis) Publish(ctx context.Context, event *events.DomainEvent) {
	data, err := event.Marshal()
	if err == nil {
		err = r.pub.Publish(ctx, string(event.Channel), data).Err()
	}
	if err != nil {
		logger.Log.Warn("Failed to publish event",
			logger.WithChannel(string(event.Channel)),
			logger.WithEventType(string(event.Type)),
			logger.WithEntityID(event.EntityID),
			zap.Error(err),
		)
		metrics.Get().PublishErrors.WithLabelValues(string(event.Channel)).Inc()
	}
}

func (r *Redis) Subscribe(channel events.Channel, handler Handler) (Token, error) {
	if !channel.Valid() {
		return 0, events.ErrUnknownChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	r.next++
	tok := r.next
	first := r.handlers[channel] == nil
	if first {
		r.handlers[channel] = make(map[Token]Handler)
	}
	r.handlers[channel][tok] = handler
	r.channels[tok] = channel

	if first && r.pubsub != nil {
		ctx, cancel := context.WithTimeout(r.ctx, subscribeTimeout)
		err := r.pubsub.Subscribe(ctx, string(channel))
		cancel()
		if err != nil {
			// force the receive loop through reconnect, which subscribes every channel
			logger.Log.Warn("Redis subscribe failed, resetting connection", logger.WithChannel(string(channel)), zap.Error(err))
			_ = r.pubsub.Close()
		}
		metrics.Get().BrokerSubscriptions.Set(float64(len(r.handlers)))
	}
	return tok, nil
}

func (r *Redis) Unsubscribe(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	channel, ok := r.channels[token]
	if !ok {
		return
	}
	delete(r.channels, token)
	delete(r.handlers[channel], token)
	if len(r.handlers[channel]) > 0 {
		return
	}
	delete(r.handlers, channel)
	metrics.Get().BrokerSubscriptions.Set(float64(len(r.handlers)))

	if r.pubsub != nil && !r.closed {
		ctx, cancel := context.WithTimeout(r.ctx, subscribeTimeout)
		defer cancel()
		if err := r.pubsub.Unsubscribe(ctx, string(channel)); err != nil {
			logger.Log.Debug("Redis unsubscribe failed", logger.WithChannel(string(channel)), zap.Error(err))
		}
	}
}

func (r *Redis) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := r.cache.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (r *Redis) SetCounter(ctx context.Context, key string, value int64) error {
	if value < 0 {
		value = 0
	}
	return r.cache.Set(ctx, key, value, 0).Err()
}

func (r *Redis) AddCounter(ctx context.Context, key string, delta int64) (int64, error) {
	return addCounterScript.Run(ctx, r.cache, []string{key}, delta).Int64()
}

// Ping checks the publish and cache connections.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := r.cache.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Close stops the receive loop and closes all three connections.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	r.cancel()
	var errs []error
	if ps != nil {
		if err := ps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub: %w", err))
		}
	}
	r.wg.Wait()

	if err := r.closeClients(); err != nil {
		errs = append(errs, err)
	}
	logger.Log.Info("Redis broker closed")
	return errors.Join(errs...)
}

func (r *Redis) closeClients() error {
	var errs []error
	for role, c := range map[string]*redis.Client{"publish": r.pub, roleSubscribe: r.sub, "cache": r.cache} {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}
