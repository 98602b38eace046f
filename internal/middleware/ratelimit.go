package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	apierrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// Requests per window
	Limit int
	// Window duration
	Window time.Duration
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:  100,
		Window: time.Minute,
	}
}

// RateLimiter keeps one token bucket per caller
type RateLimiter struct {
	config   RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		every := rl.config.Window / time.Duration(max(rl.config.Limit, 1))
		l = rate.NewLimiter(rate.Every(every), rl.config.Limit)
		rl.limiters[key] = l
	}
	return l
}

// Middleware limits by authenticated user, falling back to client IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("user_id")
		if key == "" {
			key = c.ClientIP()
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit))
		if !rl.limiterFor(key).Allow() {
			c.Header("Retry-After", strconv.Itoa(int(rl.config.Window.Seconds())))
			apierrors.Respond(c, apierrors.RateLimited(""))
			return
		}
		c.Next()
	}
}

// RateLimit is a convenience wrapper around NewRateLimiter
func RateLimit(config RateLimitConfig) gin.HandlerFunc {
	return NewRateLimiter(config).Middleware()
}
