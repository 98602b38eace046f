package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zfogg/sidechain/realtime/internal/broker"
	"github.com/zfogg/sidechain/realtime/internal/config"
	"github.com/zfogg/sidechain/realtime/internal/gateway"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/internal/middleware"
	"github.com/zfogg/sidechain/realtime/internal/publisher"
	"github.com/zfogg/sidechain/realtime/internal/telemetry"
	"github.com/zfogg/sidechain/realtime/internal/unread"
	"go.uber.org/zap"
)

const serviceName = "sidechain-realtime"

func main() {
	dotenvErr := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if dotenvErr != nil {
		logger.Log.Warn(".env file not found, using system environment variables")
	}

	logger.Log.Info("Sidechain realtime starting",
		logger.WithInstanceID(cfg.InstanceID),
		zap.String("environment", cfg.Environment),
		zap.String("broker", cfg.BrokerBackend),
	)

	metrics.Initialize()

	tp, err := telemetry.InitTracer(telemetry.Config{
		ServiceName:  serviceName,
		InstanceID:   cfg.InstanceID,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTelEndpoint,
		Enabled:      cfg.OTelEnabled,
		SamplingRate: cfg.OTelSamplingRate,
	})
	if err != nil {
		logger.WarnWithFields("Tracing disabled", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	b, err := newBroker(startCtx, cfg)
	startCancel()
	if err != nil {
		logger.FatalWithFields("Failed to connect to broker", err)
	}

	pub := publisher.New(b, cfg.InstanceID, publisher.WithTimeout(cfg.PublishTimeout))
	hub := gateway.NewHub(cfg.InstanceID)

	var filter gateway.Filter = gateway.Broadcast{}
	if cfg.FilterPrivate {
		filter = gateway.NewPrivateFilter()
		logger.Log.Info("Gateway private-event filter enabled")
	}
	gw := gateway.New(b, hub, gateway.WithFilter(filter))
	if err := gw.Start(); err != nil {
		logger.FatalWithFields("Failed to start gateway", err)
	}

	unreadService := unread.NewService(b, pub)

	r := newRouter(cfg, routerDeps{
		broker:  b,
		hub:     hub,
		ws:      gateway.NewHandler(hub, cfg.JWTSecret, originPatterns(cfg.CORSOrigins)),
		unread:  unread.NewHandler(unreadService),
		tracing: tp != nil,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info("Realtime server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.FatalWithFields("Failed to start server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down realtime server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// WebSocket handlers are hijacked connections, so the hub has to end them
	// itself; the HTTP server stops accepting new upgrades first.
	if err := srv.Shutdown(ctx); err != nil {
		logger.WarnWithFields("HTTP server forced to shutdown", err)
	}
	if err := hub.Shutdown(ctx); err != nil {
		logger.WarnWithFields("Gateway shutdown warning", err)
	}
	gw.Stop()
	if err := b.Close(); err != nil {
		logger.WarnWithFields("Broker close warning", err)
	}
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			logger.WarnWithFields("Tracer shutdown warning", err)
		}
	}

	logger.Log.Info("Server exited")
}

func newBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	if cfg.BrokerBackend == config.BrokerMemory {
		logger.Log.Warn("Using in-memory broker: events will not reach other instances")
		return broker.NewMemory(), nil
	}
	return broker.NewRedis(ctx, broker.RedisConfig{
		Host:              cfg.RedisHost,
		Port:              cfg.RedisPort,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
	})
}

type routerDeps struct {
	broker  broker.Broker
	hub     *gateway.Hub
	ws      *gateway.Handler
	unread  *unread.Handler
	tracing bool
}

func newRouter(cfg *config.Config, deps routerDeps) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.GinLoggerMiddleware())
	if deps.tracing {
		r.Use(middleware.TracingMiddleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"}
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code, brokerStatus := "ok", http.StatusOK, "connected"
		if err := deps.broker.Ping(ctx); err != nil {
			status, code, brokerStatus = "degraded", http.StatusServiceUnavailable, err.Error()
		}
		c.JSON(code, gin.H{
			"status":      status,
			"broker":      brokerStatus,
			"instance_id": deps.hub.InstanceID(),
			"sessions":    deps.hub.SessionCount(),
			"timestamp":   time.Now().UTC(),
			"service":     serviceName,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The upgrade endpoint authenticates itself because browsers cannot set
	// headers on WebSocket requests.
	r.GET("/ws", deps.ws.HandleWebSocket)

	api := r.Group("/api/v1")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	{
		deps.unread.RegisterRoutes(api)
		api.GET("/ws/stats", middleware.RequireAdmin(), deps.ws.HandleStats)
	}

	return r
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// upgrader matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		patterns = append(patterns, o)
	}
	return patterns
}
