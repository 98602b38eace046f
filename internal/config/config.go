// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Broker backends
const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// Config is the realtime server configuration
type Config struct {
	Port        string
	Environment string
	InstanceID  string
	JWTSecret   []byte
	CORSOrigins []string

	LogLevel string
	LogFile  string

	BrokerBackend     string
	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	ReconnectMaxDelay time.Duration
	PublishTimeout    time.Duration

	FilterPrivate bool

	OTelEnabled      bool
	OTelEndpoint     string
	OTelSamplingRate float64
}

// LoadDotEnv loads .env files if present. A missing file is not an error;
// the returned error is only for reporting.
func LoadDotEnv(files ...string) error {
	return godotenv.Load(files...)
}

// Load reads the configuration from environment variables
// REQUIRED environment variables:
// - JWT_SECRET: secret used to verify client tokens
func Load() (*Config, error) {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8787"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		InstanceID:    getEnv("INSTANCE_ID", ""),
		JWTSecret:     []byte(jwtSecret),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", "server.log"),
		BrokerBackend: strings.ToLower(getEnv("BROKER_BACKEND", BrokerRedis)),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		OTelEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}

	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = strings.Trim(host+"-"+uuid.NewString()[:8], "-")
	}

	if cfg.BrokerBackend != BrokerRedis && cfg.BrokerBackend != BrokerMemory {
		return nil, fmt.Errorf("BROKER_BACKEND must be %q or %q, got %q", BrokerRedis, BrokerMemory, cfg.BrokerBackend)
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ReconnectMaxDelay, err = getMillis("RECONNECT_MAX_DELAY_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout, err = getMillis("PUBLISH_TIMEOUT_MS", 500); err != nil {
		return nil, err
	}
	if cfg.FilterPrivate, err = getBool("GATEWAY_FILTER_PRIVATE", false); err != nil {
		return nil, err
	}
	if cfg.OTelEnabled, err = getBool("OTEL_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTelSamplingRate, err = getFloat("OTEL_SAMPLING_RATE", 1.0); err != nil {
		return nil, err
	}
	if cfg.OTelSamplingRate < 0 || cfg.OTelSamplingRate > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLING_RATE must be between 0 and 1, got %v", cfg.OTelSamplingRate)
	}

	return cfg, nil
}

// IsProduction reports whether ENVIRONMENT is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getMillis(key string, fallback int) (time.Duration, error) {
	n, err := getInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
