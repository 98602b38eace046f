// Package config loads client configuration from a TOML file and
// SIDECHAIN_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SIDECHAIN_WS_URL.
const EnvPrefix = "SIDECHAIN"

// Config is the resolved client configuration.
type Config struct {
	API  APIConfig
	WS   WSConfig
	Auth AuthConfig
	Log  LogConfig

	// File is the config file that was read, empty if none was found.
	File string
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type WSConfig struct {
	URL                string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HeartbeatInterval  time.Duration
}

type AuthConfig struct {
	Token  string
	UserID string
}

type LogConfig struct {
	Level string
	File  string
}

// getConfigDir returns platform-specific config directory
func getConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = home
		}
		return filepath.Join(appData, "sidechain", "realtime"), nil
	}

	// Unix-like (macOS, Linux): ~/.config/sidechain/realtime
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sidechain", "realtime"), nil
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := getConfigDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(dir, "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8787")
	v.SetDefault("api.timeout", 30)
	v.SetDefault("ws.url", "ws://localhost:8787/ws")
	v.SetDefault("ws.reconnect_base_ms", 500)
	v.SetDefault("ws.reconnect_max_ms", 30000)
	v.SetDefault("ws.heartbeat_ms", 30000)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads configPath (or the default location when empty). A missing file
// is not an error; an unreadable or invalid one is.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	explicit := configPath != ""
	if !explicit {
		configPath = DefaultPath()
	}

	cfg := &Config{}
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		cfg.File = configPath
	} else if explicit && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", configPath, err)
	}

	cfg.API = APIConfig{
		BaseURL: v.GetString("api.base_url"),
		Timeout: time.Duration(v.GetInt("api.timeout")) * time.Second,
	}
	cfg.WS = WSConfig{
		URL:                v.GetString("ws.url"),
		ReconnectBaseDelay: time.Duration(v.GetInt("ws.reconnect_base_ms")) * time.Millisecond,
		ReconnectMaxDelay:  time.Duration(v.GetInt("ws.reconnect_max_ms")) * time.Millisecond,
		HeartbeatInterval:  time.Duration(v.GetInt("ws.heartbeat_ms")) * time.Millisecond,
	}
	cfg.Auth = AuthConfig{
		Token:  v.GetString("auth.token"),
		UserID: v.GetString("auth.user_id"),
	}
	cfg.Log = LogConfig{
		Level: v.GetString("log.level"),
		File:  expandPath(v.GetString("log.file")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.WS.URL == "" {
		return errors.New("ws.url is required")
	}
	if !strings.HasPrefix(c.WS.URL, "ws://") && !strings.HasPrefix(c.WS.URL, "wss://") {
		return fmt.Errorf("ws.url must use ws:// or wss://, got %q", c.WS.URL)
	}
	if c.WS.ReconnectBaseDelay <= 0 || c.WS.ReconnectMaxDelay <= 0 {
		return errors.New("ws reconnect delays must be positive")
	}
	if c.WS.ReconnectMaxDelay < c.WS.ReconnectBaseDelay {
		return errors.New("ws.reconnect_max_ms must not be below ws.reconnect_base_ms")
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
