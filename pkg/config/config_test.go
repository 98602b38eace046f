package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.File)
	assert.Equal(t, "http://localhost:8787", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "ws://localhost:8787/ws", cfg.WS.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.WS.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.WS.ReconnectMaxDelay)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[api]
base_url = "https://api.example.com"
timeout = 5

[ws]
url = "wss://api.example.com/ws"
reconnect_base_ms = 250
reconnect_max_ms = 2000

[auth]
token = "file-token"
user_id = "u_1"

[log]
file = "~/realtime.log"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, "wss://api.example.com/ws", cfg.WS.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.WS.ReconnectBaseDelay)
	assert.Equal(t, 2*time.Second, cfg.WS.ReconnectMaxDelay)
	assert.Equal(t, "file-token", cfg.Auth.Token)
	assert.Equal(t, "u_1", cfg.Auth.UserID)
	assert.NotContains(t, cfg.Log.File, "~")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[auth]\ntoken = \"file-token\"\n")
	t.Setenv("SIDECHAIN_AUTH_TOKEN", "env-token")
	t.Setenv("SIDECHAIN_WS_URL", "ws://override:9000/ws")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, "ws://override:9000/ws", cfg.WS.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad toml", "[api\nbase_url ="},
		{"http ws url", "[ws]\nurl = \"http://localhost/ws\"\n"},
		{"inverted delays", "[ws]\nreconnect_base_ms = 5000\nreconnect_max_ms = 100\n"},
		{"zero delay", "[ws]\nreconnect_base_ms = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestMissingExplicitFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.File)
}
