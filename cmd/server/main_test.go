package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/internal/broker"
	"github.com/zfogg/sidechain/realtime/internal/config"
	"github.com/zfogg/sidechain/realtime/internal/gateway"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/publisher"
	"github.com/zfogg/sidechain/realtime/internal/unread"
)

func testRouter(t *testing.T) (*gin.Engine, *broker.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger.InitializeForTest()

	cfg := &config.Config{
		JWTSecret:   []byte("secret"),
		CORSOrigins: []string{"*"},
		Environment: "test",
	}
	mem := broker.NewMemory()
	hub := gateway.NewHub("instance-test")
	pub := publisher.New(mem, "instance-test")

	return newRouter(cfg, routerDeps{
		broker: mem,
		hub:    hub,
		ws:     gateway.NewHandler(hub, cfg.JWTSecret, nil),
		unread: unread.NewHandler(unread.NewService(mem, pub)),
	}), mem
}

func TestHealthReportsBroker(t *testing.T) {
	r, mem := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"instance_id":"instance-test"`)

	mem.SetOnline(false)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestAPIRequiresAuth(t *testing.T) {
	r, _ := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/unread-count", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatsRequiresAdmin(t *testing.T) {
	r, _ := testRouter(t)
	get := func(claims jwt.MapClaims) int {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ws/stats", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	exp := time.Now().Add(time.Hour).Unix()

	assert.Equal(t, http.StatusForbidden, get(jwt.MapClaims{"user_id": "u_1", "exp": exp}))
	assert.Equal(t, http.StatusOK, get(jwt.MapClaims{"user_id": "u_1", "is_admin": true, "exp": exp}))
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"app.example.com", "*"}, originPatterns([]string{"https://app.example.com", "*"}))
}
