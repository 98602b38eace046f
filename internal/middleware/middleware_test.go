package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/internal/logger"
)

var testSecret = []byte("test-secret")

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.InitializeForTest()
	os.Exit(m.Run())
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func TestParseUserID(t *testing.T) {
	valid := signToken(t, jwt.MapClaims{"user_id": "u_1", "exp": time.Now().Add(time.Hour).Unix()})
	userID, err := ParseUserID(valid, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u_1", userID)

	_, err = ParseUserID("", testSecret)
	assert.ErrorIs(t, err, ErrNoToken)

	expired := signToken(t, jwt.MapClaims{"user_id": "u_1", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err = ParseUserID(expired, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExp := signToken(t, jwt.MapClaims{"user_id": "u_1"})
	_, err = ParseUserID(noExp, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noUser := signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err = ParseUserID(noUser, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseUserID(valid, []byte("other-secret"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id"), "request_id": c.GetString("request_id")})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	r := newRouter(AuthMiddleware(testSecret))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	token := signToken(t, jwt.MapClaims{"user_id": "u_7", "exp": time.Now().Add(time.Hour).Unix()})

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"u_7"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	r := newRouter(AuthMiddleware(testSecret), RequireAdmin())
	exp := time.Now().Add(time.Hour).Unix()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"user_id": "u_7", "exp": exp}))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FORBIDDEN")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"user_id": "u_8", "is_admin": true, "exp": exp}))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	newRouter(RequireAdmin()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := newRouter(RequestIDMiddleware(), GinLoggerMiddleware())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	generated := w.Header().Get("X-Request-ID")
	assert.NotEmpty(t, generated)
	assert.Contains(t, w.Body.String(), generated)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Request-ID", "req-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestRateLimit(t *testing.T) {
	r := newRouter(RateLimit(RateLimitConfig{Limit: 2, Window: time.Minute}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestTracingMiddlewarePassesThrough(t *testing.T) {
	r := newRouter(TracingMiddleware("realtime-test"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
