package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	apierrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"go.uber.org/zap"
)

// Authentication failures
var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// ExtractToken reads the bearer token from the Authorization header or, for
// WebSocket upgrades that cannot set headers, the token query parameter.
func ExtractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}

// Identity is the caller named by a verified token
type Identity struct {
	UserID  string
	IsAdmin bool
}

// ParseUserID validates an HS256 token and returns its user_id claim.
func ParseUserID(tokenString string, secret []byte) (string, error) {
	id, err := ParseClaims(tokenString, secret)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// ParseClaims validates an HS256 token and returns the caller's identity.
// Tokens are issued elsewhere; expiry is enforced by the parser.
func ParseClaims(tokenString string, secret []byte) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	isAdmin, _ := claims["is_admin"].(bool)
	return Identity{UserID: userID, IsAdmin: isAdmin}, nil
}

// AuthMiddleware requires a valid JWT and stores the caller in "user_id"
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := ParseClaims(ExtractToken(c), secret)
		if err != nil {
			logger.Log.Debug("Authentication failed", logger.WithIP(c.ClientIP()), zap.Error(err))
			apierrors.Respond(c, apierrors.Unauthorized(err.Error()))
			return
		}

		c.Set("user_id", id.UserID)
		c.Set("is_admin", id.IsAdmin)
		c.Next()
	}
}

// RequireAdmin rejects callers whose token lacks the is_admin claim.
// It must run after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("user_id") == "" {
			apierrors.Respond(c, apierrors.Unauthorized("unauthorized"))
			return
		}
		if !c.GetBool("is_admin") {
			logger.Log.Debug("Admin access denied", logger.WithUserID(c.GetString("user_id")))
			apierrors.Respond(c, apierrors.Forbidden("admin access required"))
			return
		}
		c.Next()
	}
}
