package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	apierrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/middleware"
	"go.uber.org/zap"
)

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub            *Hub
	jwtSecret      []byte
	originPatterns []string
}

// NewHandler creates a new WebSocket handler. originPatterns are host
// patterns accepted for cross-origin upgrades; "*" allows any origin.
func NewHandler(hub *Hub, jwtSecret []byte, originPatterns []string) *Handler {
	return &Handler{
		hub:            hub,
		jwtSecret:      jwtSecret,
		originPatterns: originPatterns,
	}
}

// HandleWebSocket authenticates and upgrades the request, then blocks until
// the session ends. The token comes from ?token=... or the Authorization header.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID, err := middleware.ParseUserID(middleware.ExtractToken(c), h.jwtSecret)
	if err != nil {
		logger.Log.Debug("WebSocket auth failed", logger.WithIP(c.ClientIP()), zap.Error(err))
		apierrors.Respond(c, apierrors.Unauthorized(err.Error()))
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns:  h.originPatterns,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", logger.WithUserID(userID), zap.Error(err))
		return
	}

	session := NewSession(h.hub, conn, userID)
	session.RemoteAddr = c.ClientIP()
	session.UserAgent = c.GetHeader("User-Agent")

	if err := h.hub.Register(session); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	_ = session.Send(NewMessage(MessageTypeSystem, SystemPayload{
		Event:   SystemEventConnected,
		Message: "connected",
		Data: map[string]interface{}{
			"user_id":     userID,
			"session_id":  session.ID,
			"instance_id": h.hub.InstanceID(),
			"server_time": time.Now().UTC().UnixMilli(),
		},
	}))

	session.Run()
}

// HandleStats returns gateway statistics (for monitoring)
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gateway":   h.hub.GetStats(),
		"timestamp": time.Now().UTC(),
	})
}
