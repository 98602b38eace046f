package unread

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apierrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"github.com/zfogg/sidechain/realtime/pkg/events"
)

// Handler exposes the counter over HTTP
type Handler struct {
	service *Service
}

// NewHandler creates the unread HTTP handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the handler on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/unread-count", h.GetUnreadCount)
	rg.POST("/messages/read", h.MarkRead)
	rg.POST("/messages/received", h.MessageReceived)
}

// GetUnreadCount is the one-time baseline fetch for the caller's counter
func (h *Handler) GetUnreadCount(c *gin.Context) {
	userID := c.GetString("user_id")
	count, err := h.service.Get(c.Request.Context(), userID)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, events.UnreadCount{UserID: userID, Count: count})
}

// MarkReadRequest marks some or all of the caller's messages read
type MarkReadRequest struct {
	Count int64 `json:"count"`
	All   bool  `json:"all"`
}

// MarkRead handles POST /messages/read for the caller
func (h *Handler) MarkRead(c *gin.Context) {
	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.Respond(c, apierrors.BadRequest("invalid request body").WithDetails(err.Error()))
		return
	}

	userID := c.GetString("user_id")
	ctx := c.Request.Context()

	if req.All {
		if err := h.service.MarkAllRead(ctx, userID); err != nil {
			apierrors.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, events.UnreadCount{UserID: userID, Count: 0})
		return
	}

	count, err := h.service.MessagesRead(ctx, userID, req.Count)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, events.UnreadCount{UserID: userID, Count: count})
}

// MessageReceivedRequest is sent by the messaging service when a message lands
type MessageReceivedRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	Count       int64  `json:"count"`
}

// MessageReceived handles POST /messages/received
func (h *Handler) MessageReceived(c *gin.Context) {
	var req MessageReceivedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.Respond(c, apierrors.ValidationError("recipient_id", "recipient_id is required"))
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	count, err := h.service.MessageReceived(c.Request.Context(), req.RecipientID, req.Count)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, events.UnreadCount{UserID: req.RecipientID, Count: count})
}

func respond(c *gin.Context, err error) {
	if errors.Is(err, ErrInvalidCount) {
		apierrors.Respond(c, apierrors.ValidationError("count", "count must be positive"))
		return
	}
	apierrors.Respond(c, err)
}
