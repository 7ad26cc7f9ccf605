// Package http exposes the REST surface: join-request workflow and the
// on-air stream catalog.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	"github.com/globalgrayhat/carcast/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

type JoinRequestHandler struct {
	admission ports.AdmissionService
	// notifier pushes decisions to the affected user's live connections.
	// Optional; REST remains the source of truth.
	notifier ports.Notifier
}

func NewJoinRequestHandler(admission ports.AdmissionService, notifier ports.Notifier) *JoinRequestHandler {
	return &JoinRequestHandler{
		admission: admission,
		notifier:  notifier,
	}
}

func (h *JoinRequestHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/join-requests", h.Create)
	api.GET("/join-requests", h.ListByOwner)
	api.GET("/join-requests/last", h.FindLast)
	api.POST("/join-requests/:id/approve", h.Approve)
	api.POST("/join-requests/:id/reject", h.Reject)
}

func (h *JoinRequestHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req struct {
		ToUserID int64  `json:"toUserId" binding:"required"`
		Intent   string `json:"intent" binding:"required"`
		Message  string `json:"message"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	request, err := h.admission.Create(c.Request.Context(), userID, domain.UserID(req.ToUserID), domain.Intent(req.Intent), req.Message)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"request": request})
}

func (h *JoinRequestHandler) Approve(c *gin.Context) {
	h.decide(c, h.admission.Approve)
}

func (h *JoinRequestHandler) Reject(c *gin.Context) {
	h.decide(c, h.admission.Reject)
}

type decideFunc func(ctx context.Context, id domain.RequestID, actingOwnerID domain.UserID) (*domain.JoinRequest, error)

func (h *JoinRequestHandler) decide(c *gin.Context, fn decideFunc) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	id := domain.RequestID(c.Param("id"))
	request, err := fn(c.Request.Context(), id, userID)
	if err != nil {
		c.Error(err)
		return
	}

	if h.notifier != nil {
		at := time.Now().UTC()
		if request.DecidedAt != nil {
			at = request.DecidedAt.UTC()
		}
		h.notifier.NotifyUser(request.FromUserID, "join-requests:status", gin.H{
			"toUserId":  request.ToUserID,
			"status":    request.Status,
			"intent":    request.Intent,
			"requestId": request.ID,
			"at":        at,
		})
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

func (h *JoinRequestHandler) FindLast(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	toUserID := int64(0)
	if raw := c.Query("toUserId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "toUserId must be an integer"})
			return
		}
		toUserID = parsed
	}

	request, err := h.admission.FindLast(c.Request.Context(), userID, domain.UserID(toUserID))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

func (h *JoinRequestHandler) ListByOwner(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	requests, err := h.admission.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests})
}
