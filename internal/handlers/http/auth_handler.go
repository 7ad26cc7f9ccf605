package http

import (
	"net/http"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/services"

	"github.com/gin-gonic/gin"
)

// AuthHandler mints development tokens. User accounts live outside this
// system; production deployments verify tokens issued elsewhere with the
// shared secret.
type AuthHandler struct {
	auth services.AuthService
}

func NewAuthHandler(auth services.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/auth/token", h.IssueToken)
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req struct {
		UserID   int64  `json:"userId" binding:"required"`
		Username string `json:"username" binding:"required"`
		Role     string `json:"role"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := domain.Role(req.Role)
	switch role {
	case domain.RoleAdmin, domain.RoleBroadcastManager, domain.RoleViewer:
	case "":
		role = domain.RoleViewer
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}

	token, err := h.auth.GenerateToken(domain.UserID(req.UserID), req.Username, role)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "role": role})
}
