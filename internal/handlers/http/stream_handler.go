package http

import (
	"net/http"

	"github.com/globalgrayhat/carcast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

type StreamHandler struct {
	catalog ports.CatalogService
}

func NewStreamHandler(catalog ports.CatalogService) *StreamHandler {
	return &StreamHandler{catalog: catalog}
}

func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/streams", h.ListOnAir)
}

// ListOnAir returns every broadcast source currently on air. Used by clients
// as the poll fallback when the push channel missed an update.
func (h *StreamHandler) ListOnAir(c *gin.Context) {
	sources, err := h.catalog.ListOnAir(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"streams": sources})
}
