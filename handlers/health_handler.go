package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	app AppInfoConfig
}

func NewHealthHandler(app AppInfoConfig) *HealthHandler {
	return &HealthHandler{app: app}
}

// Status reports that the process is up. It does not call the upstream.
func (h *HealthHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": h.app.Name,
		"version": h.app.Version,
	})
}
