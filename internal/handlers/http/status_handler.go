package http

import (
	"net/http"

	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// StatusHandler serves an agent's connection status.
type StatusHandler struct {
	source ports.StatusSource
}

var _ ports.StatusHTTPHandler = (*StatusHandler)(nil)

func NewStatusHandler(source ports.StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/status", h.GetStatus)
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.Status())
}

// HealthHandler serves liveness and readiness from a HealthChecker.
type HealthHandler struct {
	checker *monitoring.HealthChecker
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health reports the process as alive along with the last background
// check results.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": monitoring.StatusHealthy,
		"checks": h.checker.LastResults(),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
