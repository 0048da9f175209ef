package http

import (
	"net/http"
	"time"

	"chathub/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports open signaling connections on this instance.
type ConnectionCounter interface {
	ConnectionCount() int
}

type HealthHandler struct {
	checker    *monitoring.HealthChecker
	conns      ConnectionCounter
	instanceID string
}

func NewHealthHandler(checker *monitoring.HealthChecker, conns ConnectionCounter, instanceID string) *HealthHandler {
	return &HealthHandler{checker: checker, conns: conns, instanceID: instanceID}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health reports liveness only; it never touches dependencies.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      monitoring.StatusHealthy,
		"timestamp":   time.Now().Unix(),
		"instance_id": h.instanceID,
		"connections": h.conns.ConnectionCount(),
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
