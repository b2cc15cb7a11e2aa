package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
)

// HealthCheck returns service health status (basic)
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "csv-import-service",
	})
}

// ReadyCheck returns readiness including transport connectivity.
func ReadyCheck(nc *nats.Conn) gin.HandlerFunc {
	return func(c *gin.Context) {
		health := gin.H{
			"status":  "healthy",
			"service": "csv-import-service",
			"checks":  gin.H{},
		}
		checks := health["checks"].(gin.H)

		if nc == nil || !nc.IsConnected() {
			checks["nats"] = gin.H{"status": "unhealthy"}
			health["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, health)
			return
		}
		checks["nats"] = gin.H{"status": "healthy"}
		c.JSON(http.StatusOK, health)
	}
}
