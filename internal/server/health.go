package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HandleHealth reports liveness plus the advisory payment-pipeline
// verdict. Database loss or a pipeline alert flips it to 503.
func (s *Server) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			// Cache loss degrades reads but does not take payments down.
			checks["redis"] = "down"
		} else {
			checks["redis"] = "ok"
		}
	}

	pipeline := s.collector.Health()
	if pipeline.Healthy {
		checks["payments"] = "ok"
	} else {
		checks["payments"] = "alert"
		healthy = false
	}

	status := http.StatusOK
	verdict := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		verdict = "degraded"
	}
	c.JSON(status, gin.H{"status": verdict, "checks": checks})
}

// HandlePaymentHealth exposes the full collector snapshot for
// dashboards and on-call digging.
func (s *Server) HandlePaymentHealth(c *gin.Context) {
	health := s.collector.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
