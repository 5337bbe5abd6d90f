package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandlePaymentWebhook receives one provider delivery. Any outcome the
// engine reached is acknowledged with 200 so the provider stops
// retrying; only unauthenticated or malformed deliveries are refused.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	c.Set("provider", provider)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ingest.HandleWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"event_type": result.EventType,
		"outcome":    result.Outcome,
	})
}
