package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reconciledomain "github.com/phochat/payments/internal/reconcile/domain"
)

const internalSecretHeader = "X-Internal-Secret"

// InternalAuthRequired guards service-to-service routes with a shared
// secret. An unset secret closes the routes entirely.
func (s *Server) InternalAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimSpace(s.cfg.InternalAPISecret)
		if secret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		presented := c.GetHeader(internalSecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) HandleWalletStatus(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	status, err := s.walletSvc.Status(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type manualVerifyRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// HandleManualVerify lets an operator force one provider round-trip for
// a stuck order. The result goes through the same engine as webhooks.
func (s *Server) HandleManualVerify(c *gin.Context) {
	var req manualVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("order_id", req.OrderID)

	result, err := s.reconciler.VerifyOrder(c.Request.Context(), strings.TrimSpace(req.OrderID), reconciledomain.OriginManual)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": result.OrderID,
		"outcome":  result.Outcome,
		"reason":   result.Reason,
	})
}

func (s *Server) HandleOrderDeliveries(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("order_id"))
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "required", "order_id is required"))
		return
	}

	entries, err := s.weblogSvc.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": entries})
}
