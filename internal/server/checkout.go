package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/phochat/payments/internal/gateway/domain"
	orderdomain "github.com/phochat/payments/internal/order/domain"
	"github.com/phochat/payments/internal/plan"
	reconciledomain "github.com/phochat/payments/internal/reconcile/domain"
	"go.uber.org/zap"
)

type createCheckoutRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	PlanID        string `json:"plan_id" binding:"required"`
	BillingCycle  string `json:"billing_cycle"`
	Provider      string `json:"provider"`
	CustomerEmail string `json:"customer_email"`
}

type checkoutResponse struct {
	OrderID    string `json:"order_id"`
	Provider   string `json:"provider"`
	PaymentURL string `json:"payment_url"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
}

// HandleCreateCheckout opens a pending order and a hosted checkout for
// it. VND plans go through the bank-transfer gateway, everything else
// through the hosted card checkout.
func (s *Server) HandleCreateCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	selected, ok := plan.Lookup(strings.TrimSpace(req.PlanID))
	if !ok {
		AbortWithError(c, newValidationError("plan_id", "unknown_plan", "unknown plan"))
		return
	}
	if selected.Price == 0 {
		AbortWithError(c, newValidationError("plan_id", "free_plan", "free plans have no checkout"))
		return
	}

	cycle := strings.ToLower(strings.TrimSpace(req.BillingCycle))
	amount := selected.Price
	if (cycle == "yearly" || cycle == "annual") && selected.PriceYearly > 0 {
		amount = selected.PriceYearly
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		if selected.Currency == "VND" {
			provider = "sepay"
		} else {
			provider = "polar"
		}
	}
	client, err := s.registry.Client(provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	order, err := s.orderSvc.CreateOrder(ctx, &orderdomain.CreateOrderRequest{
		UserID:        req.UserID,
		PlanID:        req.PlanID,
		BillingCycle:  cycle,
		Provider:      provider,
		Amount:        amount,
		Currency:      selected.Currency,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := client.CreateCheckout(ctx, &gatewaydomain.CheckoutRequest{
		OrderID:       order.OrderID,
		UserID:        req.UserID,
		PlanID:        req.PlanID,
		BillingCycle:  cycle,
		Amount:        amount,
		Currency:      selected.Currency,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		s.log.Warn("checkout creation failed",
			zap.String("provider", provider),
			zap.String("order_id", order.OrderID),
			zap.Error(err))
		AbortWithError(c, err)
		return
	}

	// The session ID is how the poller asks the provider about this
	// order later.
	if session.ID != "" {
		if err := s.orderSvc.AttachSession(ctx, order.OrderID, session.ID); err != nil {
			AbortWithError(c, err)
			return
		}
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordCheckoutOrder(ctx, provider, req.PlanID)
	}

	c.JSON(http.StatusOK, checkoutResponse{
		OrderID:    order.OrderID,
		Provider:   provider,
		PaymentURL: session.PaymentURL,
		Amount:     amount,
		Currency:   selected.Currency,
		Status:     orderdomain.StatusPending,
	})
}

type paymentStatusResponse struct {
	OrderID       string     `json:"order_id"`
	Status        string     `json:"status"`
	Provider      string     `json:"provider"`
	PlanID        string     `json:"plan_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

// HandlePaymentStatus answers from the database first. Orders still
// pending past the webhook window get one on-demand provider check
// before we answer.
func (s *Server) HandlePaymentStatus(c *gin.Context) {
	orderID := strings.TrimSpace(c.Query("order_id"))
	if orderID == "" {
		// Older clients send the camelCase form.
		orderID = strings.TrimSpace(c.Query("orderId"))
	}
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "required", "order_id is required"))
		return
	}
	c.Set("order_id", orderID)

	ctx := c.Request.Context()
	order, err := s.orderSvc.GetByOrderID(ctx, orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	window := s.holder.Current().WebhookWindow
	if order.Status == orderdomain.StatusPending && s.clk.Now().UTC().Sub(order.CreatedAt) > window {
		if _, err := s.reconciler.VerifyOrder(ctx, orderID, reconciledomain.OriginManual); err != nil {
			s.log.Warn("on-demand verification failed",
				zap.String("order_id", orderID),
				zap.Error(err))
		} else if refreshed, err := s.orderSvc.GetByOrderID(ctx, orderID); err == nil {
			order = refreshed
		}
	}

	resp := paymentStatusResponse{
		OrderID:     order.OrderID,
		Status:      order.Status,
		Provider:    order.Provider,
		PlanID:      order.PlanID,
		Amount:      order.ExpectedAmount,
		Currency:    order.Currency,
		ConfirmedAt: order.ConfirmedAt,
	}
	// While pending the transaction_id column holds the checkout session
	// ID, which is not the caller's business.
	if order.Status == orderdomain.StatusConfirmed {
		resp.TransactionID = order.TransactionID
	}
	c.JSON(http.StatusOK, resp)
}
