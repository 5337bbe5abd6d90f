// Package polar adapts the hosted-checkout gateway used for USD plans.
// Webhooks are signed with HMAC-SHA256 over the raw body.
package polar

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/domain"
	"go.uber.org/zap"
)

const ProviderName = "polar"

const signatureHeader = "Polar-Signature"

type Client struct {
	cfg           config.PolarConfig
	httpc         *retryablehttp.Client
	clk           clock.Clock
	log           *zap.Logger
	productToPlan map[string]string
	planToProduct map[string]string
}

func New(cfg config.PolarConfig, httpc *retryablehttp.Client, clk clock.Clock, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, domain.ErrInvalidConfig
	}

	productToPlan := map[string]string{
		cfg.ProductStandardID: "gl_standard",
		cfg.ProductPremiumID:  "gl_premium",
		cfg.ProductLifetimeID: "gl_lifetime",
	}
	planToProduct := make(map[string]string, len(productToPlan))
	for product, plan := range productToPlan {
		planToProduct[plan] = product
	}

	return &Client{
		cfg:           cfg,
		httpc:         httpc,
		clk:           clk,
		log:           log.Named("gateway.polar"),
		productToPlan: productToPlan,
		planToProduct: planToProduct,
	}, nil
}

func (c *Client) Provider() string {
	return ProviderName
}

func (c *Client) VerifySignature(payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (c *Client) ParseWebhook(payload []byte) (*domain.Notification, error) {
	var event polarEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	eventType := strings.TrimSpace(event.Type)
	switch eventType {
	case "checkout.completed", "payment.succeeded":
		return c.parsePayment(event, payload, domain.EventTypePaymentSucceeded)
	case "payment.failed":
		return c.parsePayment(event, payload, domain.EventTypePaymentFailed)
	case "subscription.created", "subscription.updated":
		return c.parseSubscription(event, payload, domain.EventTypeSubscriptionUpdated)
	case "subscription.canceled":
		return c.parseSubscription(event, payload, domain.EventTypeSubscriptionCancel)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (c *Client) parsePayment(event polarEvent, payload []byte, eventType string) (*domain.Notification, error) {
	var data polarPaymentData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	planID := c.planFromProduct(data.ProductID)
	if planID == "" {
		planID = strings.TrimSpace(data.Metadata["planId"])
	}

	return &domain.Notification{
		Provider:       ProviderName,
		EventType:      eventType,
		OrderID:        strings.TrimSpace(data.Metadata["orderId"]),
		TransactionID:  strings.TrimSpace(data.ID),
		SubscriptionID: strings.TrimSpace(data.SubscriptionID),
		UserID:         strings.TrimSpace(data.Metadata["userId"]),
		PlanID:         planID,
		Amount:         data.Amount,
		Currency:       upperOr(data.Currency, "USD"),
		OccurredAt:     c.clk.Now().UTC(),
		RawPayload:     payload,
	}, nil
}

func (c *Client) parseSubscription(event polarEvent, payload []byte, eventType string) (*domain.Notification, error) {
	var data polarSubscriptionData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	planID := c.planFromProduct(data.ProductID)
	if planID == "" {
		planID = strings.TrimSpace(data.Metadata["planId"])
	}

	notif := &domain.Notification{
		Provider:       ProviderName,
		EventType:      eventType,
		OrderID:        strings.TrimSpace(data.Metadata["orderId"]),
		SubscriptionID: strings.TrimSpace(data.ID),
		UserID:         strings.TrimSpace(data.Metadata["userId"]),
		PlanID:         planID,
		Currency:       "USD",
		OccurredAt:     c.clk.Now().UTC(),
		RawPayload:     payload,
	}
	if data.CurrentPeriodStart != "" {
		if parsed, err := time.Parse(time.RFC3339, data.CurrentPeriodStart); err == nil {
			notif.PeriodStart = parsed.UTC()
		}
	}
	if data.CurrentPeriodEnd != "" {
		if parsed, err := time.Parse(time.RFC3339, data.CurrentPeriodEnd); err == nil {
			notif.PeriodEnd = parsed.UTC()
		}
	}
	return notif, nil
}

func (c *Client) planFromProduct(productID string) string {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return ""
	}
	return c.productToPlan[productID]
}

func (c *Client) CreateCheckout(ctx context.Context, req *domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	productID, ok := c.planToProduct[strings.ToLower(strings.TrimSpace(req.PlanID))]
	if !ok {
		return nil, fmt.Errorf("%w: no product for plan %q", domain.ErrCheckoutFailed, req.PlanID)
	}

	body, err := json.Marshal(checkoutCreateRequest{
		ProductID:     productID,
		SuccessURL:    c.cfg.SuccessURL,
		CustomerEmail: req.CustomerEmail,
		Metadata: map[string]string{
			"userId":  req.UserID,
			"orderId": req.OrderID,
			"planId":  req.PlanID,
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.APIURL, "/")+"/checkouts", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var session checkoutCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, domain.ErrCheckoutFailed
	}

	return &domain.CheckoutSession{
		ID:         session.ID,
		OrderID:    req.OrderID,
		PaymentURL: session.URL,
		Status:     session.Status,
	}, nil
}

func (c *Client) QueryStatus(ctx context.Context, q domain.StatusQuery) (*domain.StatusResult, error) {
	if strings.TrimSpace(q.SessionID) == "" {
		return &domain.StatusResult{OrderID: q.OrderID, Paid: false, Status: "unknown"}, nil
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.APIURL, "/")+"/checkouts/"+q.SessionID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var session checkoutStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	status := strings.ToLower(strings.TrimSpace(session.Status))
	return &domain.StatusResult{
		OrderID:       q.OrderID,
		Paid:          status == "complete" || status == "succeeded",
		Status:        status,
		TransactionID: session.ID,
		Amount:        session.Amount,
		Currency:      upperOr(session.Currency, "USD"),
	}, nil
}

type polarEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarPaymentData struct {
	ID             string            `json:"id"`
	ProductID      string            `json:"productId"`
	SubscriptionID string            `json:"subscriptionId"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

type polarSubscriptionData struct {
	ID                 string            `json:"id"`
	ProductID          string            `json:"productId"`
	Status             string            `json:"status"`
	CurrentPeriodStart string            `json:"currentPeriodStart"`
	CurrentPeriodEnd   string            `json:"currentPeriodEnd"`
	Metadata           map[string]string `json:"metadata"`
}

type checkoutCreateRequest struct {
	ProductID     string            `json:"product_id"`
	SuccessURL    string            `json:"success_url"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

type checkoutCreateResponse struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

type checkoutStatusResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func upperOr(value, fallback string) string {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

var _ domain.Client = (*Client)(nil)
