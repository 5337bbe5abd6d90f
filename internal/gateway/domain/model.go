package domain

import (
	"context"
	"net/http"
	"time"
)

// Event types normalized across providers.
const (
	EventTypePaymentSucceeded    = "payment_succeeded"
	EventTypePaymentFailed       = "payment_failed"
	EventTypePaymentPending      = "payment_pending"
	EventTypeSubscriptionUpdated = "subscription_updated"
	EventTypeSubscriptionCancel  = "subscription_canceled"
)

// Notification is a provider webhook normalized into provider-agnostic form.
type Notification struct {
	Provider        string
	EventType       string
	OrderID         string
	TransactionID   string
	SubscriptionID  string
	UserID          string
	PlanID          string
	Amount          int64
	Currency        string
	MaskedCard      string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	OccurredAt      time.Time
	RawPayload      []byte
}

// CheckoutRequest asks a provider to start a hosted payment.
type CheckoutRequest struct {
	OrderID       string
	UserID        string
	PlanID        string
	BillingCycle  string
	Amount        int64
	Currency      string
	Description   string
	CustomerEmail string
}

// CheckoutSession is the provider-side session started for an order.
type CheckoutSession struct {
	ID          string
	OrderID     string
	PaymentURL  string
	Status      string
	ExpiresAt   time.Time
}

// StatusQuery identifies an order on the provider side. SessionID is the
// provider checkout reference when one was captured at creation.
type StatusQuery struct {
	OrderID   string
	SessionID string
}

// StatusResult is a provider's answer to a status poll.
type StatusResult struct {
	OrderID       string
	Paid          bool
	Status        string
	TransactionID string
	Amount        int64
	Currency      string
}

// Client is a payment gateway adapter.
type Client interface {
	Provider() string
	CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error)
	QueryStatus(ctx context.Context, q StatusQuery) (*StatusResult, error)
	VerifySignature(payload []byte, headers http.Header) error
	ParseWebhook(payload []byte) (*Notification, error)
}
