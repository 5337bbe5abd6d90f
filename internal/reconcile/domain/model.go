package domain

import (
	"context"
	"net/http"
	"time"
)

// Signal origins. Webhook deliveries, status-poll sweeps and manual
// verifications all converge on the same engine.
const (
	OriginWebhook = "webhook"
	OriginPoll    = "poll"
	OriginManual  = "manual"
)

// Reconciliation outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeMismatch  = "mismatch"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

// Signal is one observation that a payment may have settled. The engine
// treats every origin identically: the order row decides what happens,
// not the messenger.
type Signal struct {
	Provider         string
	OrderID          string
	TransactionID    string
	EventType        string
	ObservedAmount   int64
	Currency         string
	Origin           string
	MaskedCardNumber string
	OccurredAt       time.Time
	RawPayload       []byte
}

// Result reports what the engine did with a signal.
type Result struct {
	Outcome string
	OrderID string
	// Reason is set for non-confirmed outcomes.
	Reason string
}

// Service is the reconciliation engine. Process is safe to call
// concurrently with duplicate signals for the same order: the ledger is
// mutated at most once.
type Service interface {
	Process(ctx context.Context, signal *Signal) (*Result, error)

	// VerifyOrder asks the provider for the order's current status and
	// feeds a paid answer back through Process. Used by the polling
	// fallback and the manual verification endpoint.
	VerifyOrder(ctx context.Context, orderID string, origin string) (*Result, error)
}

// IngestResult is what a webhook delivery resolved to.
type IngestResult struct {
	EventType string
	Outcome   string
}

// Ingestor authenticates and parses raw webhook deliveries before they
// reach the engine. Exactly one webhook log row is written per physical
// delivery, whichever layer handles it.
type Ingestor interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error)
}
