package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/gateway/adapters"
	gatewaydomain "github.com/phochat/payments/internal/gateway/domain"
	obsmetrics "github.com/phochat/payments/internal/observability/metrics"
	"github.com/phochat/payments/internal/paymentmetrics"
	"github.com/phochat/payments/internal/reconcile/domain"
	walletdomain "github.com/phochat/payments/internal/wallet/domain"
	weblogdomain "github.com/phochat/payments/internal/webhooklog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type IngestParams struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Registry   *adapters.Registry
	Engine     domain.Service
	WalletSvc  walletdomain.Service
	WebhookLog weblogdomain.Service
	Collector  *paymentmetrics.Collector
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Ingestor struct {
	log        *zap.Logger
	clk        clock.Clock
	registry   *adapters.Registry
	engine     domain.Service
	walletSvc  walletdomain.Service
	weblog     weblogdomain.Service
	collector  *paymentmetrics.Collector
	obsMetrics *obsmetrics.Metrics
}

func NewIngestor(p IngestParams) domain.Ingestor {
	return &Ingestor{
		log:        p.Log.Named("reconcile.ingest"),
		clk:        p.Clock,
		registry:   p.Registry,
		engine:     p.Engine,
		walletSvc:  p.WalletSvc,
		weblog:     p.WebhookLog,
		collector:  p.Collector,
		obsMetrics: p.ObsMetrics,
	}
}

// HandleWebhook authenticates one delivery and routes it. Signature and
// parse failures are audited here; everything that reaches the engine is
// audited there.
func (s *Ingestor) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.IngestResult, error) {
	started := s.clk.Now()
	provider = strings.ToLower(strings.TrimSpace(provider))

	client, err := s.registry.Client(provider)
	if err != nil {
		return nil, err
	}

	if err := client.VerifySignature(payload, headers); err != nil {
		s.audit(ctx, provider, "", nil, weblogdomain.StatusError, "invalid signature", payload)
		s.collector.RecordError(provider, "invalid_signature")
		s.finish(ctx, provider, "unverified", "rejected", started, false)
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return nil, err
	}

	notif, err := client.ParseWebhook(payload)
	if err != nil {
		switch {
		case errors.Is(err, gatewaydomain.ErrEventIgnored):
			s.audit(ctx, provider, "", nil, weblogdomain.StatusIgnored, "event not handled", payload)
			s.finish(ctx, provider, "unhandled", domain.OutcomeIgnored, started, true)
			return &domain.IngestResult{EventType: "unhandled", Outcome: domain.OutcomeIgnored}, nil
		default:
			s.audit(ctx, provider, "", nil, weblogdomain.StatusError, "invalid payload: "+err.Error(), payload)
			s.collector.RecordError(provider, "invalid_payload")
			s.finish(ctx, provider, "malformed", "rejected", started, false)
			return nil, err
		}
	}

	switch notif.EventType {
	case gatewaydomain.EventTypeSubscriptionUpdated:
		return s.handleSubscription(ctx, provider, notif, payload, started)
	case gatewaydomain.EventTypeSubscriptionCancel:
		return s.handleCancellation(ctx, provider, notif, payload, started)
	}

	// Renewal charges arrive without an order of ours; the subscription
	// metadata is all there is to go on.
	if notif.EventType == gatewaydomain.EventTypePaymentSucceeded && notif.OrderID == "" && notif.UserID != "" {
		return s.handleSubscription(ctx, provider, notif, payload, started)
	}

	result, err := s.engine.Process(ctx, &domain.Signal{
		Provider:         provider,
		OrderID:          notif.OrderID,
		TransactionID:    notif.TransactionID,
		EventType:        notif.EventType,
		ObservedAmount:   notif.Amount,
		Currency:         notif.Currency,
		Origin:           domain.OriginWebhook,
		MaskedCardNumber: notif.MaskedCard,
		OccurredAt:       notif.OccurredAt,
		RawPayload:       payload,
	})
	if err != nil {
		s.finish(ctx, provider, notif.EventType, "error", started, false)
		return nil, err
	}
	s.finish(ctx, provider, notif.EventType, result.Outcome, started, result.Outcome != domain.OutcomeMismatch)
	return &domain.IngestResult{EventType: notif.EventType, Outcome: result.Outcome}, nil
}

func (s *Ingestor) handleSubscription(ctx context.Context, provider string, notif *gatewaydomain.Notification, payload []byte, started time.Time) (*domain.IngestResult, error) {
	if notif.UserID == "" {
		s.audit(ctx, provider, notif.EventType, notif, weblogdomain.StatusIgnored, "subscription event without user", payload)
		s.finish(ctx, provider, notif.EventType, domain.OutcomeIgnored, started, true)
		return &domain.IngestResult{EventType: notif.EventType, Outcome: domain.OutcomeIgnored}, nil
	}

	err := s.walletSvc.SyncSubscription(ctx, &walletdomain.SubscriptionUpdate{
		UserID:      notif.UserID,
		PlanID:      notif.PlanID,
		Provider:    provider,
		PeriodStart: notif.PeriodStart,
		PeriodEnd:   notif.PeriodEnd,
	})
	if err != nil {
		s.audit(ctx, provider, notif.EventType, notif, weblogdomain.StatusError, err.Error(), payload)
		s.collector.RecordError(provider, "subscription_sync")
		s.finish(ctx, provider, notif.EventType, "error", started, false)
		return nil, err
	}

	s.audit(ctx, provider, notif.EventType, notif, weblogdomain.StatusSuccess, "", payload)
	s.finish(ctx, provider, notif.EventType, domain.OutcomeConfirmed, started, true)
	return &domain.IngestResult{EventType: notif.EventType, Outcome: domain.OutcomeConfirmed}, nil
}

func (s *Ingestor) handleCancellation(ctx context.Context, provider string, notif *gatewaydomain.Notification, payload []byte, started time.Time) (*domain.IngestResult, error) {
	if notif.UserID == "" {
		s.audit(ctx, provider, notif.EventType, notif, weblogdomain.StatusIgnored, "cancellation without user", payload)
		s.finish(ctx, provider, notif.EventType, domain.OutcomeIgnored, started, true)
		return &domain.IngestResult{EventType: notif.EventType, Outcome: domain.OutcomeIgnored}, nil
	}

	if err := s.walletSvc.Downgrade(ctx, notif.UserID); err != nil {
		s.audit(ctx, provider, notif.EventType, notif, weblogdomain.StatusError, err.Error(), payload)
		s.collector.RecordError(provider, "downgrade")
		s.finish(ctx, provider, notif.EventType, "error", started, false)
		return nil, err
	}

	s.audit(ctx, provider, notif.EventType, notif, weblogdomain.StatusSuccess, "", payload)
	s.finish(ctx, provider, notif.EventType, domain.OutcomeConfirmed, started, true)
	return &domain.IngestResult{EventType: notif.EventType, Outcome: domain.OutcomeConfirmed}, nil
}

func (s *Ingestor) audit(ctx context.Context, provider, eventType string, notif *gatewaydomain.Notification, status, message string, payload []byte) {
	entry := &weblogdomain.Entry{
		Provider:     provider,
		EventType:    eventType,
		Status:       status,
		ErrorMessage: message,
		Payload:      payloadOrEmpty(payload),
	}
	if notif != nil {
		entry.OrderID = notif.OrderID
		entry.TransactionID = notif.TransactionID
		entry.Amount = notif.Amount
		entry.Currency = notif.Currency
	}
	_ = s.weblog.Record(ctx, entry)
}

func (s *Ingestor) finish(ctx context.Context, provider, eventType, status string, started time.Time, success bool) {
	s.collector.RecordWebhookProcessing(provider, success, s.clk.Now().Sub(started))
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookIngested(ctx, provider, eventType, status)
	}
}
