package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"github.com/phochat/payments/internal/gateway/adapters"
	gatewaydomain "github.com/phochat/payments/internal/gateway/domain"
	obsmetrics "github.com/phochat/payments/internal/observability/metrics"
	orderdomain "github.com/phochat/payments/internal/order/domain"
	"github.com/phochat/payments/internal/paymentmetrics"
	"github.com/phochat/payments/internal/reconcile/domain"
	walletdomain "github.com/phochat/payments/internal/wallet/domain"
	weblogdomain "github.com/phochat/payments/internal/webhooklog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Holder     *config.ReconcileConfigHolder
	OrderRepo  orderdomain.Repository
	WalletSvc  walletdomain.Service
	WebhookLog weblogdomain.Service
	Registry   *adapters.Registry
	Collector  *paymentmetrics.Collector
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clk        clock.Clock
	holder     *config.ReconcileConfigHolder
	orderRepo  orderdomain.Repository
	walletSvc  walletdomain.Service
	weblog     weblogdomain.Service
	registry   *adapters.Registry
	collector  *paymentmetrics.Collector
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconcile.service"),
		genID:      p.GenID,
		clk:        p.Clock,
		holder:     p.Holder,
		orderRepo:  p.OrderRepo,
		walletSvc:  p.WalletSvc,
		weblog:     p.WebhookLog,
		registry:   p.Registry,
		collector:  p.Collector,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Process(ctx context.Context, signal *domain.Signal) (*domain.Result, error) {
	if signal == nil || strings.TrimSpace(signal.OrderID) == "" {
		return nil, domain.ErrUnknownOrder
	}

	order, err := s.orderRepo.FindByOrderID(ctx, s.db, signal.OrderID)
	if err != nil {
		s.recordError(signal.Provider, "order_lookup")
		return nil, err
	}
	if order == nil {
		s.logDelivery(ctx, signal, weblogdomain.StatusIgnored, "order not found")
		s.recordOutcome(ctx, signal, domain.OutcomeIgnored)
		s.log.Warn("signal for unknown order",
			zap.String("provider", signal.Provider),
			zap.String("order_id", signal.OrderID),
			zap.String("origin", signal.Origin))
		return &domain.Result{Outcome: domain.OutcomeIgnored, OrderID: signal.OrderID, Reason: "order not found"}, nil
	}

	switch signal.EventType {
	case gatewaydomain.EventTypePaymentFailed:
		return s.processFailed(ctx, signal, order)
	case gatewaydomain.EventTypePaymentPending:
		s.logDelivery(ctx, signal, weblogdomain.StatusReceived, "")
		s.recordOutcome(ctx, signal, domain.OutcomePending)
		return &domain.Result{Outcome: domain.OutcomePending, OrderID: order.OrderID}, nil
	}

	if order.Status != orderdomain.StatusPending {
		reason := "order already " + order.Status
		s.logDelivery(ctx, signal, weblogdomain.StatusIgnored, reason)
		outcome := domain.OutcomeIgnored
		if order.Status == orderdomain.StatusConfirmed {
			outcome = domain.OutcomeDuplicate
		}
		s.recordOutcome(ctx, signal, outcome)
		return &domain.Result{Outcome: outcome, OrderID: order.OrderID, Reason: reason}, nil
	}

	if signal.ObservedAmount > 0 {
		tolerance := s.holder.Current().Tolerance(signal.Provider)
		delta := signal.ObservedAmount - order.ExpectedAmount
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			reason := fmt.Sprintf("amount %d outside tolerance of expected %d", signal.ObservedAmount, order.ExpectedAmount)
			s.logDelivery(ctx, signal, weblogdomain.StatusError, reason)
			s.recordError(signal.Provider, "amount_mismatch")
			s.recordOutcome(ctx, signal, domain.OutcomeMismatch)
			s.log.Warn("amount mismatch",
				zap.String("order_id", order.OrderID),
				zap.Int64("expected", order.ExpectedAmount),
				zap.Int64("observed", signal.ObservedAmount))
			return &domain.Result{Outcome: domain.OutcomeMismatch, OrderID: order.OrderID, Reason: reason}, nil
		}
	}

	return s.confirm(ctx, signal, order)
}

// confirm flips the order and credits the wallet in one transaction. The
// status CAS inside decides the winner when deliveries race; everyone
// else takes the duplicate path.
func (s *Service) confirm(ctx context.Context, signal *domain.Signal, order *orderdomain.PaymentOrder) (*domain.Result, error) {
	now := s.clk.Now().UTC()
	update := orderdomain.ConfirmUpdate{
		TransactionID:    signal.TransactionID,
		MaskedCardNumber: signal.MaskedCardNumber,
		RawWebhook:       payloadOrEmpty(signal.RawPayload),
		ConfirmedAt:      now,
	}

	operation := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			updated, err := s.orderRepo.ConfirmPending(ctx, tx, order.OrderID, update)
			if err != nil {
				return err
			}
			if !updated {
				return backoff.Permanent(domain.ErrDuplicateDelivery)
			}

			confirmed := *order
			confirmed.Status = orderdomain.StatusConfirmed
			confirmed.TransactionID = update.TransactionID
			confirmed.ConfirmedAt = &now
			if err := s.walletSvc.ApplyConfirmedPayment(ctx, tx, &confirmed); err != nil {
				return err
			}

			return s.weblog.RecordTx(ctx, tx, s.newEntry(signal, weblogdomain.StatusSuccess, ""))
		})
	}

	cfg := s.holder.Current()
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(cfg.ConfirmBackoffBase)),
		uint64(cfg.ConfirmMaxRetries),
	), ctx)

	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(err, domain.ErrDuplicateDelivery) {
			s.logDelivery(ctx, signal, weblogdomain.StatusIgnored, "lost confirmation race")
			s.recordOutcome(ctx, signal, domain.OutcomeDuplicate)
			return &domain.Result{Outcome: domain.OutcomeDuplicate, OrderID: order.OrderID, Reason: "already confirmed"}, nil
		}
		s.logDelivery(ctx, signal, weblogdomain.StatusError, err.Error())
		s.recordError(signal.Provider, "ledger_write")
		s.log.Error("confirmation transaction failed",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrLedgerWriteFailure, err)
	}

	latency := now.Sub(order.CreatedAt)
	s.collector.RecordPaymentDetection(signal.Provider, latency)
	s.recordOutcome(ctx, signal, domain.OutcomeConfirmed)
	s.log.Info("payment confirmed",
		zap.String("provider", signal.Provider),
		zap.String("order_id", order.OrderID),
		zap.String("transaction_id", signal.TransactionID),
		zap.String("origin", signal.Origin),
		zap.Int64("amount", order.ExpectedAmount),
		zap.Duration("detection_latency", latency))
	return &domain.Result{Outcome: domain.OutcomeConfirmed, OrderID: order.OrderID}, nil
}

func (s *Service) processFailed(ctx context.Context, signal *domain.Signal, order *orderdomain.PaymentOrder) (*domain.Result, error) {
	marked, err := s.orderRepo.MarkFailed(ctx, s.db, order.OrderID, signal.TransactionID, payloadOrEmpty(signal.RawPayload), s.clk.Now().UTC())
	if err != nil {
		s.recordError(signal.Provider, "mark_failed")
		return nil, err
	}
	if !marked {
		reason := "order no longer pending"
		s.logDelivery(ctx, signal, weblogdomain.StatusIgnored, reason)
		s.recordOutcome(ctx, signal, domain.OutcomeIgnored)
		return &domain.Result{Outcome: domain.OutcomeIgnored, OrderID: order.OrderID, Reason: reason}, nil
	}
	s.logDelivery(ctx, signal, weblogdomain.StatusError, "provider reported failure")
	s.recordOutcome(ctx, signal, domain.OutcomeFailed)
	s.log.Info("payment failed",
		zap.String("provider", signal.Provider),
		zap.String("order_id", order.OrderID))
	return &domain.Result{Outcome: domain.OutcomeFailed, OrderID: order.OrderID}, nil
}

func (s *Service) VerifyOrder(ctx context.Context, orderID string, origin string) (*domain.Result, error) {
	order, err := s.orderRepo.FindByOrderID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrUnknownOrder
	}
	if order.Status != orderdomain.StatusPending {
		outcome := domain.OutcomeIgnored
		if order.Status == orderdomain.StatusConfirmed {
			outcome = domain.OutcomeDuplicate
		}
		return &domain.Result{Outcome: outcome, OrderID: order.OrderID, Reason: "order already " + order.Status}, nil
	}

	client, err := s.registry.Client(order.Provider)
	if err != nil {
		return nil, err
	}
	status, err := client.QueryStatus(ctx, gatewaydomain.StatusQuery{
		OrderID:   order.OrderID,
		SessionID: order.TransactionID,
	})
	if err != nil {
		s.recordError(order.Provider, "status_query")
		return nil, err
	}
	if !status.Paid {
		return &domain.Result{Outcome: domain.OutcomePending, OrderID: order.OrderID, Reason: status.Status}, nil
	}

	return s.Process(ctx, &domain.Signal{
		Provider:       order.Provider,
		OrderID:        order.OrderID,
		TransactionID:  status.TransactionID,
		EventType:      gatewaydomain.EventTypePaymentSucceeded,
		ObservedAmount: status.Amount,
		Currency:       status.Currency,
		Origin:         origin,
		OccurredAt:     s.clk.Now().UTC(),
	})
}

func (s *Service) newEntry(signal *domain.Signal, status, message string) *weblogdomain.Entry {
	return &weblogdomain.Entry{
		Provider:      signal.Provider,
		EventType:     signal.EventType,
		OrderID:       signal.OrderID,
		TransactionID: signal.TransactionID,
		Amount:        signal.ObservedAmount,
		Currency:      signal.Currency,
		Status:        status,
		ErrorMessage:  message,
		Payload:       payloadOrEmpty(signal.RawPayload),
	}
}

func (s *Service) logDelivery(ctx context.Context, signal *domain.Signal, status, message string) {
	// Failure to audit never blocks reconciliation.
	_ = s.weblog.Record(ctx, s.newEntry(signal, status, message))
}

func (s *Service) recordOutcome(ctx context.Context, signal *domain.Signal, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordReconcileOutcome(ctx, signal.Provider, signal.Origin, outcome)
	}
}

func (s *Service) recordError(provider, kind string) {
	s.collector.RecordError(provider, kind)
}

func payloadOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
