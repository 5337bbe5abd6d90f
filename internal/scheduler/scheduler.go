package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	obsmetrics "github.com/phochat/payments/internal/observability/metrics"
	orderdomain "github.com/phochat/payments/internal/order/domain"
	reconciledomain "github.com/phochat/payments/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Holder     *config.ReconcileConfigHolder
	OrderRepo  orderdomain.Repository
	Engine     reconciledomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Scheduler is the safety net behind webhooks: it polls providers for
// orders that stayed pending past the webhook window and expires orders
// nobody ever paid.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	clk        clock.Clock
	holder     *config.ReconcileConfigHolder
	orderRepo  orderdomain.Repository
	engine     reconciledomain.Service
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Holder == nil || p.OrderRepo == nil || p.Engine == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler"),
		clk:        p.Clock,
		holder:     p.Holder,
		orderRepo:  p.OrderRepo,
		engine:     p.Engine,
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	// Expiry first so the poll sweep never wastes gateway calls on
	// orders past their TTL.
	return errors.Join(
		s.ExpireOrdersJob(ctx),
		s.PollPendingJob(ctx),
	)
}

// PollPendingJob queries providers for orders pending longer than the
// webhook window and routes paid answers through the engine.
func (s *Scheduler) PollPendingJob(ctx context.Context) error {
	cfg := s.holder.Current()
	now := s.clk.Now().UTC()
	cutoff := now.Add(-cfg.WebhookWindow)

	orders, err := s.orderRepo.FindPendingCreatedBefore(ctx, s.db, cutoff, cfg.PollBatchSize)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	var errs error
	for i := range orders {
		order := &orders[i]
		result, err := s.engine.VerifyOrder(ctx, order.OrderID, reconciledomain.OriginPoll)
		if err != nil {
			s.recordSweep(ctx, order.Provider, "error")
			s.log.Warn("poll verification failed",
				zap.String("provider", order.Provider),
				zap.String("order_id", order.OrderID),
				zap.Error(err))
			errs = errors.Join(errs, err)
			continue
		}
		s.recordSweep(ctx, order.Provider, result.Outcome)
		if result.Outcome == reconciledomain.OutcomeConfirmed {
			s.log.Info("pending order settled via poll",
				zap.String("provider", order.Provider),
				zap.String("order_id", order.OrderID))
		}
	}
	return errs
}

// ExpireOrdersJob moves orders past their TTL to the expired status so
// late deliveries land in the ignored path.
func (s *Scheduler) ExpireOrdersJob(ctx context.Context) error {
	cfg := s.holder.Current()
	now := s.clk.Now().UTC()

	expired, err := s.orderRepo.MarkExpiredBefore(ctx, s.db, now.Add(-cfg.OrderTTL), now)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("expired stale orders", zap.Int64("count", expired))
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.holder.Current().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) recordSweep(ctx context.Context, provider, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordPollSweep(ctx, provider, outcome)
	}
}
