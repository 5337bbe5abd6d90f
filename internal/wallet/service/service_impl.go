package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/phochat/payments/internal/clock"
	obsmetrics "github.com/phochat/payments/internal/observability/metrics"
	orderdomain "github.com/phochat/payments/internal/order/domain"
	"github.com/phochat/payments/internal/plan"
	subdomain "github.com/phochat/payments/internal/subscription/domain"
	"github.com/phochat/payments/internal/wallet/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	statusCacheKeyPrefix = "phopay:wallet:status:"
	statusCacheTTL       = 30 * time.Second
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	SubRepo    subdomain.Repository
	Redis      *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clk        clock.Clock
	repo       domain.Repository
	subRepo    subdomain.Repository
	redis      *redis.Client
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("wallet.service"),
		genID:      p.GenID,
		clk:        p.Clock,
		repo:       p.Repo,
		subRepo:    p.SubRepo,
		redis:      p.Redis,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ApplyConfirmedPayment(ctx context.Context, tx *gorm.DB, order *orderdomain.PaymentOrder) error {
	if order == nil || strings.TrimSpace(order.UserID) == "" {
		return orderdomain.ErrInvalidOrder
	}

	now := s.clk.Now().UTC()
	periodStart := now
	periodEnd := periodEnd(periodStart, order.BillingCycle)

	sub := &subdomain.Subscription{
		ID:                 s.genID.Generate(),
		UserID:             order.UserID,
		PlanID:             order.PlanID,
		BillingCycle:       order.BillingCycle,
		Status:             subdomain.StatusActive,
		Provider:           order.Provider,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.subRepo.Upsert(ctx, tx, sub); err != nil {
		return err
	}

	if err := s.grant(ctx, tx, order.UserID, order.PlanID, now); err != nil {
		return err
	}

	s.invalidateStatus(ctx, order.UserID)
	return nil
}

func (s *Service) SyncSubscription(ctx context.Context, update *domain.SubscriptionUpdate) error {
	if update == nil || strings.TrimSpace(update.UserID) == "" {
		return subdomain.ErrInvalidSubscription
	}

	now := s.clk.Now().UTC()
	periodStart := update.PeriodStart
	if periodStart.IsZero() {
		periodStart = now
	}
	end := update.PeriodEnd
	if end.IsZero() {
		end = periodEnd(periodStart, update.BillingCycle)
	}

	sub := &subdomain.Subscription{
		ID:                 s.genID.Generate(),
		UserID:             update.UserID,
		PlanID:             strings.ToLower(strings.TrimSpace(update.PlanID)),
		BillingCycle:       cycleOrMonthly(update.BillingCycle),
		Status:             subdomain.StatusActive,
		Provider:           strings.ToLower(strings.TrimSpace(update.Provider)),
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   end,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.subRepo.Upsert(ctx, s.db, sub); err != nil {
		return err
	}

	if err := s.grant(ctx, s.db, update.UserID, update.PlanID, now); err != nil {
		return err
	}

	s.invalidateStatus(ctx, update.UserID)
	return nil
}

// grant sets the wallet to the plan's point allowance. Set, don't add:
// replayed deliveries converge on the same balance.
func (s *Service) grant(ctx context.Context, db *gorm.DB, userID string, planID string, at time.Time) error {
	tierCode, recognized := plan.MapPlanIDToTierCode(planID)
	if !recognized {
		s.log.Warn("unrecognized plan, defaulting to free tier",
			zap.String("user_id", userID),
			zap.String("plan_id", planID),
		)
	}
	points := plan.PointsFor(planID)

	if err := s.repo.UpsertGrant(ctx, db, userID, points, tierCode, at); err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordWalletSync(ctx, tierCode)
	}
	s.log.Info("wallet grant applied",
		zap.String("user_id", userID),
		zap.String("plan_id", planID),
		zap.String("tier_code", tierCode),
		zap.Int64("balance", points),
	)
	return nil
}

func (s *Service) SyncTier(ctx context.Context, userID string, planID string) error {
	tierCode, recognized := plan.MapPlanIDToTierCode(planID)
	if !recognized {
		s.log.Warn("unrecognized plan, defaulting to free tier",
			zap.String("user_id", userID),
			zap.String("plan_id", planID),
		)
	}

	now := s.clk.Now().UTC()
	updated, err := s.repo.UpdateTier(ctx, s.db, userID, tierCode, now)
	if err != nil {
		return err
	}
	if !updated {
		if _, err := s.repo.ProvisionFree(ctx, s.db, userID, now); err != nil {
			return err
		}
		if _, err := s.repo.UpdateTier(ctx, s.db, userID, tierCode, now); err != nil {
			return err
		}
	}

	s.invalidateStatus(ctx, userID)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWalletSync(ctx, tierCode)
	}
	return nil
}

func (s *Service) Downgrade(ctx context.Context, userID string) error {
	now := s.clk.Now().UTC()
	if _, err := s.subRepo.Cancel(ctx, s.db, userID, now); err != nil {
		return err
	}
	if err := s.repo.UpsertGrant(ctx, s.db, userID, plan.PointsFor("vn_free"), plan.TierFree, now); err != nil {
		return err
	}

	s.invalidateStatus(ctx, userID)
	s.log.Info("wallet downgraded to free tier", zap.String("user_id", userID))
	return nil
}

func (s *Service) Status(ctx context.Context, userID string) (*domain.Status, error) {
	if cached := s.cachedStatus(ctx, userID); cached != nil {
		return cached, nil
	}

	wallet, err := s.repo.Find(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	if wallet == nil {
		now := s.clk.Now().UTC()
		created, err := s.repo.ProvisionFree(ctx, s.db, userID, now)
		if err != nil {
			return nil, err
		}
		if created {
			s.log.Info("wallet auto-provisioned with free tier", zap.String("user_id", userID))
			status := &domain.Status{
				Balance:      0,
				Tier:         plan.TierFree,
				CanUseStudio: false,
				AutoCreated:  true,
			}
			s.cacheStatus(ctx, userID, status)
			return status, nil
		}
		// Lost a provision race; the row exists now.
		wallet, err = s.repo.Find(ctx, s.db, userID)
		if err != nil {
			return nil, err
		}
		if wallet == nil {
			return nil, domain.ErrWalletNotFound
		}
	}

	status := &domain.Status{
		Balance:      wallet.Balance,
		Tier:         wallet.TierCode,
		CanUseStudio: plan.CanUseStudio(wallet.TierCode),
	}
	s.cacheStatus(ctx, userID, status)
	return status, nil
}

func (s *Service) cachedStatus(ctx context.Context, userID string) *domain.Status {
	if s.redis == nil {
		return nil
	}
	raw, err := s.redis.Get(ctx, statusCacheKeyPrefix+userID).Bytes()
	if err != nil {
		return nil
	}
	var status domain.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil
	}
	return &status
}

func (s *Service) cacheStatus(ctx context.Context, userID string, status *domain.Status) {
	if s.redis == nil || status == nil {
		return
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	_ = s.redis.Set(ctx, statusCacheKeyPrefix+userID, raw, statusCacheTTL).Err()
}

func (s *Service) invalidateStatus(ctx context.Context, userID string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Del(ctx, statusCacheKeyPrefix+userID).Err()
}

func periodEnd(start time.Time, cycle string) time.Time {
	switch strings.ToLower(strings.TrimSpace(cycle)) {
	case "yearly":
		return start.Add(365 * 24 * time.Hour)
	case "lifetime":
		return start.AddDate(100, 0, 0)
	default:
		return start.Add(30 * 24 * time.Hour)
	}
}

func cycleOrMonthly(cycle string) string {
	cycle = strings.ToLower(strings.TrimSpace(cycle))
	if cycle == "" {
		return "monthly"
	}
	return cycle
}
