package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clk   clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("order.service"),
		genID: p.GenID,
		clk:   p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CreateOrder(ctx context.Context, req *domain.CreateOrderRequest) (*domain.PaymentOrder, error) {
	if req == nil || strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.PlanID) == "" {
		return nil, domain.ErrInvalidOrder
	}
	if req.Amount < 0 {
		return nil, domain.ErrInvalidOrder
	}

	now := s.clk.Now().UTC()
	order := &domain.PaymentOrder{
		ID:             s.genID.Generate(),
		OrderID:        s.newOrderID(),
		UserID:         strings.TrimSpace(req.UserID),
		PlanID:         strings.ToLower(strings.TrimSpace(req.PlanID)),
		BillingCycle:   normalizeCycle(req.BillingCycle),
		Provider:       strings.ToLower(strings.TrimSpace(req.Provider)),
		ExpectedAmount: req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, order)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, domain.ErrDuplicateOrder
	}

	s.log.Info("payment order created",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.UserID),
		zap.String("plan_id", order.PlanID),
		zap.String("provider", order.Provider),
		zap.Int64("expected_amount", order.ExpectedAmount),
	)
	return order, nil
}

func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*domain.PaymentOrder, error) {
	order, err := s.repo.FindByOrderID(ctx, s.db, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) AttachSession(ctx context.Context, orderID string, sessionID string) error {
	return s.repo.AttachSession(ctx, s.db, strings.TrimSpace(orderID), strings.TrimSpace(sessionID), s.clk.Now().UTC())
}

// newOrderID builds a caller-generated order reference: a PHO_ prefix, the
// creation timestamp, and the entropy tail of a ULID.
func (s *Service) newOrderID() string {
	now := s.clk.Now()
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	return fmt.Sprintf("PHO_%d_%s", now.UnixMilli(), id.String()[10:])
}

func normalizeCycle(cycle string) string {
	switch strings.ToLower(strings.TrimSpace(cycle)) {
	case "yearly", "annual":
		return "yearly"
	case "lifetime":
		return "lifetime"
	default:
		return "monthly"
	}
}
