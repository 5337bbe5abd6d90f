package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/webhooklog/domain"
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
		log:   p.Log.Named("webhooklog.service"),
		genID: p.GenID,
		clk:   p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, entry *domain.Entry) error {
	if entry == nil {
		return nil
	}
	s.prepare(entry)

	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		s.log.Error("webhook log write failed",
			zap.String("provider", entry.Provider),
			zap.String("order_id", entry.OrderID),
			zap.String("status", entry.Status),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// RecordTx writes the log row on the caller's transaction so the row commits
// or rolls back together with the payment mutation.
func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, entry *domain.Entry) error {
	if entry == nil {
		return nil
	}
	s.prepare(entry)
	return s.repo.Insert(ctx, tx, entry)
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]domain.Entry, error) {
	return s.repo.ListByOrder(ctx, s.db, orderID)
}

func (s *Service) prepare(entry *domain.Entry) {
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	entry.Provider = strings.ToLower(strings.TrimSpace(entry.Provider))
	if entry.Status == "" {
		entry.Status = domain.StatusReceived
	}
	now := s.clk.Now().UTC()
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
}
