package repository

import (
	"context"
	"time"

	"github.com/phochat/payments/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, plan_id, billing_cycle, status, provider,
			current_period_start, current_period_end, canceled_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			billing_cycle = excluded.billing_cycle,
			status = excluded.status,
			provider = excluded.provider,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			canceled_at = excluded.canceled_at,
			updated_at = excluded.updated_at`,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.BillingCycle,
		sub.Status,
		sub.Provider,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CanceledAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) FindByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan_id, billing_cycle, status, provider,
			current_period_start, current_period_end, canceled_at,
			created_at, updated_at
		 FROM subscriptions
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Cancel(ctx context.Context, db *gorm.DB, userID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, canceled_at = ?, updated_at = ?
		 WHERE user_id = ? AND status <> ?`,
		domain.StatusCanceled,
		at,
		at,
		userID,
		domain.StatusCanceled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
