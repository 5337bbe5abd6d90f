package repository

import (
	"context"
	"time"

	"github.com/phochat/payments/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.PaymentOrder) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_orders (
			id, order_id, user_id, plan_id, billing_cycle, provider,
			expected_amount, currency, status, transaction_id,
			masked_card_number, raw_webhook, confirmed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`,
		order.ID,
		order.OrderID,
		order.UserID,
		order.PlanID,
		order.BillingCycle,
		order.Provider,
		order.ExpectedAmount,
		order.Currency,
		order.Status,
		order.TransactionID,
		order.MaskedCardNumber,
		order.RawWebhook,
		order.ConfirmedAt,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByOrderID(ctx context.Context, db *gorm.DB, orderID string) (*domain.PaymentOrder, error) {
	var item domain.PaymentOrder
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, user_id, plan_id, billing_cycle, provider,
			expected_amount, currency, status, transaction_id,
			masked_card_number, raw_webhook, confirmed_at, created_at, updated_at
		 FROM payment_orders
		 WHERE order_id = ?
		 LIMIT 1`,
		orderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ConfirmPending(ctx context.Context, db *gorm.DB, orderID string, update domain.ConfirmUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET status = ?,
			transaction_id = ?,
			masked_card_number = CASE WHEN ? <> '' THEN ? ELSE masked_card_number END,
			raw_webhook = ?,
			confirmed_at = ?,
			updated_at = ?
		 WHERE order_id = ? AND status = ?`,
		domain.StatusConfirmed,
		update.TransactionID,
		update.MaskedCardNumber,
		update.MaskedCardNumber,
		update.RawWebhook,
		update.ConfirmedAt,
		update.ConfirmedAt,
		orderID,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, orderID string, transactionID string, rawWebhook []byte, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET status = ?, transaction_id = ?, raw_webhook = ?, updated_at = ?
		 WHERE order_id = ? AND status = ?`,
		domain.StatusFailed,
		transactionID,
		rawWebhook,
		at,
		orderID,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkExpiredBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET status = ?, updated_at = ?
		 WHERE status = ? AND created_at < ?`,
		domain.StatusExpired,
		at,
		domain.StatusPending,
		cutoff,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) AttachSession(ctx context.Context, db *gorm.DB, orderID string, sessionID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET transaction_id = ?, updated_at = ?
		 WHERE order_id = ? AND status = ?`,
		sessionID,
		at,
		orderID,
		domain.StatusPending,
	).Error
}

func (r *repo) FindPendingCreatedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.PaymentOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.PaymentOrder
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, user_id, plan_id, billing_cycle, provider,
			expected_amount, currency, status, transaction_id,
			masked_card_number, raw_webhook, confirmed_at, created_at, updated_at
		 FROM payment_orders
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		domain.StatusPending,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
