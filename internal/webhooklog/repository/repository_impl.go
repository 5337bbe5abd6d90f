package repository

import (
	"context"

	"github.com/phochat/payments/internal/webhooklog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_logs (
			id, provider, event_type, order_id, transaction_id, amount,
			currency, status, error_message, payload, received_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Provider,
		entry.EventType,
		entry.OrderID,
		entry.TransactionID,
		entry.Amount,
		entry.Currency,
		entry.Status,
		entry.ErrorMessage,
		entry.Payload,
		entry.ReceivedAt,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]domain.Entry, error) {
	var items []domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_type, order_id, transaction_id, amount,
			currency, status, error_message, payload, received_at, created_at
		 FROM webhook_logs
		 WHERE order_id = ?
		 ORDER BY received_at ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
