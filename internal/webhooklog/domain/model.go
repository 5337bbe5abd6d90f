package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Delivery statuses. Exactly one row is written per physical delivery.
const (
	StatusReceived = "received"
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusIgnored  = "ignored"
)

// Entry is the audit record of one webhook delivery.
type Entry struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider      string         `json:"provider" gorm:"type:text;not null"`
	EventType     string         `json:"event_type" gorm:"type:text;not null"`
	OrderID       string         `json:"order_id" gorm:"type:text;index"`
	TransactionID string         `json:"transaction_id" gorm:"type:text"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency" gorm:"type:text"`
	Status        string         `json:"status" gorm:"type:text;not null"`
	ErrorMessage  string         `json:"error_message" gorm:"type:text"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt    time.Time      `json:"received_at" gorm:"not null"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (Entry) TableName() string { return "webhook_logs" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	ListByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]Entry, error)
}

type Service interface {
	// Record writes one log row. It is a best-effort side channel: callers
	// MAY ignore the returned error, a failed write never blocks payment
	// processing.
	Record(ctx context.Context, entry *Entry) error

	// RecordTx writes the log row on the caller's transaction so it commits
	// or rolls back together with the payment mutation.
	RecordTx(ctx context.Context, tx *gorm.DB, entry *Entry) error

	// ListByOrder returns the delivery history for one order, oldest
	// first.
	ListByOrder(ctx context.Context, orderID string) ([]Entry, error)
}
