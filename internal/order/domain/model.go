package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Order statuses. Orders only move forward: pending is the sole state a
// confirmation can win from, and rows are never deleted.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// PaymentOrder tracks one checkout from creation to settlement.
type PaymentOrder struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrderID          string         `json:"order_id" gorm:"type:text;not null;uniqueIndex"`
	UserID           string         `json:"user_id" gorm:"type:text;not null;index"`
	PlanID           string         `json:"plan_id" gorm:"type:text;not null"`
	BillingCycle     string         `json:"billing_cycle" gorm:"type:text;not null"`
	Provider         string         `json:"provider" gorm:"type:text;not null"`
	ExpectedAmount   int64          `json:"expected_amount" gorm:"not null"`
	Currency         string         `json:"currency" gorm:"type:text;not null"`
	Status           string         `json:"status" gorm:"type:text;not null"`
	TransactionID    string         `json:"transaction_id" gorm:"type:text"`
	MaskedCardNumber string         `json:"masked_card_number" gorm:"type:text"`
	RawWebhook       datatypes.JSON `json:"raw_webhook" gorm:"type:jsonb"`
	ConfirmedAt      *time.Time     `json:"confirmed_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (PaymentOrder) TableName() string { return "payment_orders" }

// ConfirmUpdate carries the settlement fields written when an order is
// confirmed.
type ConfirmUpdate struct {
	TransactionID    string
	MaskedCardNumber string
	RawWebhook       []byte
	ConfirmedAt      time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *PaymentOrder) (bool, error)
	FindByOrderID(ctx context.Context, db *gorm.DB, orderID string) (*PaymentOrder, error)

	// ConfirmPending flips a pending order to confirmed in a single
	// statement. The rows-affected result is the serialization point: at
	// most one caller ever sees true for a given order.
	ConfirmPending(ctx context.Context, db *gorm.DB, orderID string, update ConfirmUpdate) (bool, error)

	MarkFailed(ctx context.Context, db *gorm.DB, orderID string, transactionID string, rawWebhook []byte, at time.Time) (bool, error)
	MarkExpiredBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, at time.Time) (int64, error)
	AttachSession(ctx context.Context, db *gorm.DB, orderID string, sessionID string, at time.Time) error
	FindPendingCreatedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]PaymentOrder, error)
}

// CreateOrderRequest is the checkout-side input for a new order row.
type CreateOrderRequest struct {
	UserID        string
	PlanID        string
	BillingCycle  string
	Provider      string
	Amount        int64
	Currency      string
	CustomerEmail string
}

type Service interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*PaymentOrder, error)
	GetByOrderID(ctx context.Context, orderID string) (*PaymentOrder, error)
	AttachSession(ctx context.Context, orderID string, sessionID string) error
}
