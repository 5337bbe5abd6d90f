package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
)

// Subscription is the single active plan row per user. Upserts are keyed by
// user so a renewal or plan change replaces the previous row in place.
type Subscription struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID             string       `json:"user_id" gorm:"type:text;not null;uniqueIndex"`
	PlanID             string       `json:"plan_id" gorm:"type:text;not null"`
	BillingCycle       string       `json:"billing_cycle" gorm:"type:text;not null"`
	Status             string       `json:"status" gorm:"type:text;not null"`
	Provider           string       `json:"provider" gorm:"type:text;not null"`
	CurrentPeriodStart time.Time    `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd   time.Time    `json:"current_period_end" gorm:"not null"`
	CanceledAt         *time.Time   `json:"canceled_at"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByUser(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	Cancel(ctx context.Context, db *gorm.DB, userID string, at time.Time) (bool, error)
}
