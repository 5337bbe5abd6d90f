package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Wallet holds a user's point balance and tier. Grants SET the balance to
// the plan's monthly allowance; nothing in the payment path increments it.
type Wallet struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;type:text"`
	Balance   int64     `json:"balance" gorm:"not null"`
	TierCode  string    `json:"tier_code" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// Status is the wallet view served to internal callers.
type Status struct {
	Balance      int64  `json:"balance"`
	Tier         string `json:"tier"`
	CanUseStudio bool   `json:"can_use_studio"`
	AutoCreated  bool   `json:"_auto_created,omitempty"`
}

var ErrWalletNotFound = errors.New("wallet not found")

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, userID string) (*Wallet, error)

	// UpsertGrant sets balance and tier in one statement; replaying it
	// with the same values is a no-op in effect.
	UpsertGrant(ctx context.Context, db *gorm.DB, userID string, balance int64, tierCode string, at time.Time) error

	// ProvisionFree inserts a zero-balance free wallet unless one exists.
	ProvisionFree(ctx context.Context, db *gorm.DB, userID string, at time.Time) (bool, error)

	UpdateTier(ctx context.Context, db *gorm.DB, userID string, tierCode string, at time.Time) (bool, error)
}
