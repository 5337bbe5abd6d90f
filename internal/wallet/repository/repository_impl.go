package repository

import (
	"context"
	"time"

	"github.com/phochat/payments/internal/wallet/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID string) (*domain.Wallet, error) {
	var item domain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, balance, tier_code, created_at, updated_at
		 FROM wallets
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.UserID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpsertGrant(ctx context.Context, db *gorm.DB, userID string, balance int64, tierCode string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO wallets (user_id, balance, tier_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			balance = excluded.balance,
			tier_code = excluded.tier_code,
			updated_at = excluded.updated_at`,
		userID,
		balance,
		tierCode,
		at,
		at,
	).Error
}

func (r *repo) ProvisionFree(ctx context.Context, db *gorm.DB, userID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO wallets (user_id, balance, tier_code, created_at, updated_at)
		 VALUES (?, 0, 'free', ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		at,
		at,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateTier(ctx context.Context, db *gorm.DB, userID string, tierCode string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE wallets
		 SET tier_code = ?, updated_at = ?
		 WHERE user_id = ?`,
		tierCode,
		at,
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
