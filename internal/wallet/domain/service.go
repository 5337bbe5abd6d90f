package domain

import (
	"context"
	"time"

	orderdomain "github.com/phochat/payments/internal/order/domain"
	"gorm.io/gorm"
)

// SubscriptionUpdate carries provider-side subscription state for users whose
// plan changed without a tracked order (hosted-checkout renewals and plan
// switches).
type SubscriptionUpdate struct {
	UserID       string
	PlanID       string
	Provider     string
	BillingCycle string
	PeriodStart  time.Time
	PeriodEnd    time.Time
}

type Service interface {
	// ApplyConfirmedPayment runs inside the reconciliation transaction: it
	// upserts the subscription row and sets the wallet balance to the
	// plan's grant. Replaying it for the same order is a no-op in effect.
	ApplyConfirmedPayment(ctx context.Context, tx *gorm.DB, order *orderdomain.PaymentOrder) error

	// SyncSubscription applies a provider subscription event that carries
	// no order: upsert the row, set the tier, set the balance.
	SyncSubscription(ctx context.Context, update *SubscriptionUpdate) error

	// SyncTier aligns the wallet tier with a plan without touching balance.
	SyncTier(ctx context.Context, userID string, planID string) error

	// Downgrade cancels the subscription and drops the wallet to the free
	// grant.
	Downgrade(ctx context.Context, userID string) error

	// Status returns balance, tier, and studio eligibility, provisioning a
	// free wallet for users who never had one.
	Status(ctx context.Context, userID string) (*Status, error)
}
