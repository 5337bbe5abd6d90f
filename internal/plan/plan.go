// Package plan is the billing catalog: plan codes, their point grants,
// and the mapping from plan codes to wallet tiers.
package plan

import "strings"

// Tier codes stored on wallets.
const (
	TierFree           = "free"
	TierVNBasic        = "vn_basic"
	TierVNCreator      = "vn_creator"
	TierVNPro          = "vn_pro"
	TierGlobalStandard = "global_standard"
)

// Billing cycles accepted at checkout.
const (
	CycleMonthly  = "monthly"
	CycleYearly   = "yearly"
	CycleLifetime = "lifetime"
)

// Plan describes a purchasable plan. Price is in minor units of Currency
// (VND has no minor unit, USD is cents).
type Plan struct {
	Code          string
	TierCode      string
	MonthlyPoints int64
	Price         int64
	PriceYearly   int64
	Currency      string
}

var catalog = map[string]Plan{
	"vn_free":     {Code: "vn_free", TierCode: TierFree, MonthlyPoints: 50_000, Price: 0, Currency: "VND"},
	"vn_basic":    {Code: "vn_basic", TierCode: TierVNBasic, MonthlyPoints: 300_000, Price: 69_000, PriceYearly: 690_000, Currency: "VND"},
	"vn_creator":  {Code: "vn_creator", TierCode: TierVNCreator, MonthlyPoints: 500_000, Price: 199_000, PriceYearly: 1_990_000, Currency: "VND"},
	"vn_pro":      {Code: "vn_pro", TierCode: TierVNPro, MonthlyPoints: 2_000_000, Price: 499_000, PriceYearly: 4_990_000, Currency: "VND"},
	"vn_ultimate": {Code: "vn_ultimate", TierCode: TierVNPro, MonthlyPoints: 5_000_000, Price: 999_000, Currency: "VND"},

	"gl_starter":  {Code: "gl_starter", TierCode: TierFree, MonthlyPoints: 50_000, Price: 0, Currency: "USD"},
	"gl_standard": {Code: "gl_standard", TierCode: TierGlobalStandard, MonthlyPoints: 300_000, Price: 999, PriceYearly: 9_999, Currency: "USD"},
	"gl_premium":  {Code: "gl_premium", TierCode: TierGlobalStandard, MonthlyPoints: 2_000_000, Price: 1_999, PriceYearly: 19_999, Currency: "USD"},
	"gl_lifetime": {Code: "gl_lifetime", TierCode: TierGlobalStandard, MonthlyPoints: 2_000_000, Price: 14_999, Currency: "USD"},
}

// Lookup returns the catalog entry for a plan code.
func Lookup(code string) (Plan, bool) {
	p, ok := catalog[strings.ToLower(strings.TrimSpace(code))]
	return p, ok
}

// MapPlanIDToTierCode resolves a plan identifier to a wallet tier. The
// second result reports whether the identifier was recognized; callers
// should log a warning on false because the mapping falls back to free.
func MapPlanIDToTierCode(planID string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(planID))

	if entry, ok := catalog[p]; ok {
		return entry.TierCode, true
	}

	switch {
	case strings.Contains(p, "free"), p == "gl_starter":
		return TierFree, true
	case strings.Contains(p, "basic"), p == "vn_69k":
		return TierVNBasic, true
	case strings.Contains(p, "creator"), p == "vn_199k":
		return TierVNCreator, true
	case strings.Contains(p, "pro"), p == "vn_499k":
		return TierVNPro, true
	case strings.Contains(p, "ultimate"):
		// Highest VN tier with studio access.
		return TierVNPro, true
	case strings.Contains(p, "lifetime"), strings.Contains(p, "global"), strings.Contains(p, "standard"):
		return TierGlobalStandard, true
	}

	return TierFree, false
}

var tierGrants = map[string]int64{
	TierFree:           50_000,
	TierVNBasic:        300_000,
	TierVNCreator:      500_000,
	TierVNPro:          2_000_000,
	TierGlobalStandard: 2_000_000,
}

// PointsFor returns the monthly point grant for a plan identifier. Plans
// outside the catalog fall back to their tier's default grant.
func PointsFor(planID string) int64 {
	if p, ok := Lookup(planID); ok {
		return p.MonthlyPoints
	}
	tier, _ := MapPlanIDToTierCode(planID)
	return tierGrants[tier]
}

var studioBlockedTiers = map[string]struct{}{
	TierFree:    {},
	TierVNBasic: {},
}

// CanUseStudio reports whether a wallet tier unlocks studio features.
func CanUseStudio(tierCode string) bool {
	_, blocked := studioBlockedTiers[strings.ToLower(strings.TrimSpace(tierCode))]
	return !blocked
}
