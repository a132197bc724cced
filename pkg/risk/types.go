package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// GuaranteeType is how the booking's guarantee is secured.
type GuaranteeType string

const (
	// GuaranteeWalletHold locks the guarantee in the renter's wallet.
	GuaranteeWalletHold GuaranteeType = "wallet_hold"
	// GuaranteeCardHold authorizes the guarantee on the renter's card.
	GuaranteeCardHold GuaranteeType = "card_hold"
)

// ParseGuaranteeType validates a guarantee type.
func ParseGuaranteeType(raw string) (GuaranteeType, error) {
	switch GuaranteeType(strings.TrimSpace(raw)) {
	case GuaranteeWalletHold:
		return GuaranteeWalletHold, nil
	case GuaranteeCardHold:
		return GuaranteeCardHold, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGuaranteeType, raw)
	}
}

// RevalidationReason names the trigger that made a snapshot stale.
type RevalidationReason string

const (
	ReasonNone        RevalidationReason = ""
	ReasonAge         RevalidationReason = "age"
	ReasonFXVariation RevalidationReason = "fx_variation"
	ReasonAdminFlag   RevalidationReason = "admin_flag"
)

// BucketTier assigns a risk bucket and guarantee amounts to cars up to MaxCarValueUSDCents.
// A zero MaxCarValueUSDCents matches any value.
type BucketTier struct {
	Bucket                  string `json:"bucket" mapstructure:"bucket"`
	MaxCarValueUSDCents     int64  `json:"max_car_value_usd_cents" mapstructure:"max_car_value_usd_cents"`
	GuaranteeAmountUSDCents int64  `json:"guarantee_amount_usd_cents" mapstructure:"guarantee_amount_usd_cents"`
	FranchiseUSDCents       int64  `json:"franchise_usd_cents" mapstructure:"franchise_usd_cents"`
}

// Policy holds the revalidation thresholds and the reference tables of the service.
type Policy struct {
	MaxAgeDays         int               `json:"max_age_days" mapstructure:"max_age_days"`
	VariationThreshold decimal.Decimal   `json:"variation_threshold" mapstructure:"variation_threshold"`
	Currencies         map[string]string `json:"currencies" mapstructure:"currencies"`
	Buckets            []BucketTier      `json:"buckets" mapstructure:"buckets"`
}

// DefaultPolicy returns a policy with the usual thresholds and no reference tables.
func DefaultPolicy() Policy {
	return Policy{MaxAgeDays: 7, VariationThreshold: decimal.RequireFromString("0.10"), Currencies: map[string]string{"US": "USD"}}
}

// Validate checks the policy.
func (policy Policy) Validate() error {
	if policy.MaxAgeDays <= 0 {
		return fmt.Errorf("%w: max age days must be positive", ErrInvalidPolicy)
	}
	if !policy.VariationThreshold.IsPositive() {
		return fmt.Errorf("%w: variation threshold must be positive", ErrInvalidPolicy)
	}
	if len(policy.Buckets) == 0 {
		return fmt.Errorf("%w: no buckets", ErrInvalidPolicy)
	}
	for _, tier := range policy.Buckets {
		if strings.TrimSpace(tier.Bucket) == "" || tier.GuaranteeAmountUSDCents < 0 || tier.FranchiseUSDCents < 0 || tier.MaxCarValueUSDCents < 0 {
			return fmt.Errorf("%w: bucket %q", ErrInvalidPolicy, tier.Bucket)
		}
	}
	return nil
}

// bucketFor returns the first tier whose ceiling covers the car value, tiers sorted by ceiling.
func (policy Policy) bucketFor(carValueUSDCents int64) (BucketTier, error) {
	tiers := append([]BucketTier(nil), policy.Buckets...)
	sort.SliceStable(tiers, func(left, right int) bool {
		if tiers[left].MaxCarValueUSDCents == 0 {
			return false
		}
		if tiers[right].MaxCarValueUSDCents == 0 {
			return true
		}
		return tiers[left].MaxCarValueUSDCents < tiers[right].MaxCarValueUSDCents
	})
	for _, tier := range tiers {
		if tier.MaxCarValueUSDCents == 0 || carValueUSDCents <= tier.MaxCarValueUSDCents {
			return tier, nil
		}
	}
	return BucketTier{}, fmt.Errorf("%w: no bucket covers %d", ErrInvalidCarValue, carValueUSDCents)
}

// Snapshot is the frozen FX rate and guarantee terms of a booking. Snapshots are replaced,
// never edited; only the revalidation flag of the active snapshot changes.
type Snapshot struct {
	SnapshotID                string             `json:"snapshot_id"`
	BookingID                 string             `json:"booking_id"`
	Version                   int                `json:"version"`
	CountryCode               string             `json:"country_code"`
	LocalCurrency             string             `json:"local_currency"`
	FXRate                    decimal.Decimal    `json:"fx_rate"`
	FXSnapshotUnixUTC         int64              `json:"fx_snapshot_unix_utc"`
	GuaranteeType             GuaranteeType      `json:"guarantee_type"`
	CarValueUSDCents          int64              `json:"car_value_usd_cents"`
	Bucket                    string             `json:"bucket"`
	GuaranteeAmountUSDCents   int64              `json:"guarantee_amount_usd_cents"`
	GuaranteeAmountLocalCents int64              `json:"guarantee_amount_local_cents"`
	FranchiseUSDCents         int64              `json:"franchise_usd_cents"`
	RequiresRevalidation      bool               `json:"requires_revalidation"`
	RevalidationReason        RevalidationReason `json:"revalidation_reason,omitempty"`
	Active                    bool               `json:"active"`
	CreatedUnixUTC            int64              `json:"created_unix_utc"`
	SupersededUnixUTC         int64              `json:"superseded_unix_utc,omitempty"`
}

// Revalidation is the outcome of a staleness check.
type Revalidation struct {
	BookingID      string             `json:"booking_id"`
	Required       bool               `json:"requires_revalidation"`
	Reason         RevalidationReason `json:"reason"`
	SnapshotFX     decimal.Decimal    `json:"snapshot_fx"`
	CurrentFX      decimal.Decimal    `json:"current_fx"`
	Variation      decimal.Decimal    `json:"variation"`
	AgeSeconds     int64              `json:"age_seconds"`
	SnapshotID     string             `json:"snapshot_id"`
	CheckedUnixUTC int64              `json:"checked_unix_utc"`
}

// RateProvider returns the current rate of a currency, in units per USD.
type RateProvider interface {
	RateToUSD(ctx context.Context, currency string) (decimal.Decimal, error)
}

// StaticRates serves fixed rates, typically from configuration.
type StaticRates map[string]decimal.Decimal

// RateToUSD returns the configured rate. USD is always 1.
func (rates StaticRates) RateToUSD(_ context.Context, currency string) (decimal.Decimal, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "USD" {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := rates[code]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrRateUnavailable, code)
	}
	return rate, nil
}

// Store persists snapshots.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetActiveSnapshot(ctx context.Context, bookingID string) (Snapshot, bool, error)
	InsertSnapshot(ctx context.Context, snapshot Snapshot) error
	SupersedeSnapshot(ctx context.Context, snapshotID string, atUnixUTC int64) error
	FlagSnapshot(ctx context.Context, snapshotID string, reason RevalidationReason) error
	ListSnapshots(ctx context.Context, bookingID string) ([]Snapshot, error)
	ListActiveSnapshots(ctx context.Context, afterBookingID string, limit int) ([]Snapshot, error)
}
