package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	hoursPerDay           = 24
	defaultUserTier       = "standard"
	defaultRegionTimeZone = "UTC"
)

// Region carries the base hourly price of a pricing region.
type Region struct {
	BasePricePerHourCents int64  `json:"base_price_per_hour_cents" mapstructure:"base_price_per_hour_cents"`
	Currency              string `json:"currency" mapstructure:"currency"`
	TimeZone              string `json:"time_zone" mapstructure:"time_zone"`
}

// HourBucket applies Factor to rentals starting in [FromHour, ToHour) local time.
type HourBucket struct {
	FromHour int             `json:"from_hour" mapstructure:"from_hour"`
	ToHour   int             `json:"to_hour" mapstructure:"to_hour"`
	Factor   decimal.Decimal `json:"factor" mapstructure:"factor"`
}

// SpecialEvent raises prices in a region (or everywhere when RegionID is empty) during a window.
type SpecialEvent struct {
	Name         string          `json:"name" mapstructure:"name"`
	RegionID     string          `json:"region_id" mapstructure:"region_id"`
	StartUnixUTC int64           `json:"start_unix_utc" mapstructure:"start_unix_utc"`
	EndUnixUTC   int64           `json:"end_unix_utc" mapstructure:"end_unix_utc"`
	Factor       decimal.Decimal `json:"factor" mapstructure:"factor"`
}

// SurgeTier maps demand ratios below BelowRatio to Factor. The last tier has a zero
// BelowRatio and catches everything above the previous tiers.
type SurgeTier struct {
	BelowRatio decimal.Decimal `json:"below_ratio" mapstructure:"below_ratio"`
	Factor     decimal.Decimal `json:"factor" mapstructure:"factor"`
}

// DiscountPolicy holds the automatic discount rates applied at quote time.
type DiscountPolicy struct {
	WeeklyRate           decimal.Decimal `json:"weekly_rate" mapstructure:"weekly_rate"`
	MonthlyRate          decimal.Decimal `json:"monthly_rate" mapstructure:"monthly_rate"`
	EarlyBirdRate        decimal.Decimal `json:"early_bird_rate" mapstructure:"early_bird_rate"`
	EarlyBirdLeadSeconds int64           `json:"early_bird_lead_seconds" mapstructure:"early_bird_lead_seconds"`
}

// FactorSnapshot is a versioned, read-only copy of every pricing reference table.
type FactorSnapshot struct {
	Version     string                           `json:"version"`
	Regions     map[string]Region                `json:"regions"`
	DayFactors  map[time.Weekday]decimal.Decimal `json:"day_factors"`
	HourBuckets []HourBucket                     `json:"hour_buckets"`
	UserTiers   map[string]decimal.Decimal       `json:"user_tiers"`
	Events      []SpecialEvent                   `json:"events"`
	SurgeTiers  []SurgeTier                      `json:"surge_tiers"`
	Discounts   DiscountPolicy                   `json:"discounts"`
}

// FactorSource loads the current factor snapshot.
type FactorSource interface {
	LoadFactors(ctx context.Context) (FactorSnapshot, error)
}

// StaticFactorSource serves a fixed snapshot, typically decoded from configuration.
type StaticFactorSource struct {
	Snapshot FactorSnapshot
}

// LoadFactors returns the configured snapshot.
func (source StaticFactorSource) LoadFactors(context.Context) (FactorSnapshot, error) {
	return source.Snapshot, nil
}

// DefaultSurgeTiers returns the demand tiers used when a snapshot does not define any.
func DefaultSurgeTiers() []SurgeTier {
	return []SurgeTier{
		{BelowRatio: decimal.RequireFromString("0.5"), Factor: decimal.RequireFromString("0.9")},
		{BelowRatio: decimal.RequireFromString("1.0"), Factor: decimal.RequireFromString("1.0")},
		{BelowRatio: decimal.RequireFromString("1.5"), Factor: decimal.RequireFromString("1.15")},
		{BelowRatio: decimal.RequireFromString("2.0"), Factor: decimal.RequireFromString("1.3")},
		{Factor: decimal.RequireFromString("1.5")},
	}
}

// Validate checks the snapshot for values that would produce a meaningless price.
func (snapshot FactorSnapshot) Validate() error {
	if strings.TrimSpace(snapshot.Version) == "" {
		return fmt.Errorf("%w: version is empty", ErrInvalidFactors)
	}
	if len(snapshot.Regions) == 0 {
		return fmt.Errorf("%w: no regions", ErrInvalidFactors)
	}
	for regionID, region := range snapshot.Regions {
		if region.BasePricePerHourCents <= 0 {
			return fmt.Errorf("%w: region %s has no base price", ErrInvalidFactors, regionID)
		}
		if _, err := region.location(); err != nil {
			return fmt.Errorf("%w: region %s: %v", ErrInvalidFactors, regionID, err)
		}
	}
	for weekday, factor := range snapshot.DayFactors {
		if !factor.IsPositive() {
			return fmt.Errorf("%w: day factor for %s must be positive", ErrInvalidFactors, weekday)
		}
	}
	for _, bucket := range snapshot.HourBuckets {
		if bucket.FromHour < 0 || bucket.ToHour > hoursPerDay || bucket.FromHour >= bucket.ToHour || !bucket.Factor.IsPositive() {
			return fmt.Errorf("%w: hour bucket %d-%d", ErrInvalidFactors, bucket.FromHour, bucket.ToHour)
		}
	}
	for tier, factor := range snapshot.UserTiers {
		if !factor.IsPositive() {
			return fmt.Errorf("%w: user tier %s must be positive", ErrInvalidFactors, tier)
		}
	}
	for _, event := range snapshot.Events {
		if event.EndUnixUTC <= event.StartUnixUTC || !event.Factor.IsPositive() {
			return fmt.Errorf("%w: event %s", ErrInvalidFactors, event.Name)
		}
	}
	for _, tier := range snapshot.SurgeTiers {
		if !tier.Factor.IsPositive() {
			return fmt.Errorf("%w: surge factor must be positive", ErrInvalidFactors)
		}
	}
	return nil
}

func (region Region) location() (*time.Location, error) {
	name := strings.TrimSpace(region.TimeZone)
	if name == "" {
		name = defaultRegionTimeZone
	}
	return time.LoadLocation(name)
}

func (snapshot FactorSnapshot) dayFactor(weekday time.Weekday) decimal.Decimal {
	if factor, ok := snapshot.DayFactors[weekday]; ok {
		return factor
	}
	return decimal.NewFromInt(1)
}

func (snapshot FactorSnapshot) hourFactor(hour int) decimal.Decimal {
	for _, bucket := range snapshot.HourBuckets {
		if hour >= bucket.FromHour && hour < bucket.ToHour {
			return bucket.Factor
		}
	}
	return decimal.NewFromInt(1)
}

func (snapshot FactorSnapshot) userFactor(tier string) decimal.Decimal {
	if factor, ok := snapshot.UserTiers[tier]; ok {
		return factor
	}
	return decimal.NewFromInt(1)
}

// eventFactor returns the single highest factor among events overlapping the rental window.
// Overlapping events never stack.
func (snapshot FactorSnapshot) eventFactor(regionID string, startUnixUTC int64, endUnixUTC int64) (decimal.Decimal, string) {
	best := decimal.NewFromInt(1)
	name := ""
	found := false
	for _, event := range snapshot.Events {
		if event.RegionID != "" && event.RegionID != regionID {
			continue
		}
		if event.StartUnixUTC >= endUnixUTC || event.EndUnixUTC <= startUnixUTC {
			continue
		}
		if !found || event.Factor.GreaterThan(best) {
			best = event.Factor
			name = event.Name
			found = true
		}
	}
	return best, name
}

// SurgeFactor maps demand counts to a surge factor through the tiers.
// The ratio is (active + pending) / max(available, 1).
func SurgeFactor(tiers []SurgeTier, counts DemandCounts) decimal.Decimal {
	if len(tiers) == 0 {
		tiers = DefaultSurgeTiers()
	}
	available := counts.AvailableCars
	if available < 1 {
		available = 1
	}
	ratio := decimal.NewFromInt(counts.ActiveBookings + counts.PendingRequests).Div(decimal.NewFromInt(available))
	for _, tier := range tiers {
		if tier.BelowRatio.IsZero() || ratio.LessThan(tier.BelowRatio) {
			return tier.Factor
		}
	}
	return tiers[len(tiers)-1].Factor
}
