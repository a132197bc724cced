package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

// Decimal tables are written as strings in YAML so that factors never pass through float64.

// PricingConfig is the pricing factor table of the config file.
type PricingConfig struct {
	Version             string                    `mapstructure:"version"`
	Regions             map[string]pricing.Region `mapstructure:"regions"`
	DayFactors          map[string]string         `mapstructure:"day_factors"`
	HourBuckets         []HourBucketConfig        `mapstructure:"hour_buckets"`
	UserTiers           map[string]string         `mapstructure:"user_tiers"`
	Events              []EventConfig             `mapstructure:"events"`
	SurgeTiers          []SurgeTierConfig         `mapstructure:"surge_tiers"`
	Discounts           DiscountConfig            `mapstructure:"discounts"`
	MaxCombinedDiscount string                    `mapstructure:"max_combined_discount"`
	CacheTTL            time.Duration             `mapstructure:"cache_ttl"`
	DemandStaleAfter    time.Duration             `mapstructure:"demand_stale_after"`
}

// HourBucketConfig is one local-time hour range factor.
type HourBucketConfig struct {
	FromHour int    `mapstructure:"from_hour"`
	ToHour   int    `mapstructure:"to_hour"`
	Factor   string `mapstructure:"factor"`
}

// EventConfig is a special event window in RFC 3339 timestamps.
type EventConfig struct {
	Name     string `mapstructure:"name"`
	RegionID string `mapstructure:"region_id"`
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Factor   string `mapstructure:"factor"`
}

// SurgeTierConfig maps a demand ratio ceiling to a factor.
type SurgeTierConfig struct {
	BelowRatio string `mapstructure:"below_ratio"`
	Factor     string `mapstructure:"factor"`
}

// DiscountConfig holds automatic discount rates.
type DiscountConfig struct {
	WeeklyRate    string        `mapstructure:"weekly_rate"`
	MonthlyRate   string        `mapstructure:"monthly_rate"`
	EarlyBirdRate string        `mapstructure:"early_bird_rate"`
	EarlyBirdLead time.Duration `mapstructure:"early_bird_lead"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// DefaultRegions is used when the config file names no region.
func DefaultRegions() map[string]pricing.Region {
	return map[string]pricing.Region{
		"default": {BasePricePerHourCents: 1_000, Currency: defaultCurrency, TimeZone: "UTC"},
	}
}

// Snapshot converts the table into a validated pricing.FactorSnapshot.
func (cfg PricingConfig) Snapshot() (pricing.FactorSnapshot, error) {
	snapshot := pricing.FactorSnapshot{
		Version:    defaultIfEmpty(cfg.Version, "config"),
		Regions:    cfg.Regions,
		DayFactors: make(map[time.Weekday]decimal.Decimal, len(cfg.DayFactors)),
		UserTiers:  make(map[string]decimal.Decimal, len(cfg.UserTiers)),
		SurgeTiers: pricing.DefaultSurgeTiers(),
	}
	if len(snapshot.Regions) == 0 {
		snapshot.Regions = DefaultRegions()
	}
	for name, raw := range cfg.DayFactors {
		weekday, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return pricing.FactorSnapshot{}, fmt.Errorf("unknown weekday %q", name)
		}
		factor, err := parseDecimal("day factor "+name, raw)
		if err != nil {
			return pricing.FactorSnapshot{}, err
		}
		snapshot.DayFactors[weekday] = factor
	}
	for _, bucket := range cfg.HourBuckets {
		factor, err := parseDecimal(fmt.Sprintf("hour bucket %d-%d", bucket.FromHour, bucket.ToHour), bucket.Factor)
		if err != nil {
			return pricing.FactorSnapshot{}, err
		}
		snapshot.HourBuckets = append(snapshot.HourBuckets, pricing.HourBucket{FromHour: bucket.FromHour, ToHour: bucket.ToHour, Factor: factor})
	}
	for tier, raw := range cfg.UserTiers {
		factor, err := parseDecimal("user tier "+tier, raw)
		if err != nil {
			return pricing.FactorSnapshot{}, err
		}
		snapshot.UserTiers[tier] = factor
	}
	for _, event := range cfg.Events {
		start, err := time.Parse(time.RFC3339, event.Start)
		if err != nil {
			return pricing.FactorSnapshot{}, fmt.Errorf("event %s start: %w", event.Name, err)
		}
		end, err := time.Parse(time.RFC3339, event.End)
		if err != nil {
			return pricing.FactorSnapshot{}, fmt.Errorf("event %s end: %w", event.Name, err)
		}
		factor, err := parseDecimal("event "+event.Name, event.Factor)
		if err != nil {
			return pricing.FactorSnapshot{}, err
		}
		snapshot.Events = append(snapshot.Events, pricing.SpecialEvent{
			Name:         event.Name,
			RegionID:     event.RegionID,
			StartUnixUTC: start.UTC().Unix(),
			EndUnixUTC:   end.UTC().Unix(),
			Factor:       factor,
		})
	}
	if len(cfg.SurgeTiers) > 0 {
		snapshot.SurgeTiers = make([]pricing.SurgeTier, 0, len(cfg.SurgeTiers))
		for _, tier := range cfg.SurgeTiers {
			factor, err := parseDecimal("surge factor", tier.Factor)
			if err != nil {
				return pricing.FactorSnapshot{}, err
			}
			below := decimal.Zero
			if strings.TrimSpace(tier.BelowRatio) != "" {
				if below, err = parseDecimal("surge ratio", tier.BelowRatio); err != nil {
					return pricing.FactorSnapshot{}, err
				}
			}
			snapshot.SurgeTiers = append(snapshot.SurgeTiers, pricing.SurgeTier{BelowRatio: below, Factor: factor})
		}
	}
	discounts, err := cfg.Discounts.policy()
	if err != nil {
		return pricing.FactorSnapshot{}, err
	}
	snapshot.Discounts = discounts
	if err := snapshot.Validate(); err != nil {
		return pricing.FactorSnapshot{}, err
	}
	return snapshot, nil
}

// MaxDiscount returns the stacked discount ceiling, or false when unset.
func (cfg PricingConfig) MaxDiscount() (decimal.Decimal, bool, error) {
	if strings.TrimSpace(cfg.MaxCombinedDiscount) == "" {
		return decimal.Zero, false, nil
	}
	value, err := parseDecimal("max combined discount", cfg.MaxCombinedDiscount)
	return value, err == nil, err
}

func (cfg DiscountConfig) policy() (pricing.DiscountPolicy, error) {
	var policy pricing.DiscountPolicy
	var err error
	if policy.WeeklyRate, err = optionalDecimal("weekly discount", cfg.WeeklyRate); err != nil {
		return pricing.DiscountPolicy{}, err
	}
	if policy.MonthlyRate, err = optionalDecimal("monthly discount", cfg.MonthlyRate); err != nil {
		return pricing.DiscountPolicy{}, err
	}
	if policy.EarlyBirdRate, err = optionalDecimal("early bird discount", cfg.EarlyBirdRate); err != nil {
		return pricing.DiscountPolicy{}, err
	}
	policy.EarlyBirdLeadSeconds = int64(cfg.EarlyBirdLead / time.Second)
	return policy, nil
}

// FundConfig overrides the default guarantee fund parameters. Empty fields keep the defaults.
type FundConfig struct {
	Alpha                string `mapstructure:"alpha"`
	AlphaMin             string `mapstructure:"alpha_min"`
	AlphaMax             string `mapstructure:"alpha_max"`
	AlphaStep            string `mapstructure:"alpha_step"`
	EventCapUSDCents     int64  `mapstructure:"event_cap_usd_cents"`
	PerUserLimitCents    int64  `mapstructure:"per_user_limit_cents"`
	PerUserWindowDays    int    `mapstructure:"per_user_window_days"`
	MonthlyPayoutCap     int64  `mapstructure:"monthly_payout_cap_cents"`
	HardFloorCents       int64  `mapstructure:"hard_floor_cents"`
	SoftCeilingSubfund   string `mapstructure:"soft_ceiling_subfund"`
	RCFloor              string `mapstructure:"rc_floor"`
	RCHardFloor          string `mapstructure:"rc_hard_floor"`
	RCSoftCeiling        string `mapstructure:"rc_soft_ceiling"`
	TargetMonthsCoverage string `mapstructure:"target_months_coverage"`
}

// Parameters merges the overrides into fgo.DefaultParameters.
func (cfg FundConfig) Parameters() (fgo.Parameters, error) {
	parameters := fgo.DefaultParameters()
	for _, field := range []struct {
		name   string
		raw    string
		target *decimal.Decimal
	}{
		{"alpha", cfg.Alpha, &parameters.Alpha},
		{"alpha_min", cfg.AlphaMin, &parameters.AlphaMin},
		{"alpha_max", cfg.AlphaMax, &parameters.AlphaMax},
		{"alpha_step", cfg.AlphaStep, &parameters.AlphaStep},
		{"rc_floor", cfg.RCFloor, &parameters.RCFloor},
		{"rc_hard_floor", cfg.RCHardFloor, &parameters.RCHardFloor},
		{"rc_soft_ceiling", cfg.RCSoftCeiling, &parameters.RCSoftCeiling},
		{"target_months_coverage", cfg.TargetMonthsCoverage, &parameters.TargetMonthsCoverage},
	} {
		if strings.TrimSpace(field.raw) == "" {
			continue
		}
		value, err := parseDecimal(field.name, field.raw)
		if err != nil {
			return fgo.Parameters{}, err
		}
		*field.target = value
	}
	if cfg.EventCapUSDCents > 0 {
		parameters.EventCapUSDCents = cfg.EventCapUSDCents
	}
	if cfg.PerUserLimitCents > 0 {
		parameters.PerUserLimitCents = cfg.PerUserLimitCents
	}
	if cfg.PerUserWindowDays > 0 {
		parameters.PerUserWindowDays = cfg.PerUserWindowDays
	}
	if cfg.MonthlyPayoutCap > 0 {
		parameters.MonthlyPayoutCap = cfg.MonthlyPayoutCap
	}
	if cfg.HardFloorCents > 0 {
		parameters.HardFloorCents = cfg.HardFloorCents
	}
	if raw := strings.TrimSpace(cfg.SoftCeilingSubfund); raw != "" {
		subfund, err := fgo.ParseSubfundType(raw)
		if err != nil {
			return fgo.Parameters{}, err
		}
		parameters.SoftCeilingSubfund = subfund
	}
	if err := parameters.Validate(); err != nil {
		return fgo.Parameters{}, err
	}
	return parameters, nil
}

// RiskConfig holds the revalidation policy, the bucket table and static FX rates.
type RiskConfig struct {
	MaxAgeDays         int               `mapstructure:"max_age_days"`
	VariationThreshold string            `mapstructure:"variation_threshold"`
	Currencies         map[string]string `mapstructure:"currencies"`
	Buckets            []risk.BucketTier `mapstructure:"buckets"`
	Rates              map[string]string `mapstructure:"rates"`
}

// DefaultBuckets is the car value table used when the config file has none.
func DefaultBuckets() []risk.BucketTier {
	return []risk.BucketTier{
		{Bucket: "economy", MaxCarValueUSDCents: 1_500_000, GuaranteeAmountUSDCents: 50_000, FranchiseUSDCents: 50_000},
		{Bucket: "standard", MaxCarValueUSDCents: 3_000_000, GuaranteeAmountUSDCents: 100_000, FranchiseUSDCents: 100_000},
		{Bucket: "premium", MaxCarValueUSDCents: 6_000_000, GuaranteeAmountUSDCents: 200_000, FranchiseUSDCents: 200_000},
		{Bucket: "luxury", GuaranteeAmountUSDCents: 400_000, FranchiseUSDCents: 400_000},
	}
}

// Policy merges the overrides into risk.DefaultPolicy. Country and currency codes are
// upper-cased because viper lower-cases map keys.
func (cfg RiskConfig) Policy() (risk.Policy, error) {
	policy := risk.DefaultPolicy()
	if cfg.MaxAgeDays > 0 {
		policy.MaxAgeDays = cfg.MaxAgeDays
	}
	if strings.TrimSpace(cfg.VariationThreshold) != "" {
		threshold, err := parseDecimal("variation threshold", cfg.VariationThreshold)
		if err != nil {
			return risk.Policy{}, err
		}
		policy.VariationThreshold = threshold
	}
	for country, currency := range cfg.Currencies {
		policy.Currencies[strings.ToUpper(strings.TrimSpace(country))] = strings.ToUpper(strings.TrimSpace(currency))
	}
	policy.Buckets = cfg.Buckets
	if len(policy.Buckets) == 0 {
		policy.Buckets = DefaultBuckets()
	}
	if err := policy.Validate(); err != nil {
		return risk.Policy{}, err
	}
	return policy, nil
}

// StaticRates converts the configured local-currency-per-USD rates.
func (cfg RiskConfig) StaticRates() (risk.StaticRates, error) {
	rates := make(risk.StaticRates, len(cfg.Rates))
	for currency, raw := range cfg.Rates {
		rate, err := parseDecimal("rate "+currency, raw)
		if err != nil {
			return nil, err
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate %s must be positive", currency)
		}
		rates[strings.ToUpper(strings.TrimSpace(currency))] = rate
	}
	return rates, nil
}

func parseDecimal(name string, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: invalid decimal %q: %w", name, raw, err)
	}
	return value, nil
}

func optionalDecimal(name string, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return parseDecimal(name, raw)
}
