package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
)

const sampleYAML = `
listen_addr: ":9000"
jwt_signing_key: "secret"
allowed_origins: "https://app.example.com, https://admin.example.com"
admin_user_ids: ["ops-1"]
platform_fee_bps: 1200
hold_window: 45m
jobs:
  auto_release: 10m
  batch_size: 20
stripe:
  secret_key: "sk_test_123"
  cards:
    renter-1:
      customer_id: "cus_1"
      payment_method_id: "pm_1"
pricing:
  version: "2024-06"
  regions:
    montevideo:
      base_price_per_hour_cents: 1200
      currency: "UYU"
      time_zone: "America/Montevideo"
  day_factors:
    Saturday: "1.2"
    sunday: "1.1"
  hour_buckets:
    - from_hour: 0
      to_hour: 6
      factor: "0.8"
  user_tiers:
    gold: "0.9"
  events:
    - name: "carnaval"
      region_id: "montevideo"
      start: "2024-02-10T00:00:00Z"
      end: "2024-02-14T00:00:00Z"
      factor: "1.5"
  discounts:
    weekly_rate: "0.10"
    monthly_rate: "0.25"
    early_bird_rate: "0.05"
    early_bird_lead: 720h
  max_combined_discount: "0.4"
fund:
  alpha: "0.07"
  hard_floor_cents: 10000
  soft_ceiling_subfund: "capitalization"
risk:
  max_age_days: 5
  variation_threshold: "0.08"
  currencies:
    uy: "uyu"
  rates:
    uyu: "39.5"
`

func loadYAML(test *testing.T, body string) (Config, error) {
	test.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(test, v.ReadConfig(strings.NewReader(body)))
	return Load(v)
}

func TestLoadDecodesConfigFile(test *testing.T) {
	test.Parallel()

	cfg, err := loadYAML(test, sampleYAML)
	require.NoError(test, err)

	require.Equal(test, ":9000", cfg.ListenAddr)
	require.Equal(test, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	require.True(test, cfg.IsAdmin("ops-1"))
	require.False(test, cfg.IsAdmin("renter-1"))
	require.Equal(test, int64(1200), cfg.PlatformFeeBps)
	require.Equal(test, 45*time.Minute, cfg.HoldWindow)
	require.Equal(test, defaultAutoRelease, cfg.AutoRelease)
	require.Equal(test, 10*time.Minute, cfg.Jobs.AutoRelease)
	require.Equal(test, 20, cfg.Jobs.BatchSize)
	require.Equal(test, "cus_1", cfg.Stripe.Cards["renter-1"].CustomerID)
	require.Equal(test, defaultDatabaseURL, cfg.DatabaseURL)
	require.Equal(test, "USD", cfg.Currency)
}

func TestPricingSnapshotConvertsDecimals(test *testing.T) {
	test.Parallel()

	cfg, err := loadYAML(test, sampleYAML)
	require.NoError(test, err)

	snapshot, err := cfg.Pricing.Snapshot()
	require.NoError(test, err)
	require.Equal(test, "2024-06", snapshot.Version)
	require.Equal(test, int64(1200), snapshot.Regions["montevideo"].BasePricePerHourCents)
	require.True(test, snapshot.DayFactors[time.Saturday].Equal(decimal.RequireFromString("1.2")))
	require.True(test, snapshot.DayFactors[time.Sunday].Equal(decimal.RequireFromString("1.1")))
	require.Len(test, snapshot.HourBuckets, 1)
	require.True(test, snapshot.UserTiers["gold"].Equal(decimal.RequireFromString("0.9")))
	require.Len(test, snapshot.Events, 1)
	require.Equal(test, int64(1707523200), snapshot.Events[0].StartUnixUTC)
	require.Len(test, snapshot.SurgeTiers, 5)
	require.Equal(test, int64(30*24*3600), snapshot.Discounts.EarlyBirdLeadSeconds)
	require.True(test, snapshot.Discounts.MonthlyRate.Equal(decimal.RequireFromString("0.25")))

	maxDiscount, set, err := cfg.Pricing.MaxDiscount()
	require.NoError(test, err)
	require.True(test, set)
	require.True(test, maxDiscount.Equal(decimal.RequireFromString("0.4")))
}

func TestFundAndRiskOverrides(test *testing.T) {
	test.Parallel()

	cfg, err := loadYAML(test, sampleYAML)
	require.NoError(test, err)

	parameters, err := cfg.Fund.Parameters()
	require.NoError(test, err)
	require.True(test, parameters.Alpha.Equal(decimal.RequireFromString("0.07")))
	require.Equal(test, int64(10_000), parameters.HardFloorCents)
	require.Equal(test, fgo.SubfundCapitalization, parameters.SoftCeilingSubfund)
	require.Equal(test, fgo.DefaultParameters().EventCapUSDCents, parameters.EventCapUSDCents)

	policy, err := cfg.Risk.Policy()
	require.NoError(test, err)
	require.Equal(test, 5, policy.MaxAgeDays)
	require.Equal(test, "UYU", policy.Currencies["UY"])
	require.Equal(test, "USD", policy.Currencies["US"])
	require.Len(test, policy.Buckets, len(DefaultBuckets()))

	rates, err := cfg.Risk.StaticRates()
	require.NoError(test, err)
	require.True(test, rates["UYU"].Equal(decimal.RequireFromString("39.5")))
}

func TestValidateAppliesDefaults(test *testing.T) {
	test.Parallel()

	cfg := Config{SessionSigningKey: "secret"}
	require.NoError(test, cfg.Validate())
	require.Equal(test, defaultListenAddr, cfg.ListenAddr)
	require.Equal(test, []string{defaultAllowedOrigin}, cfg.AllowedOrigins)
	require.Equal(test, defaultSessionCookie, cfg.SessionCookieName)
	require.Equal(test, int64(defaultPlatformFeeBps), cfg.PlatformFeeBps)
	require.Equal(test, defaultRetryAttempts, cfg.Retry.MaxRetries)
	require.Equal(test, defaultFactorCacheTTL, cfg.Pricing.CacheTTL)
}

func TestValidateRejectsBadValues(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name   string
		config Config
		want   string
	}{
		{name: "missing signing key", config: Config{}, want: "jwt signing key"},
		{name: "same system accounts", config: Config{SessionSigningKey: "k", PlatformAccount: "sys", FundAccount: "sys"}, want: "must differ"},
		{name: "fee above 100%", config: Config{SessionSigningKey: "k", PlatformFeeBps: 10_001}, want: "platform fee"},
		{name: "bad day factor", config: Config{SessionSigningKey: "k", Pricing: PricingConfig{DayFactors: map[string]string{"funday": "1"}}}, want: "unknown weekday"},
		{name: "bad alpha", config: Config{SessionSigningKey: "k", Fund: FundConfig{Alpha: "lots"}}, want: "invalid decimal"},
		{name: "alpha outside bounds", config: Config{SessionSigningKey: "k", Fund: FundConfig{Alpha: "0.5"}}, want: "alpha"},
		{name: "negative rate", config: Config{SessionSigningKey: "k", Risk: RiskConfig{Rates: map[string]string{"eur": "-1"}}}, want: "must be positive"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := testCase.config.Validate()
			require.Error(test, err)
			require.Contains(test, err.Error(), testCase.want)
		})
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	require.Equal(test, []string{}, ParseAllowedOrigins("  "))
	require.Equal(test, []string{"a", "b"}, ParseAllowedOrigins("a, ,b"))
}
