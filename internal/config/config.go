// Package config holds the runtime settings of rentalledgerd and converts the decimal tables of
// the YAML config file into domain values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/rentalledger/internal/jobs"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/payments"
)

const (
	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite:///tmp/rentalledger.db"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultCurrency         = "USD"
	defaultPlatformAccount  = "platform"
	defaultFundAccount      = "guarantee_fund"
	defaultPlatformFeeBps   = 1500
	defaultDepositExpiry    = 30 * time.Minute
	defaultHoldWindow       = 30 * time.Minute
	defaultAutoRelease      = 48 * time.Hour
	defaultDamageWindow     = 72 * time.Hour
	defaultDemandTTL        = 24 * time.Hour
	defaultDemandStaleAfter = 15 * time.Minute
	defaultFactorCacheTTL   = 5 * time.Minute
	defaultHistoryLimit     = 50
	defaultRetryAttempts    = 3
	defaultRetryBaseDelay   = 10 * time.Millisecond
	defaultRetryMaxDelay    = 200 * time.Millisecond
)

// Config aggregates runtime settings for rentalledgerd.
type Config struct {
	ListenAddr        string   `mapstructure:"listen_addr"`
	DatabaseURL       string   `mapstructure:"database_url"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	SessionSigningKey string   `mapstructure:"jwt_signing_key"`
	SessionIssuer     string   `mapstructure:"jwt_issuer"`
	SessionCookieName string   `mapstructure:"jwt_cookie_name"`
	AdminUserIDs      []string `mapstructure:"admin_user_ids"`
	LogDevelopment    bool     `mapstructure:"log_dev"`
	HistoryLimit      int      `mapstructure:"history_limit"`

	Currency        string        `mapstructure:"currency"`
	PlatformAccount string        `mapstructure:"platform_account"`
	FundAccount     string        `mapstructure:"fund_account"`
	PlatformFeeBps  int64         `mapstructure:"platform_fee_bps"`
	DepositExpiry   time.Duration `mapstructure:"deposit_expiry"`
	HoldWindow      time.Duration `mapstructure:"hold_window"`
	AutoRelease     time.Duration `mapstructure:"auto_release"`
	DamageWindow    time.Duration `mapstructure:"damage_window"`
	Retry           RetryConfig   `mapstructure:"retry"`

	NATSURL string        `mapstructure:"nats_url"`
	Stripe  StripeConfig  `mapstructure:"stripe"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Jobs    jobs.Schedule `mapstructure:"jobs"`

	Pricing PricingConfig `mapstructure:"pricing"`
	Fund    FundConfig    `mapstructure:"fund"`
	Risk    RiskConfig    `mapstructure:"risk"`
}

// RetryConfig bounds conflict retries of ledger transactions.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// StripeConfig enables card holds when SecretKey is set.
type StripeConfig struct {
	SecretKey string                   `mapstructure:"secret_key"`
	Cards     map[string]payments.Card `mapstructure:"cards"`
}

// RedisConfig enables the shared demand store when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = ParseAllowedOrigins(strings.Join(cfg.AllowedOrigins, ","))
	cfg.AdminUserIDs = ParseAllowedOrigins(strings.Join(cfg.AdminUserIDs, ","))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	cfg.Currency = strings.ToUpper(defaultIfEmpty(cfg.Currency, defaultCurrency))
	cfg.PlatformAccount = defaultIfEmpty(cfg.PlatformAccount, defaultPlatformAccount)
	cfg.FundAccount = defaultIfEmpty(cfg.FundAccount, defaultFundAccount)
	if cfg.PlatformFeeBps == 0 {
		cfg.PlatformFeeBps = defaultPlatformFeeBps
	}
	cfg.DepositExpiry = defaultIfZero(cfg.DepositExpiry, defaultDepositExpiry)
	cfg.HoldWindow = defaultIfZero(cfg.HoldWindow, defaultHoldWindow)
	cfg.AutoRelease = defaultIfZero(cfg.AutoRelease, defaultAutoRelease)
	cfg.DamageWindow = defaultIfZero(cfg.DamageWindow, defaultDamageWindow)
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = defaultRetryAttempts
	}
	cfg.Retry.BaseDelay = defaultIfZero(cfg.Retry.BaseDelay, defaultRetryBaseDelay)
	cfg.Retry.MaxDelay = defaultIfZero(cfg.Retry.MaxDelay, defaultRetryMaxDelay)
	cfg.Redis.TTL = defaultIfZero(cfg.Redis.TTL, defaultDemandTTL)
	cfg.Pricing.CacheTTL = defaultIfZero(cfg.Pricing.CacheTTL, defaultFactorCacheTTL)
	cfg.Pricing.DemandStaleAfter = defaultIfZero(cfg.Pricing.DemandStaleAfter, defaultDemandStaleAfter)

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.PlatformAccount == cfg.FundAccount {
		return fmt.Errorf("platform and fund accounts must differ")
	}
	if cfg.PlatformFeeBps < 0 || cfg.PlatformFeeBps > 10_000 {
		return fmt.Errorf("platform fee must be within 0..10000 bps, got %d", cfg.PlatformFeeBps)
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}
	if _, err := cfg.Pricing.Snapshot(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	if _, err := cfg.Fund.Parameters(); err != nil {
		return fmt.Errorf("fund: %w", err)
	}
	if _, err := cfg.Risk.Policy(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if _, err := cfg.Risk.StaticRates(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	return nil
}

// IsAdmin reports whether userID may call the admin API.
func (cfg Config) IsAdmin(userID string) bool {
	for _, admin := range cfg.AdminUserIDs {
		if admin == userID {
			return true
		}
	}
	return false
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func defaultIfZero(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited values into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
