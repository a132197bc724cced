package fgo

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// SubfundType is the closed set of guarantee subfunds.
type SubfundType string

const (
	SubfundLiquidity      SubfundType = "liquidity"
	SubfundCapitalization SubfundType = "capitalization"
	SubfundProfitability  SubfundType = "profitability"
)

// WaterfallOrder is the order subfunds are drained in to pay a claim.
var WaterfallOrder = []SubfundType{SubfundLiquidity, SubfundCapitalization, SubfundProfitability}

// ParseSubfundType validates a subfund type.
func ParseSubfundType(raw string) (SubfundType, error) {
	subfund := SubfundType(strings.TrimSpace(raw))
	switch subfund {
	case SubfundLiquidity, SubfundCapitalization, SubfundProfitability:
		return subfund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSubfund, raw)
	}
}

// Subfund is the balance of one subfund, always equal to the sum of its movements.
type Subfund struct {
	Type           SubfundType `json:"type"`
	BalanceCents   int64       `json:"balance_cents"`
	UpdatedUnixUTC int64       `json:"updated_unix_utc"`
}

// MovementOperation is the direction of a movement.
type MovementOperation string

const (
	OperationCredit MovementOperation = "credit"
	OperationDebit  MovementOperation = "debit"
)

// MovementType is the closed set of reasons a subfund balance changes.
type MovementType string

const (
	MovementContribution MovementType = "contribution"
	MovementClaimPayout  MovementType = "claim_payout"
	MovementRebalanceIn  MovementType = "rebalance_in"
	MovementRebalanceOut MovementType = "rebalance_out"
)

// ParseMovementType validates a movement type.
func ParseMovementType(raw string) (MovementType, error) {
	movementType := MovementType(strings.TrimSpace(raw))
	if _, err := movementType.Operation(); err != nil {
		return "", err
	}
	return movementType, nil
}

// Operation returns the direction a movement type moves a subfund balance.
func (movementType MovementType) Operation() (MovementOperation, error) {
	switch movementType {
	case MovementContribution, MovementRebalanceIn:
		return OperationCredit, nil
	case MovementClaimPayout, MovementRebalanceOut:
		return OperationDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMovementType, string(movementType))
	}
}

// Movement is one immutable change of a subfund balance.
type Movement struct {
	MovementID     string            `json:"movement_id"`
	Subfund        SubfundType       `json:"subfund"`
	Type           MovementType      `json:"type"`
	Operation      MovementOperation `json:"operation"`
	AmountCents    int64             `json:"amount_cents"`
	Ref            ledger.Ref        `json:"ref"`
	BookingID      string            `json:"booking_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	WalletEntryID  string            `json:"wallet_entry_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	CreatedUnixUTC int64             `json:"created_unix_utc"`
}

// SignedCents returns the amount with the sign of its operation.
func (movement Movement) SignedCents() int64 {
	if movement.Operation == OperationDebit {
		return -movement.AmountCents
	}
	return movement.AmountCents
}

// ParameterKey identifies a parameter row. Empty fields are wildcards.
type ParameterKey struct {
	Bucket      string `json:"bucket"`
	CountryCode string `json:"country_code"`
}

// Parameters tunes contributions and payouts for a risk bucket and country.
type Parameters struct {
	Key                  ParameterKey    `json:"key"`
	Alpha                decimal.Decimal `json:"alpha"`
	AlphaMin             decimal.Decimal `json:"alpha_min"`
	AlphaMax             decimal.Decimal `json:"alpha_max"`
	AlphaStep            decimal.Decimal `json:"alpha_step"`
	EventCapUSDCents     int64           `json:"event_cap_usd_cents"`
	PerUserLimitCents    int64           `json:"per_user_limit_cents"`
	PerUserWindowDays    int             `json:"per_user_window_days"`
	MonthlyPayoutCap     int64           `json:"monthly_payout_cap_cents"`
	HardFloorCents       int64           `json:"hard_floor_cents"`
	SoftCeilingSubfund   SubfundType     `json:"soft_ceiling_subfund"`
	RCFloor              decimal.Decimal `json:"rc_floor"`
	RCHardFloor          decimal.Decimal `json:"rc_hard_floor"`
	RCSoftCeiling        decimal.Decimal `json:"rc_soft_ceiling"`
	TargetMonthsCoverage decimal.Decimal `json:"target_months_coverage"`
	Version              int             `json:"version"`
	UpdatedUnixUTC       int64           `json:"updated_unix_utc"`
}

// DefaultParameters returns conservative parameters used when no row matches.
func DefaultParameters() Parameters {
	return Parameters{
		Alpha:                decimal.RequireFromString("0.05"),
		AlphaMin:             decimal.RequireFromString("0.02"),
		AlphaMax:             decimal.RequireFromString("0.20"),
		AlphaStep:            decimal.RequireFromString("0.01"),
		EventCapUSDCents:     200000,
		PerUserLimitCents:    500000,
		PerUserWindowDays:    365,
		MonthlyPayoutCap:     5000000,
		HardFloorCents:       0,
		SoftCeilingSubfund:   SubfundProfitability,
		RCFloor:              decimal.RequireFromString("1.0"),
		RCHardFloor:          decimal.RequireFromString("0.5"),
		RCSoftCeiling:        decimal.RequireFromString("2.0"),
		TargetMonthsCoverage: decimal.NewFromInt(6),
	}
}

// Validate checks the parameters for internal consistency.
func (parameters Parameters) Validate() error {
	if parameters.AlphaMin.IsNegative() || parameters.AlphaMax.GreaterThan(decimal.NewFromInt(1)) || parameters.AlphaMin.GreaterThan(parameters.AlphaMax) {
		return fmt.Errorf("%w: alpha bounds", ErrInvalidParameters)
	}
	if parameters.Alpha.LessThan(parameters.AlphaMin) || parameters.Alpha.GreaterThan(parameters.AlphaMax) {
		return fmt.Errorf("%w: alpha %s outside [%s, %s]", ErrInvalidParameters, parameters.Alpha, parameters.AlphaMin, parameters.AlphaMax)
	}
	if parameters.AlphaStep.IsNegative() {
		return fmt.Errorf("%w: alpha step", ErrInvalidParameters)
	}
	if parameters.EventCapUSDCents <= 0 || parameters.PerUserLimitCents <= 0 || parameters.MonthlyPayoutCap <= 0 || parameters.PerUserWindowDays <= 0 {
		return fmt.Errorf("%w: caps must be positive", ErrInvalidParameters)
	}
	if parameters.HardFloorCents < 0 {
		return fmt.Errorf("%w: hard floor", ErrInvalidParameters)
	}
	if _, err := ParseSubfundType(string(parameters.SoftCeilingSubfund)); err != nil {
		return fmt.Errorf("%w: soft ceiling subfund", ErrInvalidParameters)
	}
	if parameters.RCHardFloor.GreaterThan(parameters.RCFloor) || parameters.RCFloor.GreaterThan(parameters.RCSoftCeiling) {
		return fmt.Errorf("%w: coverage thresholds must satisfy hard floor <= floor <= soft ceiling", ErrInvalidParameters)
	}
	if !parameters.TargetMonthsCoverage.IsPositive() {
		return fmt.Errorf("%w: target months coverage", ErrInvalidParameters)
	}
	return nil
}

// Status is the solvency status derived from the coverage ratio.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Metrics is a point-in-time solvency report of the fund.
type Metrics struct {
	MetricsID              string          `json:"metrics_id"`
	TotalBalanceCents      int64           `json:"total_balance_cents"`
	Subfunds               []Subfund       `json:"subfunds"`
	LossRatio90d           decimal.Decimal `json:"lr_90d"`
	LossRatio365d          decimal.Decimal `json:"lr_365d"`
	MonthlyPayoutRateCents int64           `json:"monthly_payout_rate_cents"`
	TargetBalanceCents     int64           `json:"target_balance_cents"`
	CoverageRatio          decimal.Decimal `json:"coverage_ratio"`
	// NoPayoutHistory is set when there were no payouts to derive a target balance from.
	NoPayoutHistory bool   `json:"no_payout_history"`
	Status          Status `json:"status"`
	Surplus         bool   `json:"surplus"`
	ComputedUnixUTC int64  `json:"computed_unix_utc"`
}

// AlphaAdjustment records one closed-loop alpha change.
type AlphaAdjustment struct {
	AdjustmentID   string          `json:"adjustment_id"`
	Key            ParameterKey    `json:"key"`
	OldAlpha       decimal.Decimal `json:"old_alpha"`
	NewAlpha       decimal.Decimal `json:"new_alpha"`
	Status         Status          `json:"status"`
	LossRatio90d   decimal.Decimal `json:"lr_90d"`
	LossRatio365d  decimal.Decimal `json:"lr_365d"`
	CoverageRatio  decimal.Decimal `json:"coverage_ratio"`
	Reason         string          `json:"reason"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

// MovementFilter selects movements for sums and listings. Zero fields do not filter.
type MovementFilter struct {
	Types        []MovementType
	Subfund      SubfundType
	UserID       string
	BookingID    string
	SinceUnixUTC int64
	Limit        int
}

// Store persists the fund.
type Store interface {
	ledger.OperationJournal
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockSubfunds(ctx context.Context) (map[SubfundType]Subfund, error)
	SaveSubfund(ctx context.Context, subfund Subfund) error
	ListSubfunds(ctx context.Context) ([]Subfund, error)
	InsertMovements(ctx context.Context, movements []Movement) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	SumMovements(ctx context.Context, filter MovementFilter) (int64, error)
	LinkWalletEntry(ctx context.Context, ref ledger.Ref, walletEntryID string) error
	GetParameters(ctx context.Context, key ParameterKey) (Parameters, bool, error)
	SaveParameters(ctx context.Context, parameters Parameters, expectedVersion int) error
	ListParameters(ctx context.Context) ([]Parameters, error)
	InsertMetrics(ctx context.Context, metrics Metrics) error
	LatestMetrics(ctx context.Context) (Metrics, bool, error)
	InsertAlphaAdjustment(ctx context.Context, adjustment AlphaAdjustment) error
}
