package fgo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

const (
	operationContribute = "fgo_contribute"
	operationWaterfall  = "fgo_waterfall"
	operationRebalance  = "fgo_rebalance"

	refSuffixPayout       = "fgo_payout"
	refSuffixContribution = "fgo_contribution"

	secondsPerDay     = int64(24 * 60 * 60)
	monthlyWindowDays = 30

	ReasonWithinCaps   = ""
	ReasonEventCap     = "event_cap"
	ReasonPerUserLimit = "per_user_limit"
	ReasonMonthlyCap   = "monthly_cap"
)

// LedgerPoster posts the wallet side of fund movements.
type LedgerPoster interface {
	Credit(ctx context.Context, request ledger.CreditRequest) (ledger.Receipt, error)
	Debit(ctx context.Context, request ledger.CreditRequest) (ledger.Receipt, error)
}

// Converter converts USD cents into the ledger currency using the frozen rate of a booking. A
// booking without a frozen rate (risk.ErrUnknownSnapshot) keeps the USD cap.
type Converter interface {
	ConvertUSDCents(ctx context.Context, bookingID string, usdCents int64) (int64, error)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLedger posts payouts and contributions to the wallet ledger.
func WithLedger(poster LedgerPoster) ServiceOption {
	return func(service *Service) {
		service.ledger = poster
	}
}

// WithFundingAccount sets the system wallet that funds contributions.
func WithFundingAccount(userID ledger.UserID) ServiceOption {
	return func(service *Service) {
		service.fundingAccount = userID
	}
}

// WithConverter converts USD caps with the booking's risk snapshot.
func WithConverter(converter Converter) ServiceOption {
	return func(service *Service) {
		service.converter = converter
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithConflictRetry replaces the retry policy used on concurrency conflicts.
func WithConflictRetry(config ledger.RetryConfig) ServiceOption {
	return func(service *Service) {
		service.retryPolicy = ledger.NewConflictRetryPolicy(config)
	}
}

// WithDefaultParameters sets the parameters used when no stored row matches.
func WithDefaultParameters(parameters Parameters) ServiceOption {
	return func(service *Service) {
		service.defaults = parameters
	}
}

// Service runs the guarantee fund.
type Service struct {
	store          Store
	nowFn          func() int64
	ledger         LedgerPoster
	fundingAccount ledger.UserID
	converter      Converter
	logger         *zap.Logger
	retryPolicy    retrypolicy.RetryPolicy[any]
	defaults       Parameters
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil || now == nil {
		return nil, fmt.Errorf("%w: store and clock are required", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		logger:      zap.NewNop(),
		retryPolicy: ledger.NewConflictRetryPolicy(ledger.DefaultRetryConfig()),
		defaults:    DefaultParameters(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.defaults.Validate(); err != nil {
		return nil, err
	}
	return service, nil
}

// Subfunds returns the current subfund balances.
func (service *Service) Subfunds(ctx context.Context) ([]Subfund, error) {
	return service.store.ListSubfunds(ctx)
}

// Movements lists movements matching the filter, newest first.
func (service *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return service.store.ListMovements(ctx, filter)
}

// ResolveParameters returns the parameters for a bucket and country: the exact row, then the
// bucket row for any country, then the global row, then the configured defaults.
func (service *Service) ResolveParameters(ctx context.Context, bucket string, countryCode string) (Parameters, error) {
	return service.resolveParameters(ctx, service.store, normalizeKey(ParameterKey{Bucket: bucket, CountryCode: countryCode}))
}

// ListParameters returns every stored parameter row.
func (service *Service) ListParameters(ctx context.Context) ([]Parameters, error) {
	return service.store.ListParameters(ctx)
}

// OverrideParameters replaces a parameter row. expectedVersion is the version the caller read;
// zero creates the row.
func (service *Service) OverrideParameters(ctx context.Context, parameters Parameters, expectedVersion int) (Parameters, error) {
	parameters.Key = normalizeKey(parameters.Key)
	if err := parameters.Validate(); err != nil {
		return Parameters{}, err
	}
	parameters.Version = expectedVersion + 1
	parameters.UpdatedUnixUTC = service.nowFn()
	if err := service.store.SaveParameters(ctx, parameters, expectedVersion); err != nil {
		return Parameters{}, err
	}
	service.logger.Info("fgo parameters overridden",
		zap.String("bucket", parameters.Key.Bucket),
		zap.String("country_code", parameters.Key.CountryCode),
		zap.String("alpha", parameters.Alpha.String()),
		zap.Int("version", parameters.Version),
	)
	return parameters, nil
}

func (service *Service) resolveParameters(ctx context.Context, store Store, key ParameterKey) (Parameters, error) {
	candidates := []ParameterKey{key, {Bucket: key.Bucket}, {}}
	for _, candidate := range candidates {
		parameters, found, err := store.GetParameters(ctx, candidate)
		if err != nil {
			return Parameters{}, err
		}
		if found {
			return parameters, nil
		}
	}
	defaults := service.defaults
	defaults.Key = ParameterKey{}
	return defaults, nil
}

func normalizeKey(key ParameterKey) ParameterKey {
	return ParameterKey{
		Bucket:      strings.TrimSpace(key.Bucket),
		CountryCode: strings.ToUpper(strings.TrimSpace(key.CountryCode)),
	}
}

// EligibilityRequest describes a claim against the fund.
type EligibilityRequest struct {
	BookingID        string
	ClaimantUserID   string
	ClaimAmountCents int64
	Bucket           string
	CountryCode      string
}

// Eligibility is the capped amount the fund may pay for a claim. Reason names the binding cap.
type Eligibility struct {
	Eligible              bool   `json:"eligible"`
	ClaimAmountCents      int64  `json:"claim_amount_cents"`
	CappedAmountCents     int64  `json:"capped_amount_cents"`
	Reason                string `json:"reason,omitempty"`
	EventCapCents         int64  `json:"event_cap_cents"`
	PerUserRemainingCents int64  `json:"per_user_remaining_cents"`
	MonthlyRemainingCents int64  `json:"monthly_remaining_cents"`
}

// AssessEligibility caps a claim by the event cap, the claimant's rolling payout limit and the
// fund-wide monthly payout cap.
func (service *Service) AssessEligibility(ctx context.Context, request EligibilityRequest) (Eligibility, error) {
	if request.ClaimAmountCents <= 0 {
		return Eligibility{}, fmt.Errorf("%w: claim must be greater than zero", ErrInvalidAmount)
	}
	parameters, err := service.resolveParameters(ctx, service.store, normalizeKey(ParameterKey{Bucket: request.Bucket, CountryCode: request.CountryCode}))
	if err != nil {
		return Eligibility{}, err
	}
	eventCapCents, err := service.eventCapCents(ctx, request.BookingID, parameters)
	if err != nil {
		return Eligibility{}, err
	}
	return service.assess(ctx, service.store, request, parameters, eventCapCents)
}

func (service *Service) eventCapCents(ctx context.Context, bookingID string, parameters Parameters) (int64, error) {
	if service.converter == nil || strings.TrimSpace(bookingID) == "" {
		return parameters.EventCapUSDCents, nil
	}
	converted, err := service.converter.ConvertUSDCents(ctx, strings.TrimSpace(bookingID), parameters.EventCapUSDCents)
	if errors.Is(err, risk.ErrUnknownSnapshot) {
		service.logger.Warn("no frozen rate for booking, event cap applied in usd", zap.String("booking_id", bookingID))
		return parameters.EventCapUSDCents, nil
	}
	return converted, err
}

func (service *Service) assess(ctx context.Context, store Store, request EligibilityRequest, parameters Parameters, eventCapCents int64) (Eligibility, error) {
	nowUnixUTC := service.nowFn()
	result := Eligibility{
		ClaimAmountCents:  request.ClaimAmountCents,
		CappedAmountCents: request.ClaimAmountCents,
		EventCapCents:     eventCapCents,
	}
	if eventCapCents < result.CappedAmountCents {
		result.CappedAmountCents = eventCapCents
		result.Reason = ReasonEventCap
	}

	claimant := strings.TrimSpace(request.ClaimantUserID)
	result.PerUserRemainingCents = parameters.PerUserLimitCents
	if claimant != "" {
		paid, err := store.SumMovements(ctx, MovementFilter{
			Types:        []MovementType{MovementClaimPayout},
			UserID:       claimant,
			SinceUnixUTC: nowUnixUTC - int64(parameters.PerUserWindowDays)*secondsPerDay,
		})
		if err != nil {
			return Eligibility{}, err
		}
		result.PerUserRemainingCents = nonNegative(parameters.PerUserLimitCents - paid)
	}
	if result.PerUserRemainingCents < result.CappedAmountCents {
		result.CappedAmountCents = result.PerUserRemainingCents
		result.Reason = ReasonPerUserLimit
	}

	paidThisMonth, err := store.SumMovements(ctx, MovementFilter{
		Types:        []MovementType{MovementClaimPayout},
		SinceUnixUTC: nowUnixUTC - monthlyWindowDays*secondsPerDay,
	})
	if err != nil {
		return Eligibility{}, err
	}
	result.MonthlyRemainingCents = nonNegative(parameters.MonthlyPayoutCap - paidThisMonth)
	if result.MonthlyRemainingCents < result.CappedAmountCents {
		result.CappedAmountCents = result.MonthlyRemainingCents
		result.Reason = ReasonMonthlyCap
	}
	result.Eligible = result.CappedAmountCents > 0
	return result, nil
}

func nonNegative(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}
