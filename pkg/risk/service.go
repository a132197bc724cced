package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	secondsPerDay    = int64(24 * 60 * 60)
	defaultListLimit = 100
)

// SnapshotRequest describes the booking whose risk terms are frozen.
type SnapshotRequest struct {
	BookingID        string
	CountryCode      string
	CarValueUSDCents int64
	GuaranteeType    GuaranteeType
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// Service freezes and revalidates risk snapshots.
type Service struct {
	store  Store
	rates  RateProvider
	policy Policy
	nowFn  func() int64
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, rates RateProvider, policy Policy, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil || rates == nil || now == nil {
		return nil, fmt.Errorf("%w: store, rates and clock are required", ErrInvalidServiceConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, rates: rates, policy: policy, nowFn: now, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Snapshot freezes the FX rate and guarantee terms of a booking. A booking that already has an
// active snapshot gets it back unchanged.
func (service *Service) Snapshot(ctx context.Context, request SnapshotRequest) (Snapshot, error) {
	bookingID := strings.TrimSpace(request.BookingID)
	if bookingID == "" {
		return Snapshot{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	if request.CarValueUSDCents <= 0 {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrInvalidCarValue, request.CarValueUSDCents)
	}
	if _, err := ParseGuaranteeType(string(request.GuaranteeType)); err != nil {
		return Snapshot{}, err
	}
	request.BookingID = bookingID
	var snapshot Snapshot
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		existing, found, err := txStore.GetActiveSnapshot(ctx, bookingID)
		if err != nil {
			return err
		}
		if found {
			snapshot = existing
			return nil
		}
		fresh, err := service.build(ctx, request, 1)
		if err != nil {
			return err
		}
		if err := txStore.InsertSnapshot(ctx, fresh); err != nil {
			return err
		}
		snapshot = fresh
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// Get returns the active snapshot of a booking.
func (service *Service) Get(ctx context.Context, bookingID string) (Snapshot, error) {
	snapshot, found, err := service.store.GetActiveSnapshot(ctx, strings.TrimSpace(bookingID))
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSnapshot, bookingID)
	}
	return snapshot, nil
}

// History returns every snapshot of a booking, oldest first.
func (service *Service) History(ctx context.Context, bookingID string) ([]Snapshot, error) {
	return service.store.ListSnapshots(ctx, strings.TrimSpace(bookingID))
}

// CheckRevalidation reports whether the active snapshot is too old, has drifted too far from the
// current rate, or was flagged by an administrator. It never changes the snapshot.
func (service *Service) CheckRevalidation(ctx context.Context, bookingID string) (Revalidation, error) {
	snapshot, err := service.Get(ctx, bookingID)
	if err != nil {
		return Revalidation{}, err
	}
	nowUnixUTC := service.nowFn()
	result := Revalidation{
		BookingID:      snapshot.BookingID,
		SnapshotID:     snapshot.SnapshotID,
		SnapshotFX:     snapshot.FXRate,
		AgeSeconds:     nowUnixUTC - snapshot.FXSnapshotUnixUTC,
		CheckedUnixUTC: nowUnixUTC,
	}
	current, err := service.rates.RateToUSD(ctx, snapshot.LocalCurrency)
	if err != nil {
		return Revalidation{}, err
	}
	result.CurrentFX = current
	if snapshot.FXRate.IsPositive() {
		result.Variation = current.Sub(snapshot.FXRate).Abs().Div(snapshot.FXRate)
	}
	switch {
	case snapshot.RequiresRevalidation:
		result.Required = true
		result.Reason = snapshot.RevalidationReason
		if result.Reason == ReasonNone {
			result.Reason = ReasonAdminFlag
		}
	case result.AgeSeconds > int64(service.policy.MaxAgeDays)*secondsPerDay:
		result.Required = true
		result.Reason = ReasonAge
	case result.Variation.GreaterThan(service.policy.VariationThreshold):
		result.Required = true
		result.Reason = ReasonFXVariation
	}
	return result, nil
}

// FlagForRevalidation marks the active snapshot of a booking as requiring revalidation.
func (service *Service) FlagForRevalidation(ctx context.Context, bookingID string, reason RevalidationReason) error {
	if reason == ReasonNone {
		reason = ReasonAdminFlag
	}
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		snapshot, found, err := txStore.GetActiveSnapshot(ctx, strings.TrimSpace(bookingID))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownSnapshot, bookingID)
		}
		if snapshot.RequiresRevalidation {
			return nil
		}
		service.logger.Info("risk snapshot flagged", zap.String("booking_id", snapshot.BookingID), zap.String("reason", string(reason)))
		return txStore.FlagSnapshot(ctx, snapshot.SnapshotID, reason)
	})
}

// Refresh replaces the active snapshot with a new version priced at the current rate.
func (service *Service) Refresh(ctx context.Context, bookingID string) (Snapshot, error) {
	var refreshed Snapshot
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, found, err := txStore.GetActiveSnapshot(ctx, strings.TrimSpace(bookingID))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownSnapshot, bookingID)
		}
		next, err := service.build(ctx, SnapshotRequest{
			BookingID:        current.BookingID,
			CountryCode:      current.CountryCode,
			CarValueUSDCents: current.CarValueUSDCents,
			GuaranteeType:    current.GuaranteeType,
		}, current.Version+1)
		if err != nil {
			return err
		}
		if err := txStore.SupersedeSnapshot(ctx, current.SnapshotID, next.CreatedUnixUTC); err != nil {
			return err
		}
		if err := txStore.InsertSnapshot(ctx, next); err != nil {
			return err
		}
		refreshed = next
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	service.logger.Info("risk snapshot refreshed", zap.String("booking_id", refreshed.BookingID), zap.Int("version", refreshed.Version), zap.String("fx_rate", refreshed.FXRate.String()))
	return refreshed, nil
}

// ConvertUSDCents converts a USD amount with the frozen rate of the booking, rounding half-even.
// Stale snapshots keep converting; callers that must not rely on them check revalidation first.
func (service *Service) ConvertUSDCents(ctx context.Context, bookingID string, usdCents int64) (int64, error) {
	snapshot, err := service.Get(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	return convert(usdCents, snapshot.FXRate), nil
}

// SweepStale checks active snapshots in pages and flags the stale ones. It returns how many
// snapshots were flagged.
func (service *Service) SweepStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	flagged := 0
	after := ""
	for {
		snapshots, err := service.store.ListActiveSnapshots(ctx, after, limit)
		if err != nil {
			return flagged, err
		}
		for _, snapshot := range snapshots {
			after = snapshot.BookingID
			if snapshot.RequiresRevalidation {
				continue
			}
			check, err := service.CheckRevalidation(ctx, snapshot.BookingID)
			if err != nil {
				return flagged, err
			}
			if !check.Required {
				continue
			}
			if err := service.FlagForRevalidation(ctx, snapshot.BookingID, check.Reason); err != nil {
				return flagged, err
			}
			flagged++
		}
		if len(snapshots) < limit {
			return flagged, nil
		}
	}
}

func (service *Service) build(ctx context.Context, request SnapshotRequest, version int) (Snapshot, error) {
	country := strings.ToUpper(strings.TrimSpace(request.CountryCode))
	currency, ok := service.policy.Currencies[country]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownCountry, country)
	}
	rate, err := service.rates.RateToUSD(ctx, currency)
	if err != nil {
		return Snapshot{}, err
	}
	tier, err := service.policy.bucketFor(request.CarValueUSDCents)
	if err != nil {
		return Snapshot{}, err
	}
	nowUnixUTC := service.nowFn()
	return Snapshot{
		SnapshotID:                uuid.NewString(),
		BookingID:                 request.BookingID,
		Version:                   version,
		CountryCode:               country,
		LocalCurrency:             currency,
		FXRate:                    rate,
		FXSnapshotUnixUTC:         nowUnixUTC,
		GuaranteeType:             request.GuaranteeType,
		CarValueUSDCents:          request.CarValueUSDCents,
		Bucket:                    tier.Bucket,
		GuaranteeAmountUSDCents:   tier.GuaranteeAmountUSDCents,
		GuaranteeAmountLocalCents: convert(tier.GuaranteeAmountUSDCents, rate),
		FranchiseUSDCents:         tier.FranchiseUSDCents,
		Active:                    true,
		CreatedUnixUTC:            nowUnixUTC,
	}, nil
}

func convert(usdCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(usdCents).Mul(rate).RoundBank(0).IntPart()
}
