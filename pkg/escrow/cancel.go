package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// cancelTier charges Percent of the rental when cancelling less than MinHoursBeforeStart hours
// before the trip starts.
type cancelTier struct {
	minHoursBeforeStart int64
	percent             int64
}

// cancelTiers are ordered from the longest notice to the shortest. Notice at or above the first
// threshold is free.
var cancelTiers = map[CancelPolicy][]cancelTier{
	CancelPolicyFlex:     {{minHoursBeforeStart: 24, percent: 10}},
	CancelPolicyModerate: {{minHoursBeforeStart: 72, percent: 25}, {minHoursBeforeStart: 24, percent: 50}},
	CancelPolicyStrict:   {{minHoursBeforeStart: 168, percent: 50}, {minHoursBeforeStart: 72, percent: 100}},
}

// CancelFeePercent returns the share of the rental kept when a booking is cancelled at nowUnixUTC.
func CancelFeePercent(policy CancelPolicy, startUnixUTC int64, nowUnixUTC int64) (int64, error) {
	policy, err := ParseCancelPolicy(string(policy))
	if err != nil {
		return 0, err
	}
	noticeSeconds := startUnixUTC - nowUnixUTC
	var percent int64
	for _, tier := range cancelTiers[policy] {
		if noticeSeconds >= tier.minHoursBeforeStart*secondsPerHour {
			break
		}
		percent = tier.percent
	}
	return percent, nil
}

// ComputeCancelFee returns the cancellation fee in cents for a rental, rounded half-even.
func ComputeCancelFee(policy CancelPolicy, startUnixUTC int64, nowUnixUTC int64, rentalCents int64) (int64, error) {
	percent, err := CancelFeePercent(policy, startUnixUTC, nowUnixUTC)
	if err != nil {
		return 0, err
	}
	return percentOf(rentalCents, percent), nil
}

// CancelFee returns the fee the booking would be charged if cancelled at nowUnixUTC.
func (service *Service) CancelFee(ctx context.Context, bookingID string, nowUnixUTC int64) (int64, error) {
	escrow, err := service.store.GetEscrow(ctx, strings.TrimSpace(bookingID))
	if err != nil {
		return 0, err
	}
	if escrow.Status != StatusLocked {
		return 0, nil
	}
	return ComputeCancelFee(escrow.Booking.CancelPolicy, escrow.Booking.StartUnixUTC, nowUnixUTC, escrow.Amounts.RentalCents)
}

// CancelRequest cancels a booking before settlement.
type CancelRequest struct {
	BookingID string
	Reason    string
	Ref       ledger.Ref
}

// Cancel refunds a booking. An unlocked escrow is closed after releasing anything a failed lock
// attempt left behind. A locked
// escrow is charged the cancellation fee of its policy, split between owner and platform, and
// everything else returns to the renter.
func (service *Service) Cancel(ctx context.Context, request CancelRequest) (Result, error) {
	return service.transition(ctx, transitionPlan{
		operation: operationCancel,
		bookingID: request.BookingID,
		ref:       request.Ref,
		from:      []Status{StatusUnlocked, StatusLocked},
		arguments: []any{request.Reason},
		detail:    request.Reason,
		apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
			next := current
			next.Status = StatusRefunded
			if current.Status == StatusUnlocked {
				if err := service.releaseStranded(ctx, current, request.Ref); err != nil {
					return Escrow{}, "", err
				}
				return next, "", nil
			}
			fee, err := ComputeCancelFee(current.Booking.CancelPolicy, current.Booking.StartUnixUTC, service.nowFn(), current.Amounts.RentalCents)
			if err != nil {
				return Escrow{}, "", err
			}
			rental, err := service.rentalCapture(current, fee, ledger.KindRefund)
			if err != nil {
				return Escrow{}, "", err
			}
			deposit := service.depositCapture(current, 0, ledger.UserID{})
			captured, err := service.settle(ctx, current, request.Ref, operationCancel, []capture{rental, deposit})
			if err != nil {
				return Escrow{}, "", err
			}
			next.Settlement.CancelFeeCents = fee
			next.Settlement.OwnerPayoutCents = rental.ownerCents
			next.Settlement.PlatformFeeCents = rental.platformCents
			next.Settlement.RentalRefundCents = current.Amounts.RentalCents - fee
			next.Settlement.DepositReleasedCents = current.Amounts.DepositCents
			next.Settlement.CardCapturedCents = captured
			return next, "", nil
		},
	})
}

// percentOf returns percent% of cents rounded half-even.
func percentOf(cents int64, percent int64) int64 {
	return decimal.NewFromInt(cents).Mul(decimal.NewFromInt(percent)).Div(decimal.NewFromInt(100)).RoundBank(0).IntPart()
}

// bpsOf returns bps basis points of cents rounded half-even.
func bpsOf(cents int64, bps int64) int64 {
	return decimal.NewFromInt(cents).Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(basisPointsDenominator)).RoundBank(0).IntPart()
}

func validatePercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: refund percentage %d outside [0,100]", ErrInvalidResolution, percent)
	}
	return nil
}
