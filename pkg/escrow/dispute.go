package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// DamageReport opens a dispute over a booking.
type DamageReport struct {
	BookingID   string
	ClaimCents  int64
	Description string
	Ref         ledger.Ref
}

// ReportDamage moves a locked or charged escrow to disputed. The deposit stays locked until a
// resolution arrives. A charged escrow can only be disputed inside its damage window.
func (service *Service) ReportDamage(ctx context.Context, report DamageReport) (Result, error) {
	if report.ClaimCents < 0 {
		return Result{}, fmt.Errorf("%w: claim %d", ErrInvalidAmounts, report.ClaimCents)
	}
	description := strings.TrimSpace(report.Description)
	return service.transition(ctx, transitionPlan{
		operation: operationReportDamage,
		bookingID: report.BookingID,
		ref:       report.Ref,
		from:      []Status{StatusLocked, StatusCharged},
		arguments: []any{report.ClaimCents, description},
		detail:    description,
		apply: func(_ context.Context, current Escrow) (Escrow, Status, error) {
			if current.Status == StatusCharged && service.nowFn() >= current.DepositReleaseUnixUTC {
				return Escrow{}, "", fmt.Errorf("%w: damage window of %s closed", ErrInvalidState, current.BookingID())
			}
			next := current
			next.Status = StatusDisputed
			next.DisputedFrom = current.Status
			next.DamageClaimCents = report.ClaimCents
			next.DamageDescription = description
			return next, "", nil
		},
	})
}

// DisputeResolution settles a disputed escrow. RefundPercentage is the share of the rental
// returned to the renter; nil means no refund.
type DisputeResolution struct {
	BookingID        string
	RefundPercentage *int
	Reasoning        string
	Ref              ledger.Ref
}

// ApplyDisputeResolution settles a dispute. The rental refund follows RefundPercentage. The
// damage charge is min(claim, deposit), paid from the deposit lock to the owner, and the rest of
// the deposit is released. Damage above the deposit goes to the guarantee fund waterfall, so the
// renter never pays more than rental plus deposit. The escrow completes, or ends damage_settled
// when the fund or a refund leg could not pay in full.
func (service *Service) ApplyDisputeResolution(ctx context.Context, resolution DisputeResolution) (Result, error) {
	refundPercent := 0
	if resolution.RefundPercentage != nil {
		refundPercent = *resolution.RefundPercentage
		if err := validatePercent(refundPercent); err != nil {
			return Result{}, err
		}
	}
	reasoning := strings.TrimSpace(resolution.Reasoning)
	return service.transition(ctx, transitionPlan{
		operation: operationResolve,
		bookingID: resolution.BookingID,
		ref:       resolution.Ref,
		from:      []Status{StatusDisputed},
		arguments: []any{refundPercent, reasoning},
		detail:    reasoning,
		apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
			return service.resolve(ctx, current, resolution.Ref, refundPercent)
		},
	})
}

func (service *Service) resolve(ctx context.Context, current Escrow, ref ledger.Ref, refundPercent int) (Escrow, Status, error) {
	parties, err := partiesOf(current)
	if err != nil {
		return Escrow{}, "", err
	}
	next := current
	refundCents := percentOf(current.Amounts.RentalCents, int64(refundPercent))
	damageCents := min(current.DamageClaimCents, current.Amounts.DepositCents)
	excessCents := current.DamageClaimCents - damageCents

	deposit := service.depositCapture(current, damageCents, parties.owner)
	captures := []capture{deposit}
	if current.DisputedFrom == StatusLocked {
		rental, err := service.rentalCapture(current, current.Amounts.RentalCents-refundCents, ledger.KindRefund)
		if err != nil {
			return Escrow{}, "", err
		}
		captures = append([]capture{rental}, captures...)
		next.Settlement.OwnerPayoutCents = rental.ownerCents
		next.Settlement.PlatformFeeCents = rental.platformCents
	}
	cardCaptured, err := service.settle(ctx, current, ref, operationResolve, captures)
	if err != nil {
		return Escrow{}, "", err
	}
	next.Settlement.RentalRefundCents = refundCents
	next.Settlement.DamageChargeCents = damageCents
	next.Settlement.DepositReleasedCents = current.Amounts.DepositCents - damageCents
	next.Settlement.CardCapturedCents += cardCaptured
	next.Settlement.FGOClaimCents = excessCents
	next.Status = StatusCompleted
	if current.DisputedFrom == StatusCharged && refundCents > 0 {
		unpaid, err := service.refundCharged(ctx, current, parties, ref, refundCents, &next.Settlement)
		if err != nil {
			return Escrow{}, "", err
		}
		if unpaid > 0 {
			next.Settlement.RentalRefundCents -= unpaid
			next.Settlement.RefundShortfallCents = unpaid
			next.Status = StatusDamageSettled
		}
	}
	if excessCents == 0 {
		return next, "", nil
	}

	if service.fund == nil {
		next.Settlement.FGOShortfallCents = excessCents
		next.Status = StatusDamageSettled
		return next, "", nil
	}
	claimRef, err := deriveRef(ref, refSuffixGuarantee)
	if err != nil {
		return Escrow{}, "", err
	}
	payout, err := service.fund.ExecuteWaterfall(ctx, fgo.WaterfallRequest{
		BookingID:       current.BookingID(),
		ClaimantUserID:  current.Booking.RenterID,
		PayeeUserID:     current.Booking.OwnerID,
		TotalClaimCents: excessCents,
		Description:     current.DamageDescription,
		Bucket:          current.Bucket,
		CountryCode:     current.Booking.CountryCode,
		Ref:             claimRef,
	})
	switch {
	case err == nil:
		next.Settlement.FGOPaidCents = payout.PaidCents
	case errors.Is(err, fgo.ErrShortfall):
		next.Settlement.FGOPaidCents = payout.PaidCents
		next.Settlement.FGOShortfallCents = payout.ShortfallCents
		next.Status = StatusDamageSettled
	case errors.Is(err, fgo.ErrCapExceeded):
		next.Settlement.FGOShortfallCents = excessCents
		next.Status = StatusDamageSettled
	case retryable(err):
		return Escrow{}, "", err
	default:
		// Deposit captures are final at this point; the unpaid claim goes to review.
		service.logger.Warn("guarantee claim failed, escrow left for review", zap.String("booking_id", current.BookingID()), zap.Int64("claim_cents", excessCents), zap.Error(err))
		next.Settlement.FGOShortfallCents = excessCents
		next.Status = StatusDamageSettled
	}
	return next, "", nil
}

// refundCharged returns refundCents of an already charged rental to the renter, taken from the
// owner payout and the platform fee in the same proportion they were paid. Legs that cannot be
// paid are skipped and reported as unpaid cents; only retryable failures abort.
func (service *Service) refundCharged(ctx context.Context, current Escrow, parties bookingParties, ref ledger.Ref, refundCents int64, settlement *Settlement) (int64, error) {
	platformCents := bpsOf(refundCents, current.PlatformFeeBps)
	ownerCents := refundCents - platformCents
	metadata, err := service.metadata(current, operationResolve)
	if err != nil {
		return 0, err
	}
	legs := []struct {
		from   ledger.UserID
		cents  int64
		suffix string
		paid   *int64
	}{
		{from: parties.owner, cents: ownerCents, suffix: refSuffixOwnerRefund, paid: &settlement.OwnerPayoutCents},
		{from: service.platformAccount, cents: platformCents, suffix: refSuffixFeeRefund, paid: &settlement.PlatformFeeCents},
	}
	var unpaid int64
	for _, leg := range legs {
		if leg.cents <= 0 {
			continue
		}
		amount, err := ledger.NewPositiveAmountCents(leg.cents)
		if err != nil {
			return 0, err
		}
		transferRef, err := deriveRef(ref, leg.suffix)
		if err != nil {
			return 0, err
		}
		_, err = service.ledger.Transfer(ctx, ledger.TransferRequest{
			FromUserID: leg.from,
			ToUserID:   parties.renter,
			Amount:     amount,
			Ref:        transferRef,
			Metadata:   metadata,
		})
		switch {
		case err == nil:
			*leg.paid -= leg.cents
		case retryable(err):
			return 0, err
		default:
			service.logger.Warn("dispute refund leg not paid", zap.String("booking_id", current.BookingID()), zap.String("from", leg.from.String()), zap.Int64("cents", leg.cents), zap.Error(err))
			unpaid += leg.cents
		}
	}
	return unpaid, nil
}

// retryable reports whether a failed step may succeed when the same ref is retried.
func retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
