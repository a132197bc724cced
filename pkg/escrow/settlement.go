package escrow

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// capture is the settlement of one booking lock: cents leave the renter's lock into splits and
// the rest of the lock is released with releaseKind.
type capture struct {
	purpose       ledger.LockPurpose
	cents         int64
	chargeKind    ledger.EntryKind
	splits        []ledger.Split
	releaseKind   ledger.EntryKind
	suffix        string
	skip          bool
	ownerCents    int64
	platformCents int64
}

// rentalCapture charges captureCents of the rental lock, split between the owner and the
// platform fee.
func (service *Service) rentalCapture(escrow Escrow, captureCents int64, releaseKind ledger.EntryKind) (capture, error) {
	owner, err := ledger.NewUserID(escrow.Booking.OwnerID)
	if err != nil {
		return capture{}, err
	}
	platformCents := bpsOf(captureCents, escrow.PlatformFeeBps)
	ownerCents := captureCents - platformCents
	return capture{
		purpose:    ledger.LockPurposeRental,
		cents:      captureCents,
		chargeKind: ledger.KindRentalCharge,
		splits: []ledger.Split{
			{UserID: owner, Amount: ledger.AmountCents(ownerCents), Kind: ledger.KindRentalPayment},
			{UserID: service.platformAccount, Amount: ledger.AmountCents(platformCents), Kind: ledger.KindFee},
		},
		releaseKind:   releaseKind,
		suffix:        refSuffixRental,
		ownerCents:    ownerCents,
		platformCents: platformCents,
	}, nil
}

// depositCapture charges damageCents of the deposit lock to the owner and releases the rest.
func (service *Service) depositCapture(escrow Escrow, damageCents int64, owner ledger.UserID) capture {
	deposit := capture{
		purpose:     ledger.LockPurposeDeposit,
		cents:       damageCents,
		chargeKind:  ledger.KindFranchiseUser,
		releaseKind: ledger.KindUnlock,
		suffix:      refSuffixDeposit,
		skip:        escrow.Amounts.DepositCents == 0,
		ownerCents:  damageCents,
	}
	if damageCents > 0 {
		deposit.splits = []ledger.Split{{UserID: owner, Amount: ledger.AmountCents(damageCents), Kind: ledger.KindFranchiseUser}}
	}
	return deposit
}

// settle posts captures against the booking locks. A card-funded escrow first captures the
// charged total on the card, credits it to the renter and locks it, so both funding sources
// settle through the same wallet entries. It returns the cents captured on the card.
func (service *Service) settle(ctx context.Context, escrow Escrow, ref ledger.Ref, operation string, captures []capture) (int64, error) {
	booking, err := ledger.NewBookingID(escrow.BookingID())
	if err != nil {
		return 0, err
	}
	metadata, err := service.metadata(escrow, operation)
	if err != nil {
		return 0, err
	}
	var cardCaptured int64
	if escrow.FundingSource == FundingCard {
		if cardCaptured, err = service.materializeCard(ctx, escrow, ref, metadata, captures); err != nil {
			return 0, err
		}
	}
	for _, current := range captures {
		if current.skip || (escrow.FundingSource == FundingCard && current.cents == 0) {
			continue
		}
		settleRef, err := deriveRef(ref, current.suffix)
		if err != nil {
			return 0, err
		}
		if _, err := service.ledger.SettleLock(ctx, ledger.SettleRequest{
			LockID:       ledger.LockIDFor(booking, current.purpose),
			CaptureCents: ledger.AmountCents(current.cents),
			ChargeKind:   current.chargeKind,
			Splits:       current.splits,
			ReleaseKind:  current.releaseKind,
			Ref:          settleRef,
			Metadata:     metadata,
		}); err != nil {
			return 0, err
		}
	}
	return cardCaptured, nil
}

func (service *Service) materializeCard(ctx context.Context, escrow Escrow, ref ledger.Ref, metadata ledger.MetadataJSON, captures []capture) (int64, error) {
	if service.authorizer == nil {
		return 0, fmt.Errorf("%w: no payment authorizer configured", ErrHoldAuthorizationFailed)
	}
	parties, err := partiesOf(escrow)
	if err != nil {
		return 0, err
	}
	var total int64
	holds := make([]ledger.Hold, 0, len(captures))
	for _, current := range captures {
		if current.skip || current.cents == 0 {
			continue
		}
		amount, err := ledger.NewPositiveAmountCents(current.cents)
		if err != nil {
			return 0, err
		}
		holds = append(holds, ledger.Hold{Purpose: current.purpose, Amount: amount})
		total += current.cents
	}
	if total == 0 {
		cancelRef, err := deriveRef(ref, refSuffixCardCancel)
		if err != nil {
			return 0, err
		}
		if err := service.authorizer.Cancel(ctx, escrow.PaymentIntentID, cancelRef.String()); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrHoldAuthorizationFailed, err)
		}
		return 0, nil
	}

	captureRef, err := deriveRef(ref, refSuffixCardCapture)
	if err != nil {
		return 0, err
	}
	if err := service.authorizer.Capture(ctx, escrow.PaymentIntentID, total, captureRef.String()); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHoldAuthorizationFailed, err)
	}
	fundsRef, err := deriveRef(ref, refSuffixCardFunds)
	if err != nil {
		return 0, err
	}
	amount, err := ledger.NewPositiveAmountCents(total)
	if err != nil {
		return 0, err
	}
	if _, err := service.ledger.Credit(ctx, ledger.CreditRequest{
		UserID:    parties.renter,
		Amount:    amount,
		Kind:      ledger.KindDeposit,
		BookingID: parties.booking,
		Ref:       fundsRef,
		Metadata:  metadata,
	}); err != nil {
		return 0, err
	}
	lockRef, err := deriveRef(ref, refSuffixCardLock)
	if err != nil {
		return 0, err
	}
	if _, err := service.ledger.LockFunds(ctx, ledger.LockRequest{
		UserID:    parties.renter,
		BookingID: parties.booking,
		Holds:     holds,
		Ref:       lockRef,
		Metadata:  metadata,
	}); err != nil {
		return 0, err
	}
	return total, nil
}

// charge pays the full rental out to the owner and the platform. Without a damage window, or
// when the deposit was only a card authorization, the deposit is released in the same step and
// the escrow completes.
func (service *Service) charge(ctx context.Context, current Escrow, ref ledger.Ref, operation string) (Escrow, Status, error) {
	rental, err := service.rentalCapture(current, current.Amounts.RentalCents, ledger.KindUnlock)
	if err != nil {
		return Escrow{}, "", err
	}
	captures := []capture{rental}
	releaseNow := service.damageWindowSeconds == 0 || current.FundingSource == FundingCard
	if releaseNow {
		captures = append(captures, service.depositCapture(current, 0, ledger.UserID{}))
	}
	cardCaptured, err := service.settle(ctx, current, ref, operation, captures)
	if err != nil {
		return Escrow{}, "", err
	}
	nowUnixUTC := service.nowFn()
	next := current
	next.Settlement.OwnerPayoutCents = rental.ownerCents
	next.Settlement.PlatformFeeCents = rental.platformCents
	next.Settlement.CardCapturedCents = cardCaptured
	next.Status = StatusCharged
	if releaseNow {
		next.Settlement.DepositReleasedCents = current.Amounts.DepositCents
		next.DepositReleaseUnixUTC = nowUnixUTC
		next.Status = StatusCompleted
		return next, StatusCharged, nil
	}
	next.DepositReleaseUnixUTC = nowUnixUTC + service.damageWindowSeconds
	return next, "", nil
}

// ConfirmationRequest records one party's confirmation that the trip finished.
type ConfirmationRequest struct {
	BookingID string
	Ref       ledger.Ref
}

// ConfirmRenterPayment records the renter's confirmation. The rental is charged once the owner
// has confirmed too.
func (service *Service) ConfirmRenterPayment(ctx context.Context, request ConfirmationRequest) (Result, error) {
	return service.confirm(ctx, operationConfirmRenter, request, func(escrow *Escrow, nowUnixUTC int64) {
		if escrow.RenterConfirmedUnixUTC == 0 {
			escrow.RenterConfirmedUnixUTC = nowUnixUTC
		}
	})
}

// ConfirmOwnerDelivery records the owner's confirmation. The rental is charged once the renter
// has confirmed too.
func (service *Service) ConfirmOwnerDelivery(ctx context.Context, request ConfirmationRequest) (Result, error) {
	return service.confirm(ctx, operationConfirmOwner, request, func(escrow *Escrow, nowUnixUTC int64) {
		if escrow.OwnerConfirmedUnixUTC == 0 {
			escrow.OwnerConfirmedUnixUTC = nowUnixUTC
		}
	})
}

// CompleteTrip marks the trip finished and restarts the automatic release timer from now.
func (service *Service) CompleteTrip(ctx context.Context, request ConfirmationRequest) (Result, error) {
	return service.confirm(ctx, operationCompleteTrip, request, func(escrow *Escrow, nowUnixUTC int64) {
		if escrow.TripCompletedUnixUTC == 0 {
			escrow.TripCompletedUnixUTC = nowUnixUTC
			escrow.AutoReleaseUnixUTC = nowUnixUTC + service.autoReleaseSeconds
		}
	})
}

func (service *Service) confirm(ctx context.Context, operation string, request ConfirmationRequest, mark func(escrow *Escrow, nowUnixUTC int64)) (Result, error) {
	return service.transition(ctx, transitionPlan{
		operation: operation,
		bookingID: request.BookingID,
		ref:       request.Ref,
		from:      []Status{StatusLocked},
		apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
			next := current
			mark(&next, service.nowFn())
			if !next.BothConfirmed() {
				return next, "", nil
			}
			charged, via, err := service.charge(ctx, next, request.Ref, operation)
			if err != nil {
				return Escrow{}, "", err
			}
			return charged, via, nil
		},
	})
}

// ReleaseDepositRequest closes the damage window of a charged escrow early.
type ReleaseDepositRequest struct {
	BookingID string
	Ref       ledger.Ref
}

// ReleaseDeposit returns the whole deposit of a charged escrow to the renter and completes it.
func (service *Service) ReleaseDeposit(ctx context.Context, request ReleaseDepositRequest) (Result, error) {
	return service.transition(ctx, transitionPlan{
		operation: operationReleaseDep,
		bookingID: request.BookingID,
		ref:       request.Ref,
		from:      []Status{StatusCharged},
		apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
			if _, err := service.settle(ctx, current, request.Ref, operationReleaseDep, []capture{service.depositCapture(current, 0, ledger.UserID{})}); err != nil {
				return Escrow{}, "", err
			}
			next := current
			next.Settlement.DepositReleasedCents = current.Amounts.DepositCents
			next.Status = StatusCompleted
			return next, "", nil
		},
	})
}

// ReleaseTimedOut settles locked escrows whose automatic release time has passed without both
// confirmations, then releases the deposits of charged escrows whose damage window has closed.
// It returns the number of escrows moved.
func (service *Service) ReleaseTimedOut(ctx context.Context, limit int) (int, error) {
	nowUnixUTC := service.nowFn()
	released, err := service.sweep(ctx, StatusLocked, limit, func(ctx context.Context, escrow Escrow) (bool, error) {
		if escrow.AutoReleaseUnixUTC == 0 || escrow.AutoReleaseUnixUTC > nowUnixUTC {
			return false, nil
		}
		ref, err := sweepRef(operationAutoRelease, escrow.BookingID())
		if err != nil {
			return false, err
		}
		_, err = service.transition(ctx, transitionPlan{
			operation: operationAutoRelease,
			bookingID: escrow.BookingID(),
			ref:       ref,
			from:      []Status{StatusLocked},
			apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
				return service.charge(ctx, current, ref, operationAutoRelease)
			},
		})
		return err == nil, err
	})
	if err != nil {
		return released, err
	}
	deposits, err := service.sweep(ctx, StatusCharged, limit, func(ctx context.Context, escrow Escrow) (bool, error) {
		if escrow.DepositReleaseUnixUTC > nowUnixUTC {
			return false, nil
		}
		ref, err := sweepRef(operationReleaseDep, escrow.BookingID())
		if err != nil {
			return false, err
		}
		_, err = service.ReleaseDeposit(ctx, ReleaseDepositRequest{BookingID: escrow.BookingID(), Ref: ref})
		return err == nil, err
	})
	return released + deposits, err
}
