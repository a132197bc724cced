package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

// LockRequest secures the rental and the deposit of a booking.
type LockRequest struct {
	BookingID string
	Ref       ledger.Ref
}

// Lock moves an unlocked escrow to locked. The renter must pass the verification gate and the
// risk snapshot must not need revalidation. Funds come from the renter's wallet or a card
// authorization in the order given by the booking's payment mode, and alpha × deposit is routed
// to the guarantee fund.
func (service *Service) Lock(ctx context.Context, request LockRequest) (Result, error) {
	return service.transition(ctx, transitionPlan{
		operation: operationLock,
		bookingID: request.BookingID,
		ref:       request.Ref,
		from:      []Status{StatusUnlocked},
		apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
			nowUnixUTC := service.nowFn()
			if current.HoldExpiresUnixUTC > 0 && nowUnixUTC > current.HoldExpiresUnixUTC {
				return Escrow{}, "", fmt.Errorf("%w: hold window of %s elapsed", ErrInvalidState, current.BookingID())
			}
			if err := service.checkVerified(ctx, current.Booking.RenterID); err != nil {
				return Escrow{}, "", err
			}
			if err := service.checkSnapshot(ctx, current); err != nil {
				return Escrow{}, "", err
			}
			next := current
			source, intentID, err := service.secureFunds(ctx, current, request.Ref)
			if err != nil {
				return Escrow{}, "", err
			}
			next.FundingSource = source
			next.PaymentIntentID = intentID
			if err := service.contribute(ctx, current, request.Ref); err != nil {
				service.rememberFunding(ctx, current, source, intentID)
				return Escrow{}, "", err
			}
			next.Status = StatusLocked
			next.LockedUnixUTC = nowUnixUTC
			next.AutoReleaseUnixUTC = current.Booking.EndUnixUTC + service.autoReleaseSeconds
			return next, "", nil
		},
		abandon: service.releaseLosingFunds,
	})
}

// rememberFunding stores the funding secured by a lock attempt that failed afterwards, so the
// escrow can release it when it is closed without being locked.
func (service *Service) rememberFunding(ctx context.Context, current Escrow, source FundingSource, intentID string) {
	err := ledger.RunWithConflictRetry(ctx, service.retryPolicy, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			stored, err := txStore.GetEscrow(ctx, current.BookingID())
			if err != nil {
				return err
			}
			if stored.Status != StatusUnlocked {
				return nil
			}
			expectedVersion := stored.Version
			stored.FundingSource = source
			stored.PaymentIntentID = intentID
			stored.Version++
			stored.UpdatedUnixUTC = service.nowFn()
			return txStore.UpdateEscrow(ctx, stored, expectedVersion)
		})
	})
	if err != nil {
		service.logger.Warn("escrow pending funding not saved", zap.String("booking_id", current.BookingID()), zap.String("payment_intent_id", intentID), zap.Error(err))
	}
}

// releaseLosingFunds gives back what a lock attempt secured when another ref locked the escrow
// first: its card authorization, or its wallet locks when the winner is funded by card.
func (service *Service) releaseLosingFunds(ctx context.Context, attempted Escrow, ref ledger.Ref) {
	stored, err := service.store.GetEscrow(ctx, attempted.BookingID())
	if err != nil || stored.Status == StatusUnlocked {
		return
	}
	switch {
	case attempted.FundingSource == FundingCard && service.authorizer != nil &&
		attempted.PaymentIntentID != "" && stored.PaymentIntentID != attempted.PaymentIntentID:
		cancelRef, err := deriveRef(ref, refSuffixCardCancel)
		if err == nil {
			err = service.authorizer.Cancel(ctx, attempted.PaymentIntentID, cancelRef.String())
		}
		if err != nil {
			service.logger.Warn("losing card authorization not cancelled", zap.String("booking_id", attempted.BookingID()), zap.String("payment_intent_id", attempted.PaymentIntentID), zap.Error(err))
		}
	case attempted.FundingSource == FundingWallet && stored.FundingSource == FundingCard:
		if err := service.releaseStranded(ctx, Escrow{Booking: attempted.Booking}, ref); err != nil {
			service.logger.Warn("losing wallet locks not released", zap.String("booking_id", attempted.BookingID()), zap.Error(err))
		}
	}
}

// releaseStranded returns whatever a failed lock attempt left behind on an unlocked escrow that
// is being closed: active wallet locks of the booking and a remembered card authorization.
func (service *Service) releaseStranded(ctx context.Context, current Escrow, ref ledger.Ref) error {
	parties, err := partiesOf(current)
	if err != nil {
		return err
	}
	unlockRef, err := deriveRef(ref, refSuffixStrandedRelease)
	if err != nil {
		return err
	}
	metadata, err := service.metadata(current, operationExpire)
	if err != nil {
		return err
	}
	released, err := service.ledger.UnlockFunds(ctx, ledger.UnlockRequest{BookingID: parties.booking, Ref: unlockRef, Metadata: metadata})
	if err != nil {
		return err
	}
	if len(released.Locks) > 0 {
		service.logger.Warn("released stranded wallet locks", zap.String("booking_id", current.BookingID()), zap.Int("locks", len(released.Locks)))
	}
	if current.PaymentIntentID == "" || service.authorizer == nil {
		return nil
	}
	cancelRef, err := deriveRef(ref, refSuffixCardCancel)
	if err != nil {
		return err
	}
	if err := service.authorizer.Cancel(ctx, current.PaymentIntentID, cancelRef.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrHoldAuthorizationFailed, err)
	}
	return nil
}

func (service *Service) checkVerified(ctx context.Context, userID string) error {
	if service.verification == nil {
		return nil
	}
	verified, err := service.verification.IsVerified(ctx, userID)
	if err != nil {
		return err
	}
	if !verified {
		return fmt.Errorf("%w: user %s", ErrVerificationRequired, userID)
	}
	return nil
}

// checkSnapshot fails with ErrStaleSnapshot when the booking's risk terms must be refreshed,
// persisting the flag so the booking shows up for requote.
func (service *Service) checkSnapshot(ctx context.Context, current Escrow) error {
	if current.RequiresRevalidation {
		return fmt.Errorf("%w: booking %s", ErrStaleSnapshot, current.BookingID())
	}
	if service.risk == nil || current.RiskSnapshotID == "" {
		return nil
	}
	revalidation, err := service.risk.CheckRevalidation(ctx, current.BookingID())
	if err != nil {
		return err
	}
	if !revalidation.Required {
		return nil
	}
	if err := service.flagRevalidation(ctx, current); err != nil {
		service.logger.Warn("escrow revalidation flag not saved", zap.String("booking_id", current.BookingID()), zap.Error(err))
	}
	return fmt.Errorf("%w: booking %s (%s)", ErrStaleSnapshot, current.BookingID(), revalidation.Reason)
}

func (service *Service) flagRevalidation(ctx context.Context, current Escrow) error {
	return ledger.RunWithConflictRetry(ctx, service.retryPolicy, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			stored, err := txStore.GetEscrow(ctx, current.BookingID())
			if err != nil {
				return err
			}
			if stored.RequiresRevalidation || stored.Status.IsTerminal() {
				return nil
			}
			expectedVersion := stored.Version
			stored.RequiresRevalidation = true
			stored.Version++
			stored.UpdatedUnixUTC = service.nowFn()
			return txStore.UpdateEscrow(ctx, stored, expectedVersion)
		})
	})
}

// secureFunds secures rental and deposit according to the payment mode.
func (service *Service) secureFunds(ctx context.Context, current Escrow, ref ledger.Ref) (FundingSource, string, error) {
	switch current.Booking.PaymentMode {
	case PaymentModeWalletOnly:
		return FundingWallet, "", service.lockWallet(ctx, current, ref)
	case PaymentModeCardOnly:
		intentID, err := service.authorizeCard(ctx, current, ref)
		return FundingCard, intentID, err
	case PaymentModeCardFirst:
		intentID, cardErr := service.authorizeCard(ctx, current, ref)
		if cardErr == nil {
			return FundingCard, intentID, nil
		}
		if walletErr := service.lockWallet(ctx, current, ref); walletErr != nil {
			return FundingNone, "", errors.Join(cardErr, walletErr)
		}
		return FundingWallet, "", nil
	default:
		walletErr := service.lockWallet(ctx, current, ref)
		if walletErr == nil {
			return FundingWallet, "", nil
		}
		if !errors.Is(walletErr, ErrInsufficientFunds) || service.authorizer == nil {
			return FundingNone, "", walletErr
		}
		intentID, cardErr := service.authorizeCard(ctx, current, ref)
		if cardErr != nil {
			return FundingNone, "", errors.Join(walletErr, cardErr)
		}
		return FundingCard, intentID, nil
	}
}

func (service *Service) lockWallet(ctx context.Context, current Escrow, ref ledger.Ref) error {
	parties, err := partiesOf(current)
	if err != nil {
		return err
	}
	rental, err := ledger.NewPositiveAmountCents(current.Amounts.RentalCents)
	if err != nil {
		return err
	}
	holds := []ledger.Hold{{Purpose: ledger.LockPurposeRental, Amount: rental}}
	if current.Amounts.DepositCents > 0 {
		deposit, err := ledger.NewPositiveAmountCents(current.Amounts.DepositCents)
		if err != nil {
			return err
		}
		holds = append(holds, ledger.Hold{Purpose: ledger.LockPurposeDeposit, Amount: deposit})
	}
	lockRef, err := deriveRef(ref, refSuffixWalletLock)
	if err != nil {
		return err
	}
	metadata, err := service.metadata(current, operationLock)
	if err != nil {
		return err
	}
	_, err = service.ledger.LockFunds(ctx, ledger.LockRequest{
		UserID:    parties.renter,
		BookingID: parties.booking,
		Holds:     holds,
		Ref:       lockRef,
		Metadata:  metadata,
	})
	return err
}

func (service *Service) authorizeCard(ctx context.Context, current Escrow, ref ledger.Ref) (string, error) {
	if service.authorizer == nil {
		return "", fmt.Errorf("%w: no payment authorizer configured", ErrHoldAuthorizationFailed)
	}
	holdRef, err := deriveRef(ref, refSuffixCardHold)
	if err != nil {
		return "", err
	}
	total := current.Amounts.RentalCents + current.Amounts.DepositCents
	authorization, err := service.authorizer.Authorize(ctx, AuthorizationRequest{
		BookingID:   current.BookingID(),
		UserID:      current.Booking.RenterID,
		AmountCents: total,
		Currency:    service.currency,
		Ref:         holdRef.String(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHoldAuthorizationFailed, err)
	}
	if authorization.AmountCents < total {
		return "", fmt.Errorf("%w: authorized %d of %d", ErrHoldAuthorizationFailed, authorization.AmountCents, total)
	}
	return authorization.IntentID, nil
}

func (service *Service) contribute(ctx context.Context, current Escrow, ref ledger.Ref) error {
	if service.fund == nil || current.Amounts.DepositCents <= 0 {
		return nil
	}
	contributionRef, err := deriveRef(ref, refSuffixContribution)
	if err != nil {
		return err
	}
	_, err = service.fund.ContributeFromDeposit(ctx, fgo.ContributionRequest{
		UserID:             current.Booking.RenterID,
		BookingID:          current.BookingID(),
		DepositAmountCents: current.Amounts.DepositCents,
		Bucket:             current.Bucket,
		CountryCode:        current.Booking.CountryCode,
		Ref:                contributionRef,
	})
	return err
}

// ExpirePendingBookings moves unlocked escrows whose hold window has elapsed to expired and
// returns how many were expired.
func (service *Service) ExpirePendingBookings(ctx context.Context, limit int) (int, error) {
	nowUnixUTC := service.nowFn()
	return service.sweep(ctx, StatusUnlocked, limit, func(ctx context.Context, escrow Escrow) (bool, error) {
		if escrow.HoldExpiresUnixUTC == 0 || escrow.HoldExpiresUnixUTC > nowUnixUTC {
			return false, nil
		}
		ref, err := sweepRef(operationExpire, escrow.BookingID())
		if err != nil {
			return false, err
		}
		_, err = service.transition(ctx, transitionPlan{
			operation: operationExpire,
			bookingID: escrow.BookingID(),
			ref:       ref,
			from:      []Status{StatusUnlocked},
			detail:    "hold window elapsed",
			apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
				if err := service.releaseStranded(ctx, current, ref); err != nil {
					return Escrow{}, "", err
				}
				next := current
				next.Status = StatusExpired
				return next, "", nil
			},
		})
		return err == nil, err
	})
}

// SweepRevalidation checks the risk snapshot of every unlocked escrow and flags the stale ones.
// It returns how many were flagged.
func (service *Service) SweepRevalidation(ctx context.Context, limit int) (int, error) {
	if service.risk == nil {
		return 0, nil
	}
	return service.sweep(ctx, StatusUnlocked, limit, func(ctx context.Context, escrow Escrow) (bool, error) {
		if escrow.RequiresRevalidation || escrow.RiskSnapshotID == "" {
			return false, nil
		}
		revalidation, err := service.risk.CheckRevalidation(ctx, escrow.BookingID())
		if err != nil {
			return false, err
		}
		if !revalidation.Required {
			return false, nil
		}
		return true, service.flagRevalidation(ctx, escrow)
	})
}

// RequoteRequest replaces the amounts of an unlocked escrow after its risk snapshot is refreshed.
type RequoteRequest struct {
	BookingID string
	Amounts   Amounts
	Ref       ledger.Ref
}

// Requote refreshes the risk snapshot, replaces the amounts and restarts the hold window. Only
// unlocked escrows can be requoted.
func (service *Service) Requote(ctx context.Context, request RequoteRequest) (Result, error) {
	if err := request.Amounts.Validate(); err != nil {
		return Result{}, err
	}
	return service.transition(ctx, transitionPlan{
		operation: operationRequote,
		bookingID: request.BookingID,
		ref:       request.Ref,
		from:      []Status{StatusUnlocked},
		arguments: []any{request.Amounts},
		apply: func(ctx context.Context, current Escrow) (Escrow, Status, error) {
			next := current
			if service.risk != nil && current.RiskSnapshotID != "" {
				snapshot, err := service.risk.Refresh(ctx, current.BookingID())
				if err != nil {
					return Escrow{}, "", err
				}
				next.Bucket = snapshot.Bucket
				next.RiskSnapshotID = snapshot.SnapshotID
			}
			next.Amounts = request.Amounts
			next.RequiresRevalidation = false
			next.HoldExpiresUnixUTC = service.nowFn() + service.holdWindowSeconds
			return next, "", nil
		},
	})
}

func riskRequest(booking BookingContext) risk.SnapshotRequest {
	guarantee := booking.GuaranteeType
	if strings.TrimSpace(string(guarantee)) == "" {
		guarantee = risk.GuaranteeWalletHold
		if booking.PaymentMode == PaymentModeCardOnly || booking.PaymentMode == PaymentModeCardFirst {
			guarantee = risk.GuaranteeCardHold
		}
	}
	return risk.SnapshotRequest{
		BookingID:        booking.BookingID,
		CountryCode:      booking.CountryCode,
		CarValueUSDCents: booking.CarValueUSDCents,
		GuaranteeType:    guarantee,
	}
}
