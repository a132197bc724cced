package ledger

import (
	"context"
	"fmt"
)

// Hold is one amount to lock for a booking.
type Hold struct {
	Purpose LockPurpose
	Amount  PositiveAmountCents
}

// LockRequest locks one or more holds of a booking atomically.
type LockRequest struct {
	UserID    UserID
	BookingID BookingID
	Holds     []Hold
	Ref       Ref
	Metadata  MetadataJSON
}

// LockResult reports the locks created and the entries written.
type LockResult struct {
	Ref      Ref        `json:"ref"`
	Locks    []FundLock `json:"locks"`
	Entries  []Entry    `json:"entries"`
	Replayed bool       `json:"-"`
}

// UnlockRequest releases every active lock of a booking.
type UnlockRequest struct {
	BookingID BookingID
	Ref       Ref
	Metadata  MetadataJSON
}

// Split is one credit leg of a captured lock.
type Split struct {
	UserID UserID
	Amount AmountCents
	Kind   EntryKind
}

// SettleRequest captures part of a lock into splits and releases the remainder.
type SettleRequest struct {
	LockID       string
	CaptureCents AmountCents
	ChargeKind   EntryKind
	Splits       []Split
	ReleaseKind  EntryKind
	Ref          Ref
	Metadata     MetadataJSON
}

// ChargeRequest charges the rental lock of a booking.
type ChargeRequest struct {
	BookingID BookingID
	Amount    PositiveAmountCents
	Splits    []Split
	Ref       Ref
	Metadata  MetadataJSON
}

// LockFunds moves the requested holds from available to locked. It fails with
// ErrInsufficientFunds when the available balance cannot cover the sum of holds.
func (service *Service) LockFunds(ctx context.Context, request LockRequest) (LockResult, error) {
	call := NewIdempotentCall(operationLock, request.Ref, request.UserID, request.BookingID, request.Holds, request.Metadata)
	var totalCents AmountCents
	for _, hold := range request.Holds {
		totalCents += hold.Amount.ToAmountCents()
	}
	result, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (LockResult, error) {
		if err := validateLockRequest(request); err != nil {
			return LockResult{}, err
		}
		wallet, err := service.lockedWallet(ctx, txStore, request.UserID)
		if err != nil {
			return LockResult{}, err
		}
		if wallet.AvailableCents < totalCents {
			return LockResult{}, fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, wallet.AvailableCents, totalCents)
		}
		nowUnixUTC := service.nowFn()
		locks := make([]FundLock, 0, len(request.Holds))
		legs := make([]leg, 0, 2*len(request.Holds))
		for _, hold := range request.Holds {
			fundLock := FundLock{
				LockID:         LockIDFor(request.BookingID, hold.Purpose),
				UserID:         request.UserID,
				BookingID:      request.BookingID,
				Purpose:        hold.Purpose,
				AmountCents:    hold.Amount.ToAmountCents(),
				Status:         LockStatusActive,
				Ref:            request.Ref,
				CreatedUnixUTC: nowUnixUTC,
				UpdatedUnixUTC: nowUnixUTC,
			}
			if err := txStore.CreateFundLock(ctx, fundLock); err != nil {
				return LockResult{}, err
			}
			locks = append(locks, fundLock)
			legs = append(legs,
				leg{userID: request.UserID, bucket: BucketAvailable, kind: KindLock, amount: fundLock.AmountCents.Negated()},
				leg{userID: request.UserID, bucket: BucketLocked, kind: KindLock, amount: fundLock.AmountCents},
			)
		}
		entries, err := service.post(ctx, txStore, posting{ref: request.Ref, bookingID: request.BookingID, metadata: request.Metadata, legs: legs})
		if err != nil {
			return LockResult{}, err
		}
		return LockResult{Ref: request.Ref, Locks: locks, Entries: entries}, nil
	})
	result.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationLock,
		UserID:    request.UserID,
		BookingID: request.BookingID,
		Amount:    totalCents,
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return result, err
}

// UnlockFunds releases the uncaptured remainder of every active lock of a booking.
// A booking without active locks unlocks to an empty result.
func (service *Service) UnlockFunds(ctx context.Context, request UnlockRequest) (LockResult, error) {
	call := NewIdempotentCall(operationUnlock, request.Ref, request.BookingID, request.Metadata)
	var releasedCents AmountCents
	result, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (LockResult, error) {
		if request.BookingID.IsZero() {
			return LockResult{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
		}
		fundLocks, err := txStore.ListFundLocksByBooking(ctx, request.BookingID)
		if err != nil {
			return LockResult{}, err
		}
		nowUnixUTC := service.nowFn()
		released := make([]FundLock, 0, len(fundLocks))
		legs := make([]leg, 0, 2*len(fundLocks))
		for _, fundLock := range fundLocks {
			if fundLock.Status != LockStatusActive {
				continue
			}
			remaining := fundLock.AmountCents - fundLock.CapturedCents
			fundLock.Status = LockStatusReleased
			fundLock.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.UpdateFundLock(ctx, fundLock, LockStatusActive); err != nil {
				return LockResult{}, err
			}
			released = append(released, fundLock)
			releasedCents += remaining
			legs = append(legs,
				leg{userID: fundLock.UserID, bucket: BucketLocked, kind: KindUnlock, amount: remaining.Negated()},
				leg{userID: fundLock.UserID, bucket: BucketAvailable, kind: KindUnlock, amount: remaining},
			)
		}
		entries, err := service.post(ctx, txStore, posting{ref: request.Ref, bookingID: request.BookingID, metadata: request.Metadata, legs: legs})
		if err != nil {
			return LockResult{}, err
		}
		return LockResult{Ref: request.Ref, Locks: released, Entries: entries}, nil
	})
	result.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationUnlock,
		BookingID: request.BookingID,
		Amount:    releasedCents,
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return result, err
}

// SettleLock closes an active lock: CaptureCents leave the payer's locked bucket and are
// credited to the splits, the rest returns to the payer's available bucket.
func (service *Service) SettleLock(ctx context.Context, request SettleRequest) (LockResult, error) {
	call := NewIdempotentCall(operationSettleLock, request.Ref, request.LockID, request.CaptureCents, request.ChargeKind, request.Splits, request.ReleaseKind, request.Metadata)
	var fundLockUser UserID
	var fundLockBooking BookingID
	result, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (LockResult, error) {
		fundLock, err := txStore.GetFundLock(ctx, request.LockID)
		if err != nil {
			return LockResult{}, err
		}
		fundLockUser = fundLock.UserID
		fundLockBooking = fundLock.BookingID
		if fundLock.Status != LockStatusActive {
			return LockResult{}, fmt.Errorf("%w: lock %s is %s", ErrInvalidState, fundLock.LockID, fundLock.Status)
		}
		remaining := fundLock.AmountCents - fundLock.CapturedCents
		if request.CaptureCents < 0 || request.CaptureCents > remaining {
			return LockResult{}, fmt.Errorf("%w: capture %d exceeds locked %d", ErrInvalidAmountCents, request.CaptureCents, remaining)
		}
		var splitTotal AmountCents
		for _, split := range request.Splits {
			if split.UserID.IsZero() {
				return LockResult{}, fmt.Errorf("%w: split without user", ErrInvalidUserID)
			}
			if split.Amount < 0 {
				return LockResult{}, fmt.Errorf("%w: negative split", ErrInvalidAmountCents)
			}
			if _, err := split.Kind.Flow(); err != nil {
				return LockResult{}, err
			}
			splitTotal += split.Amount
		}
		if splitTotal != request.CaptureCents {
			return LockResult{}, fmt.Errorf("%w: splits %d, capture %d", ErrUnbalanced, splitTotal, request.CaptureCents)
		}
		chargeKind := request.ChargeKind
		if chargeKind == "" {
			chargeKind = KindRentalCharge
		}
		releaseKind := request.ReleaseKind
		if releaseKind == "" {
			releaseKind = KindUnlock
		}
		released := remaining - request.CaptureCents
		legs := []leg{{userID: fundLock.UserID, bucket: BucketLocked, kind: chargeKind, amount: request.CaptureCents.Negated()}}
		for _, split := range request.Splits {
			legs = append(legs, leg{userID: split.UserID, bucket: BucketAvailable, kind: split.Kind, amount: split.Amount})
		}
		legs = append(legs,
			leg{userID: fundLock.UserID, bucket: BucketLocked, kind: releaseKind, amount: released.Negated()},
			leg{userID: fundLock.UserID, bucket: BucketAvailable, kind: releaseKind, amount: released},
		)
		fundLock.CapturedCents += request.CaptureCents
		fundLock.Status = LockStatusReleased
		if fundLock.CapturedCents > 0 {
			fundLock.Status = LockStatusCaptured
		}
		fundLock.UpdatedUnixUTC = service.nowFn()
		if err := txStore.UpdateFundLock(ctx, fundLock, LockStatusActive); err != nil {
			return LockResult{}, err
		}
		entries, err := service.post(ctx, txStore, posting{ref: request.Ref, bookingID: fundLock.BookingID, metadata: request.Metadata, legs: legs})
		if err != nil {
			return LockResult{}, err
		}
		return LockResult{Ref: request.Ref, Locks: []FundLock{fundLock}, Entries: entries}, nil
	})
	result.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationSettleLock,
		UserID:    fundLockUser,
		BookingID: fundLockBooking,
		Amount:    request.CaptureCents,
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return result, err
}

// ChargeRental captures Amount from the rental lock of a booking into the splits and
// releases any remainder to the renter.
func (service *Service) ChargeRental(ctx context.Context, request ChargeRequest) (LockResult, error) {
	if request.BookingID.IsZero() {
		return LockResult{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return service.SettleLock(ctx, SettleRequest{
		LockID:       LockIDFor(request.BookingID, LockPurposeRental),
		CaptureCents: request.Amount.ToAmountCents(),
		ChargeKind:   KindRentalCharge,
		Splits:       request.Splits,
		ReleaseKind:  KindUnlock,
		Ref:          request.Ref,
		Metadata:     request.Metadata,
	})
}

func validateLockRequest(request LockRequest) error {
	if request.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.BookingID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	if len(request.Holds) == 0 {
		return fmt.Errorf("%w: no holds requested", ErrInvalidAmountCents)
	}
	seen := make(map[LockPurpose]struct{}, len(request.Holds))
	for _, hold := range request.Holds {
		if hold.Amount <= 0 {
			return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
		}
		if hold.Purpose != LockPurposeRental && hold.Purpose != LockPurposeDeposit {
			return fmt.Errorf("%w: %q", ErrInvalidLockPurpose, hold.Purpose)
		}
		if _, ok := seen[hold.Purpose]; ok {
			return fmt.Errorf("%w: %s requested twice", ErrLockExists, hold.Purpose)
		}
		seen[hold.Purpose] = struct{}{}
	}
	return nil
}
