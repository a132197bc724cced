package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const withdrawalLockPrefix = "withdrawal" + refDelimiter

// WithdrawalRequest asks for a payout of available funds.
type WithdrawalRequest struct {
	UserID      UserID
	Amount      PositiveAmountCents
	Destination string
	Ref         Ref
}

// WithdrawalResult reports the withdrawal and the entries of the transition.
type WithdrawalResult struct {
	Withdrawal Withdrawal `json:"withdrawal"`
	Entries    []Entry    `json:"entries"`
	Replayed   bool       `json:"-"`
}

// withdrawalTransition is one edge of the withdrawal state machine.
type withdrawalTransition struct {
	operation string
	from      []WithdrawalStatus
	to        WithdrawalStatus
	// settle converts the locked hold into an outbound withdrawal entry.
	settle bool
	// reverse returns the locked hold to available.
	reverse bool
}

var (
	transitionApprove  = withdrawalTransition{operation: operationApproveWithdrawal, from: []WithdrawalStatus{WithdrawalStatusRequested}, to: WithdrawalStatusApproved}
	transitionProcess  = withdrawalTransition{operation: operationProcessWithdrawal, from: []WithdrawalStatus{WithdrawalStatusApproved}, to: WithdrawalStatusProcessing}
	transitionComplete = withdrawalTransition{operation: operationCompleteWithdrawal, from: []WithdrawalStatus{WithdrawalStatusApproved, WithdrawalStatusProcessing}, to: WithdrawalStatusCompleted, settle: true}
	transitionFail     = withdrawalTransition{operation: operationFailWithdrawal, from: []WithdrawalStatus{WithdrawalStatusApproved, WithdrawalStatusProcessing}, to: WithdrawalStatusFailed, reverse: true}
	transitionReject   = withdrawalTransition{operation: operationRejectWithdrawal, from: []WithdrawalStatus{WithdrawalStatusRequested}, to: WithdrawalStatusRejected, reverse: true}
)

// RequestWithdrawal moves the amount into a locked withdrawal hold. Only the balance above the
// non-withdrawable floor can be withdrawn.
func (service *Service) RequestWithdrawal(ctx context.Context, request WithdrawalRequest) (WithdrawalResult, error) {
	destination := strings.TrimSpace(request.Destination)
	call := NewIdempotentCall(operationRequestWithdrawal, request.Ref, request.UserID, request.Amount, destination)
	result, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (WithdrawalResult, error) {
		if request.UserID.IsZero() {
			return WithdrawalResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if request.Amount <= 0 {
			return WithdrawalResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
		}
		wallet, err := service.lockedWallet(ctx, txStore, request.UserID)
		if err != nil {
			return WithdrawalResult{}, err
		}
		withdrawable := balanceOf(wallet).WithdrawableCents
		if withdrawable < request.Amount.ToAmountCents() {
			return WithdrawalResult{}, fmt.Errorf("%w: withdrawable %d, requested %d", ErrInsufficientFunds, withdrawable, request.Amount)
		}
		nowUnixUTC := service.nowFn()
		withdrawal := Withdrawal{
			WithdrawalID:   uuid.NewString(),
			UserID:         request.UserID,
			AmountCents:    request.Amount.ToAmountCents(),
			Destination:    destination,
			Ref:            request.Ref,
			Status:         WithdrawalStatusRequested,
			CreatedUnixUTC: nowUnixUTC,
			UpdatedUnixUTC: nowUnixUTC,
		}
		if err := txStore.CreateWithdrawal(ctx, withdrawal); err != nil {
			return WithdrawalResult{}, err
		}
		if err := txStore.CreateFundLock(ctx, FundLock{
			LockID:         withdrawalLockPrefix + withdrawal.WithdrawalID,
			UserID:         request.UserID,
			Purpose:        LockPurposeWithdrawal,
			AmountCents:    withdrawal.AmountCents,
			Status:         LockStatusActive,
			Ref:            request.Ref,
			CreatedUnixUTC: nowUnixUTC,
			UpdatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return WithdrawalResult{}, err
		}
		entries, err := service.post(ctx, txStore, posting{
			ref:      request.Ref,
			metadata: withdrawalMetadata(withdrawal),
			legs: []leg{
				{userID: request.UserID, bucket: BucketAvailable, kind: KindLock, amount: withdrawal.AmountCents.Negated()},
				{userID: request.UserID, bucket: BucketLocked, kind: KindLock, amount: withdrawal.AmountCents},
			},
		})
		if err != nil {
			return WithdrawalResult{}, err
		}
		return WithdrawalResult{Withdrawal: withdrawal, Entries: entries}, nil
	})
	result.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationRequestWithdrawal,
		UserID:    request.UserID,
		Amount:    request.Amount.ToAmountCents(),
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return result, err
}

// ApproveWithdrawal marks a requested withdrawal as approved for payout.
func (service *Service) ApproveWithdrawal(ctx context.Context, withdrawalID string) (WithdrawalResult, error) {
	return service.transitionWithdrawal(ctx, withdrawalID, transitionApprove, "", "")
}

// ProcessWithdrawal marks an approved withdrawal as handed to the payout provider.
func (service *Service) ProcessWithdrawal(ctx context.Context, withdrawalID string) (WithdrawalResult, error) {
	return service.transitionWithdrawal(ctx, withdrawalID, transitionProcess, "", "")
}

// CompleteWithdrawal records the payout and removes the hold from the wallet.
func (service *Service) CompleteWithdrawal(ctx context.Context, withdrawalID string, payoutRef string) (WithdrawalResult, error) {
	return service.transitionWithdrawal(ctx, withdrawalID, transitionComplete, strings.TrimSpace(payoutRef), "")
}

// FailWithdrawal returns the held amount to available after a failed payout.
func (service *Service) FailWithdrawal(ctx context.Context, withdrawalID string, reason string) (WithdrawalResult, error) {
	return service.transitionWithdrawal(ctx, withdrawalID, transitionFail, "", strings.TrimSpace(reason))
}

// RejectWithdrawal declines a requested withdrawal and returns the hold to available.
func (service *Service) RejectWithdrawal(ctx context.Context, withdrawalID string, reason string) (WithdrawalResult, error) {
	return service.transitionWithdrawal(ctx, withdrawalID, transitionReject, "", strings.TrimSpace(reason))
}

// GetWithdrawal returns a withdrawal by id.
func (service *Service) GetWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error) {
	return service.store.GetWithdrawal(ctx, strings.TrimSpace(withdrawalID))
}

func (service *Service) transitionWithdrawal(ctx context.Context, withdrawalID string, transition withdrawalTransition, payoutRef string, reason string) (WithdrawalResult, error) {
	current, err := service.store.GetWithdrawal(ctx, strings.TrimSpace(withdrawalID))
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: transition.operation, Error: err})
		return WithdrawalResult{}, err
	}
	transitionRef, err := DeriveRef(current.Ref, transition.operation)
	if err != nil {
		return WithdrawalResult{}, err
	}
	call := NewIdempotentCall(transition.operation, transitionRef, current.WithdrawalID, payoutRef, reason)
	result, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (WithdrawalResult, error) {
		withdrawal, err := txStore.GetWithdrawal(ctx, current.WithdrawalID)
		if err != nil {
			return WithdrawalResult{}, err
		}
		from := withdrawal.Status
		if !containsStatus(transition.from, from) {
			return WithdrawalResult{}, fmt.Errorf("%w: withdrawal is %s, cannot move to %s", ErrInvalidState, from, transition.to)
		}
		nowUnixUTC := service.nowFn()
		withdrawal.Status = transition.to
		withdrawal.UpdatedUnixUTC = nowUnixUTC
		if payoutRef != "" {
			withdrawal.PayoutRef = payoutRef
		}
		if reason != "" {
			withdrawal.FailureReason = reason
		}
		if err := txStore.UpdateWithdrawal(ctx, withdrawal, from); err != nil {
			return WithdrawalResult{}, err
		}
		var legs []leg
		if transition.settle || transition.reverse {
			fundLock, err := txStore.GetFundLock(ctx, withdrawalLockPrefix+withdrawal.WithdrawalID)
			if err != nil {
				return WithdrawalResult{}, err
			}
			if fundLock.Status != LockStatusActive {
				return WithdrawalResult{}, fmt.Errorf("%w: withdrawal hold is %s", ErrInvalidState, fundLock.Status)
			}
			fundLock.UpdatedUnixUTC = nowUnixUTC
			if transition.settle {
				fundLock.Status = LockStatusCaptured
				fundLock.CapturedCents = fundLock.AmountCents
				legs = []leg{{userID: withdrawal.UserID, bucket: BucketLocked, kind: KindWithdrawal, amount: withdrawal.AmountCents.Negated()}}
			} else {
				fundLock.Status = LockStatusReleased
				legs = []leg{
					{userID: withdrawal.UserID, bucket: BucketLocked, kind: KindUnlock, amount: withdrawal.AmountCents.Negated()},
					{userID: withdrawal.UserID, bucket: BucketAvailable, kind: KindUnlock, amount: withdrawal.AmountCents},
				}
			}
			if err := txStore.UpdateFundLock(ctx, fundLock, LockStatusActive); err != nil {
				return WithdrawalResult{}, err
			}
		}
		entries, err := service.post(ctx, txStore, posting{ref: transitionRef, metadata: withdrawalMetadata(withdrawal), legs: legs})
		if err != nil {
			return WithdrawalResult{}, err
		}
		return WithdrawalResult{Withdrawal: withdrawal, Entries: entries}, nil
	})
	result.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: transition.operation,
		UserID:    current.UserID,
		Amount:    current.AmountCents,
		Ref:       transitionRef,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return result, err
}

func containsStatus(statuses []WithdrawalStatus, candidate WithdrawalStatus) bool {
	for _, status := range statuses {
		if status == candidate {
			return true
		}
	}
	return false
}

func withdrawalMetadata(withdrawal Withdrawal) MetadataJSON {
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"withdrawal_id":%q,"destination":%q}`, withdrawal.WithdrawalID, withdrawal.Destination))
	if err != nil {
		return MetadataJSON{}
	}
	return metadata
}
