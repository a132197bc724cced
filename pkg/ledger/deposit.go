package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DepositRequest opens a pending top-up.
type DepositRequest struct {
	UserID   UserID
	Amount   PositiveAmountCents
	Provider string
	Ref      Ref
}

// ConfirmDepositRequest confirms a pending top-up once the provider settles it.
type ConfirmDepositRequest struct {
	TransactionID string
	ProviderRef   string
}

// ConfirmDepositResult reports the confirmed deposit and the entry it produced.
type ConfirmDepositResult struct {
	Deposit  DepositTransaction `json:"deposit"`
	Entries  []Entry            `json:"entries"`
	Replayed bool               `json:"-"`
}

// CreditRequest credits a wallet from outside the ledger.
type CreditRequest struct {
	UserID    UserID
	Amount    PositiveAmountCents
	Kind      EntryKind
	BookingID BookingID
	Ref       Ref
	Metadata  MetadataJSON
}

// Receipt lists the entries written by an operation.
type Receipt struct {
	Ref      Ref     `json:"ref"`
	Entries  []Entry `json:"entries"`
	Replayed bool    `json:"-"`
}

// Deposit records a pending deposit. No money moves until ConfirmDeposit.
func (service *Service) Deposit(ctx context.Context, request DepositRequest) (DepositTransaction, error) {
	provider := strings.TrimSpace(request.Provider)
	call := NewIdempotentCall(operationDeposit, request.Ref, request.UserID, request.Amount, provider)
	deposit, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (DepositTransaction, error) {
		if request.UserID.IsZero() {
			return DepositTransaction{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if request.Amount <= 0 {
			return DepositTransaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
		}
		nowUnixUTC := service.nowFn()
		deposit := DepositTransaction{
			TransactionID:    uuid.NewString(),
			UserID:           request.UserID,
			AmountCents:      request.Amount.ToAmountCents(),
			Provider:         provider,
			Ref:              request.Ref,
			Status:           DepositStatusPending,
			ExpiresAtUnixUTC: nowUnixUTC + service.depositExpirySeconds,
			CreatedUnixUTC:   nowUnixUTC,
			UpdatedUnixUTC:   nowUnixUTC,
		}
		if err := txStore.CreateDeposit(ctx, deposit); err != nil {
			return DepositTransaction{}, err
		}
		return deposit, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeposit,
		UserID:    request.UserID,
		Amount:    request.Amount.ToAmountCents(),
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return deposit, err
}

// ConfirmDeposit credits the wallet of a pending deposit. Confirming twice with the same
// provider reference returns the original result.
func (service *Service) ConfirmDeposit(ctx context.Context, request ConfirmDepositRequest) (ConfirmDepositResult, error) {
	pending, err := service.store.GetDeposit(ctx, strings.TrimSpace(request.TransactionID))
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationConfirmDeposit, Error: err})
		return ConfirmDepositResult{}, err
	}
	confirmRef, err := DeriveRef(pending.Ref, operationConfirmDeposit)
	if err != nil {
		return ConfirmDepositResult{}, err
	}
	providerRef := strings.TrimSpace(request.ProviderRef)
	call := NewIdempotentCall(operationConfirmDeposit, confirmRef, pending.TransactionID, providerRef)
	result, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (ConfirmDepositResult, error) {
		deposit, err := txStore.GetDeposit(ctx, pending.TransactionID)
		if err != nil {
			return ConfirmDepositResult{}, err
		}
		if deposit.Status != DepositStatusPending {
			return ConfirmDepositResult{}, fmt.Errorf("%w: deposit is %s", ErrInvalidState, deposit.Status)
		}
		nowUnixUTC := service.nowFn()
		if deposit.ExpiresAtUnixUTC > 0 && nowUnixUTC >= deposit.ExpiresAtUnixUTC {
			return ConfirmDepositResult{}, fmt.Errorf("%w: deposit expired", ErrInvalidState)
		}
		deposit.Status = DepositStatusConfirmed
		deposit.ProviderRef = providerRef
		deposit.UpdatedUnixUTC = nowUnixUTC
		if err := txStore.UpdateDeposit(ctx, deposit, DepositStatusPending); err != nil {
			return ConfirmDepositResult{}, err
		}
		metadata, err := NewMetadataJSON(fmt.Sprintf(`{"provider":%q,"provider_ref":%q}`, deposit.Provider, providerRef))
		if err != nil {
			return ConfirmDepositResult{}, err
		}
		entries, err := service.post(ctx, txStore, posting{
			ref:      confirmRef,
			metadata: metadata,
			legs: []leg{
				{userID: deposit.UserID, bucket: BucketAvailable, kind: KindDeposit, amount: deposit.AmountCents},
			},
		})
		if err != nil {
			return ConfirmDepositResult{}, err
		}
		return ConfirmDepositResult{Deposit: deposit, Entries: entries}, nil
	})
	result.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirmDeposit,
		UserID:    pending.UserID,
		Amount:    pending.AmountCents,
		Ref:       confirmRef,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return result, err
}

// ExpirePendingDeposits marks pending deposits past their window as expired and returns how many changed.
func (service *Service) ExpirePendingDeposits(ctx context.Context, limit int) (int, error) {
	nowUnixUTC := service.nowFn()
	deposits, err := service.store.ListExpiredDeposits(ctx, nowUnixUTC, normalizeLimit(limit))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, deposit := range deposits {
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			deposit.Status = DepositStatusExpired
			deposit.UpdatedUnixUTC = nowUnixUTC
			return txStore.UpdateDeposit(ctx, deposit, DepositStatusPending)
		})
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		service.logOperation(ctx, OperationLog{
			Operation: operationExpireDeposit,
			UserID:    deposit.UserID,
			Amount:    deposit.AmountCents,
			Ref:       deposit.Ref,
			Error:     err,
		})
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Credit writes a single inbound entry balanced outside the wallet ledger: promotional bonuses,
// administrative adjustments, or guarantee fund payouts. Bonuses raise the non-withdrawable floor.
func (service *Service) Credit(ctx context.Context, request CreditRequest) (Receipt, error) {
	call := NewIdempotentCall(operationCredit, request.Ref, request.UserID, request.Amount, request.Kind, request.BookingID, request.Metadata)
	receipt, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (Receipt, error) {
		if request.UserID.IsZero() {
			return Receipt{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if request.Amount <= 0 {
			return Receipt{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
		}
		flow, err := request.Kind.Flow()
		if err != nil {
			return Receipt{}, err
		}
		if flow != FlowInbound && flow != FlowGuaranteeFund {
			return Receipt{}, fmt.Errorf("%w: %s cannot be credited alone", ErrInvalidEntryKind, request.Kind)
		}
		entries, err := service.post(ctx, txStore, posting{
			ref:       request.Ref,
			bookingID: request.BookingID,
			metadata:  request.Metadata,
			legs: []leg{
				{userID: request.UserID, bucket: BucketAvailable, kind: request.Kind, amount: request.Amount.ToAmountCents()},
			},
		})
		if err != nil {
			return Receipt{}, err
		}
		if request.Kind == KindBonus {
			wallet, err := service.lockedWallet(ctx, txStore, request.UserID)
			if err != nil {
				return Receipt{}, err
			}
			wallet.NonWithdrawableFloorCents += request.Amount.ToAmountCents()
			if err := txStore.SaveWallet(ctx, wallet); err != nil {
				return Receipt{}, err
			}
		}
		return Receipt{Ref: request.Ref, Entries: entries}, nil
	})
	receipt.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    request.UserID,
		BookingID: request.BookingID,
		Amount:    request.Amount.ToAmountCents(),
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return receipt, err
}

// Debit writes a single outbound adjustment or guarantee fund contribution from a wallet.
// Only system accounts may be driven negative.
func (service *Service) Debit(ctx context.Context, request CreditRequest) (Receipt, error) {
	call := NewIdempotentCall(operationDebit, request.Ref, request.UserID, request.Amount, request.Kind, request.BookingID, request.Metadata)
	receipt, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (Receipt, error) {
		if request.UserID.IsZero() {
			return Receipt{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if request.Amount <= 0 {
			return Receipt{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
		}
		if request.Kind != KindAdjustment && request.Kind != KindFranchiseFund {
			return Receipt{}, fmt.Errorf("%w: %s cannot be debited alone", ErrInvalidEntryKind, request.Kind)
		}
		entries, err := service.post(ctx, txStore, posting{
			ref:       request.Ref,
			bookingID: request.BookingID,
			metadata:  request.Metadata,
			legs: []leg{
				{userID: request.UserID, bucket: BucketAvailable, kind: request.Kind, amount: request.Amount.ToAmountCents().Negated()},
			},
		})
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Ref: request.Ref, Entries: entries}, nil
	})
	receipt.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    request.UserID,
		BookingID: request.BookingID,
		Amount:    request.Amount.ToAmountCents().Negated(),
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return receipt, err
}
