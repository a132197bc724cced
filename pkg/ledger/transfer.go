package ledger

import (
	"context"
	"fmt"
)

// TransferRequest moves available funds between two wallets.
type TransferRequest struct {
	FromUserID UserID
	ToUserID   UserID
	Amount     PositiveAmountCents
	Ref        Ref
	Metadata   MetadataJSON
}

// Transfer writes a transfer_out/transfer_in pair under one ref. Wallet rows are locked in
// ascending user id order so opposing transfers cannot deadlock.
func (service *Service) Transfer(ctx context.Context, request TransferRequest) (Receipt, error) {
	call := NewIdempotentCall(operationTransfer, request.Ref, request.FromUserID, request.ToUserID, request.Amount, request.Metadata)
	receipt, replayed, err := runOperation(ctx, service, call, func(ctx context.Context, txStore Store) (Receipt, error) {
		if request.FromUserID.IsZero() || request.ToUserID.IsZero() {
			return Receipt{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if request.FromUserID == request.ToUserID {
			return Receipt{}, ErrSameUser
		}
		if request.Amount <= 0 {
			return Receipt{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
		}
		userIDs := []UserID{request.FromUserID, request.ToUserID}
		SortUserIDs(userIDs)
		wallets, err := txStore.LockWallets(ctx, userIDs, service.currency)
		if err != nil {
			return Receipt{}, err
		}
		source := wallets[request.FromUserID]
		if source.AvailableCents < request.Amount.ToAmountCents() && !service.IsSystemAccount(request.FromUserID) {
			return Receipt{}, fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, source.AvailableCents, request.Amount)
		}
		entries, err := service.post(ctx, txStore, posting{
			ref:      request.Ref,
			metadata: request.Metadata,
			legs: []leg{
				{userID: request.FromUserID, bucket: BucketAvailable, kind: KindTransferOut, amount: request.Amount.ToAmountCents().Negated()},
				{userID: request.ToUserID, bucket: BucketAvailable, kind: KindTransferIn, amount: request.Amount.ToAmountCents()},
			},
		})
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Ref: request.Ref, Entries: entries}, nil
	})
	receipt.Replayed = replayed
	service.logOperation(ctx, OperationLog{
		Operation: operationTransfer,
		UserID:    request.FromUserID,
		Amount:    request.Amount.ToAmountCents(),
		Ref:       request.Ref,
		Status:    statusFor(replayed),
		Error:     err,
	})
	return receipt, err
}
