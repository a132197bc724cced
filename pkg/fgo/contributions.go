package fgo

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// ContributionRequest routes part of a locked security deposit into the fund.
type ContributionRequest struct {
	UserID             string
	BookingID          string
	DepositAmountCents int64
	Bucket             string
	CountryCode        string
	Ref                ledger.Ref
}

// ContributionResult reports the contribution credited to the liquidity subfund.
type ContributionResult struct {
	Ref               ledger.Ref      `json:"ref"`
	Alpha             decimal.Decimal `json:"alpha"`
	ContributionCents int64           `json:"contribution_cents"`
	Movement          *Movement       `json:"movement,omitempty"`
	WalletEntryID     string          `json:"wallet_entry_id,omitempty"`
	Replayed          bool            `json:"-"`
}

// ContributeFromDeposit credits alpha × deposit, rounded half-even, to the liquidity subfund.
// When a funding account is configured the same amount is debited from it in the wallet ledger.
func (service *Service) ContributeFromDeposit(ctx context.Context, request ContributionRequest) (ContributionResult, error) {
	if request.DepositAmountCents <= 0 {
		return ContributionResult{}, fmt.Errorf("%w: deposit must be greater than zero", ErrInvalidAmount)
	}
	request.UserID = strings.TrimSpace(request.UserID)
	request.BookingID = strings.TrimSpace(request.BookingID)
	key := normalizeKey(ParameterKey{Bucket: request.Bucket, CountryCode: request.CountryCode})

	call := ledger.NewIdempotentCall(operationContribute, request.Ref, request.UserID, request.BookingID, request.DepositAmountCents, key.Bucket, key.CountryCode)
	result, replayed, err := ledger.RunIdempotent(ctx, service.retryPolicy, service.store.WithTx, call, service.nowFn, func(ctx context.Context, txStore Store) (ContributionResult, error) {
		parameters, err := service.resolveParameters(ctx, txStore, key)
		if err != nil {
			return ContributionResult{}, err
		}
		contribution := parameters.Alpha.Mul(decimal.NewFromInt(request.DepositAmountCents)).RoundBank(0).IntPart()
		result := ContributionResult{Ref: request.Ref, Alpha: parameters.Alpha, ContributionCents: contribution}
		if contribution <= 0 {
			return result, nil
		}
		subfunds, err := txStore.LockSubfunds(ctx)
		if err != nil {
			return ContributionResult{}, err
		}
		nowUnixUTC := service.nowFn()
		movement := Movement{
			MovementID:     uuid.NewString(),
			Subfund:        SubfundLiquidity,
			Type:           MovementContribution,
			Operation:      OperationCredit,
			AmountCents:    contribution,
			Ref:            request.Ref,
			BookingID:      request.BookingID,
			UserID:         request.UserID,
			CreatedUnixUTC: nowUnixUTC,
		}
		liquidity := subfunds[SubfundLiquidity]
		liquidity.BalanceCents += contribution
		liquidity.UpdatedUnixUTC = nowUnixUTC
		if err := txStore.SaveSubfund(ctx, liquidity); err != nil {
			return ContributionResult{}, err
		}
		if err := txStore.InsertMovements(ctx, []Movement{movement}); err != nil {
			return ContributionResult{}, err
		}
		result.Movement = &movement
		return result, nil
	})
	if err != nil {
		service.logger.Warn("fgo contribution failed", zap.String("ref", request.Ref.String()), zap.String("booking_id", request.BookingID), zap.Error(err))
		return ContributionResult{}, err
	}
	result.Replayed = replayed

	if result.ContributionCents > 0 && service.ledger != nil && !service.fundingAccount.IsZero() {
		entryID, err := service.postContribution(ctx, request, result)
		if err != nil {
			return result, err
		}
		result.WalletEntryID = entryID
	}
	service.logger.Info("fgo contribution recorded",
		zap.String("ref", request.Ref.String()),
		zap.String("booking_id", request.BookingID),
		zap.Int64("deposit_cents", request.DepositAmountCents),
		zap.Int64("contribution_cents", result.ContributionCents),
		zap.String("alpha", result.Alpha.String()),
		zap.Bool("replayed", replayed),
	)
	return result, nil
}

func (service *Service) postContribution(ctx context.Context, request ContributionRequest, result ContributionResult) (string, error) {
	amount, err := ledger.NewPositiveAmountCents(result.ContributionCents)
	if err != nil {
		return "", err
	}
	contributionRef, err := ledger.DeriveRef(request.Ref, refSuffixContribution)
	if err != nil {
		return "", err
	}
	var bookingID ledger.BookingID
	if request.BookingID != "" {
		if bookingID, err = ledger.NewBookingID(request.BookingID); err != nil {
			return "", err
		}
	}
	metadata, err := movementMetadata(request.Ref, "deposit contribution")
	if err != nil {
		return "", err
	}
	receipt, err := service.ledger.Debit(ctx, ledger.CreditRequest{
		UserID:    service.fundingAccount,
		Amount:    amount,
		Kind:      ledger.KindFranchiseFund,
		BookingID: bookingID,
		Ref:       contributionRef,
		Metadata:  metadata,
	})
	if err != nil {
		return "", err
	}
	if len(receipt.Entries) == 0 {
		return "", nil
	}
	entryID := receipt.Entries[0].EntryID
	if err := service.store.LinkWalletEntry(ctx, request.Ref, entryID); err != nil {
		return "", err
	}
	return entryID, nil
}

// RebalanceRequest moves balance between two subfunds.
type RebalanceRequest struct {
	From        SubfundType
	To          SubfundType
	AmountCents int64
	Reason      string
	Ref         ledger.Ref
}

// RebalanceResult lists the paired movements of a rebalance.
type RebalanceResult struct {
	Ref       ledger.Ref `json:"ref"`
	Movements []Movement `json:"movements"`
	Subfunds  []Subfund  `json:"subfunds"`
	Replayed  bool       `json:"-"`
}

// Rebalance moves balance from one subfund to another. The source may not drop below the
// global hard floor unless it is the soft-ceiling subfund.
func (service *Service) Rebalance(ctx context.Context, request RebalanceRequest) (RebalanceResult, error) {
	from, err := ParseSubfundType(string(request.From))
	if err != nil {
		return RebalanceResult{}, err
	}
	to, err := ParseSubfundType(string(request.To))
	if err != nil {
		return RebalanceResult{}, err
	}
	if from == to {
		return RebalanceResult{}, fmt.Errorf("%w: source and destination are both %s", ErrInvalidSubfund, from)
	}
	if request.AmountCents <= 0 {
		return RebalanceResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	call := ledger.NewIdempotentCall(operationRebalance, request.Ref, from, to, request.AmountCents)
	result, replayed, err := ledger.RunIdempotent(ctx, service.retryPolicy, service.store.WithTx, call, service.nowFn, func(ctx context.Context, txStore Store) (RebalanceResult, error) {
		parameters, err := service.resolveParameters(ctx, txStore, ParameterKey{})
		if err != nil {
			return RebalanceResult{}, err
		}
		subfunds, err := txStore.LockSubfunds(ctx)
		if err != nil {
			return RebalanceResult{}, err
		}
		floor := parameters.HardFloorCents
		if from == parameters.SoftCeilingSubfund {
			floor = 0
		}
		source, destination := subfunds[from], subfunds[to]
		if source.BalanceCents-request.AmountCents < floor {
			return RebalanceResult{}, fmt.Errorf("%w: %s holds %d", ErrInsufficientBalance, from, source.BalanceCents)
		}
		nowUnixUTC := service.nowFn()
		source.BalanceCents -= request.AmountCents
		source.UpdatedUnixUTC = nowUnixUTC
		destination.BalanceCents += request.AmountCents
		destination.UpdatedUnixUTC = nowUnixUTC
		movements := []Movement{
			{MovementID: uuid.NewString(), Subfund: from, Type: MovementRebalanceOut, Operation: OperationDebit, AmountCents: request.AmountCents, Ref: request.Ref, Description: request.Reason, CreatedUnixUTC: nowUnixUTC},
			{MovementID: uuid.NewString(), Subfund: to, Type: MovementRebalanceIn, Operation: OperationCredit, AmountCents: request.AmountCents, Ref: request.Ref, Description: request.Reason, CreatedUnixUTC: nowUnixUTC},
		}
		for _, subfund := range []Subfund{source, destination} {
			if err := txStore.SaveSubfund(ctx, subfund); err != nil {
				return RebalanceResult{}, err
			}
		}
		if err := txStore.InsertMovements(ctx, movements); err != nil {
			return RebalanceResult{}, err
		}
		return RebalanceResult{Ref: request.Ref, Movements: movements, Subfunds: []Subfund{source, destination}}, nil
	})
	if err != nil {
		return RebalanceResult{}, err
	}
	result.Replayed = replayed
	service.logger.Info("fgo rebalanced", zap.String("ref", request.Ref.String()), zap.String("from", string(from)), zap.String("to", string(to)), zap.Int64("amount_cents", request.AmountCents))
	return result, nil
}
