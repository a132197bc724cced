package fgo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// WaterfallRequest submits a claim the renter's deposit did not cover.
type WaterfallRequest struct {
	BookingID       string
	ClaimantUserID  string
	PayeeUserID     string
	TotalClaimCents int64
	Description     string
	Bucket          string
	CountryCode     string
	Ref             ledger.Ref
}

// Draw is the amount taken from one subfund.
type Draw struct {
	Subfund            SubfundType `json:"subfund"`
	AmountCents        int64       `json:"amount_cents"`
	BalanceBeforeCents int64       `json:"balance_before_cents"`
	BalanceAfterCents  int64       `json:"balance_after_cents"`
}

// WaterfallResult is the debit plan that was executed for a claim.
type WaterfallResult struct {
	Ref            ledger.Ref  `json:"ref"`
	BookingID      string      `json:"booking_id"`
	RequestedCents int64       `json:"requested_cents"`
	Eligibility    Eligibility `json:"eligibility"`
	PaidCents      int64       `json:"paid_cents"`
	ShortfallCents int64       `json:"shortfall_cents"`
	Draws          []Draw      `json:"draws"`
	Movements      []Movement  `json:"movements"`
	WalletEntryID  string      `json:"wallet_entry_id,omitempty"`
	Replayed       bool        `json:"-"`
}

// Capped reports whether a cap, rather than the fund balance, limited the payout.
func (result WaterfallResult) Capped() bool {
	return result.Eligibility.CappedAmountCents < result.RequestedCents
}

// ExecuteWaterfall pays a claim by draining liquidity, then capitalization, then profitability.
// Each subfund stops at the hard floor except the soft-ceiling subfund, which may drain to
// zero. When the payout is below the claim the result is returned together with ErrShortfall,
// joined with ErrCapExceeded when a cap was binding. The payee is credited in the wallet
// ledger under a ref derived from the request ref.
func (service *Service) ExecuteWaterfall(ctx context.Context, request WaterfallRequest) (WaterfallResult, error) {
	if request.TotalClaimCents <= 0 {
		return WaterfallResult{}, fmt.Errorf("%w: claim must be greater than zero", ErrInvalidAmount)
	}
	request.BookingID = strings.TrimSpace(request.BookingID)
	request.ClaimantUserID = strings.TrimSpace(request.ClaimantUserID)
	request.PayeeUserID = strings.TrimSpace(request.PayeeUserID)
	key := normalizeKey(ParameterKey{Bucket: request.Bucket, CountryCode: request.CountryCode})

	parameters, err := service.resolveParameters(ctx, service.store, key)
	if err != nil {
		return WaterfallResult{}, err
	}
	eventCapCents, err := service.eventCapCents(ctx, request.BookingID, parameters)
	if err != nil {
		return WaterfallResult{}, err
	}

	call := ledger.NewIdempotentCall(operationWaterfall, request.Ref, request.BookingID, request.ClaimantUserID, request.PayeeUserID, request.TotalClaimCents, key.Bucket, key.CountryCode)
	result, replayed, err := ledger.RunIdempotent(ctx, service.retryPolicy, service.store.WithTx, call, service.nowFn, func(ctx context.Context, txStore Store) (WaterfallResult, error) {
		parameters, err := service.resolveParameters(ctx, txStore, key)
		if err != nil {
			return WaterfallResult{}, err
		}
		eligibility, err := service.assess(ctx, txStore, EligibilityRequest{
			BookingID:        request.BookingID,
			ClaimantUserID:   request.ClaimantUserID,
			ClaimAmountCents: request.TotalClaimCents,
		}, parameters, eventCapCents)
		if err != nil {
			return WaterfallResult{}, err
		}
		if !eligibility.Eligible {
			return WaterfallResult{}, fmt.Errorf("%w: %s", ErrCapExceeded, eligibility.Reason)
		}
		subfunds, err := txStore.LockSubfunds(ctx)
		if err != nil {
			return WaterfallResult{}, err
		}
		nowUnixUTC := service.nowFn()
		result := WaterfallResult{
			Ref:            request.Ref,
			BookingID:      request.BookingID,
			RequestedCents: request.TotalClaimCents,
			Eligibility:    eligibility,
		}
		remaining := eligibility.CappedAmountCents
		for _, subfundType := range WaterfallOrder {
			if remaining == 0 {
				break
			}
			subfund := subfunds[subfundType]
			floor := parameters.HardFloorCents
			if subfundType == parameters.SoftCeilingSubfund {
				floor = 0
			}
			drawCents := min(subfund.BalanceCents-floor, remaining)
			if drawCents <= 0 {
				continue
			}
			result.Draws = append(result.Draws, Draw{
				Subfund:            subfundType,
				AmountCents:        drawCents,
				BalanceBeforeCents: subfund.BalanceCents,
				BalanceAfterCents:  subfund.BalanceCents - drawCents,
			})
			result.Movements = append(result.Movements, Movement{
				MovementID:     uuid.NewString(),
				Subfund:        subfundType,
				Type:           MovementClaimPayout,
				Operation:      OperationDebit,
				AmountCents:    drawCents,
				Ref:            request.Ref,
				BookingID:      request.BookingID,
				UserID:         request.ClaimantUserID,
				Description:    request.Description,
				CreatedUnixUTC: nowUnixUTC,
			})
			subfund.BalanceCents -= drawCents
			subfund.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.SaveSubfund(ctx, subfund); err != nil {
				return WaterfallResult{}, err
			}
			remaining -= drawCents
			result.PaidCents += drawCents
		}
		result.ShortfallCents = request.TotalClaimCents - result.PaidCents
		if len(result.Movements) > 0 {
			if err := txStore.InsertMovements(ctx, result.Movements); err != nil {
				return WaterfallResult{}, err
			}
		}
		return result, nil
	})
	if err != nil {
		service.logger.Warn("fgo waterfall failed", zap.String("ref", request.Ref.String()), zap.String("booking_id", request.BookingID), zap.Error(err))
		return WaterfallResult{}, err
	}
	result.Replayed = replayed

	if result.PaidCents > 0 && service.ledger != nil && request.PayeeUserID != "" {
		entryID, err := service.postPayout(ctx, request, result)
		if err != nil {
			return result, err
		}
		result.WalletEntryID = entryID
	}

	service.logger.Info("fgo waterfall executed",
		zap.String("ref", request.Ref.String()),
		zap.String("booking_id", request.BookingID),
		zap.Int64("requested_cents", result.RequestedCents),
		zap.Int64("paid_cents", result.PaidCents),
		zap.Int64("shortfall_cents", result.ShortfallCents),
		zap.String("cap_reason", result.Eligibility.Reason),
		zap.Bool("replayed", replayed),
	)
	if result.ShortfallCents > 0 {
		shortfall := fmt.Errorf("%w: paid %d of %d", ErrShortfall, result.PaidCents, result.RequestedCents)
		if result.Capped() {
			shortfall = errors.Join(shortfall, fmt.Errorf("%w: %s", ErrCapExceeded, result.Eligibility.Reason))
		}
		return result, shortfall
	}
	return result, nil
}

func (service *Service) postPayout(ctx context.Context, request WaterfallRequest, result WaterfallResult) (string, error) {
	payee, err := ledger.NewUserID(request.PayeeUserID)
	if err != nil {
		return "", err
	}
	amount, err := ledger.NewPositiveAmountCents(result.PaidCents)
	if err != nil {
		return "", err
	}
	payoutRef, err := ledger.DeriveRef(request.Ref, refSuffixPayout)
	if err != nil {
		return "", err
	}
	var bookingID ledger.BookingID
	if request.BookingID != "" {
		if bookingID, err = ledger.NewBookingID(request.BookingID); err != nil {
			return "", err
		}
	}
	metadata, err := movementMetadata(request.Ref, request.Description)
	if err != nil {
		return "", err
	}
	receipt, err := service.ledger.Credit(ctx, ledger.CreditRequest{
		UserID:    payee,
		Amount:    amount,
		Kind:      ledger.KindFranchiseFund,
		BookingID: bookingID,
		Ref:       payoutRef,
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

func movementMetadata(ref ledger.Ref, description string) (ledger.MetadataJSON, error) {
	encoded, err := json.Marshal(map[string]string{"fgo_ref": ref.String(), "description": description})
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(encoded))
}
