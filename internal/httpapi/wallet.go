package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

type amountRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required"`
}

type depositRequest struct {
	amountRequest
	Provider string `json:"provider" binding:"required"`
}

type transferRequest struct {
	amountRequest
	ToUserID string          `json:"to_user_id" binding:"required"`
	Metadata json.RawMessage `json:"metadata"`
}

type withdrawalRequest struct {
	amountRequest
	Destination string `json:"destination" binding:"required"`
}

type creditRequest struct {
	amountRequest
	UserID    string          `json:"user_id" binding:"required"`
	Kind      string          `json:"kind" binding:"required"`
	BookingID string          `json:"booking_id"`
	Metadata  json.RawMessage `json:"metadata"`
}

type confirmDepositRequest struct {
	ProviderRef string `json:"provider_ref" binding:"required"`
}

type completeWithdrawalRequest struct {
	PayoutRef string `json:"payout_ref" binding:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type walletResponse struct {
	Balance ledger.Balance `json:"balance"`
	Entries []ledger.Entry `json:"entries"`
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		server.respondError(ctx, "wallet", err)
		return
	}
	balance, err := server.services.Ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "wallet", err)
		return
	}
	before := server.now() + 1
	if raw := ctx.Query("before"); raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, failure(ledger.CodeInvalidArgument, "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	entries, err := server.services.Ledger.ListEntries(ctx.Request.Context(), userID, before, server.cfg.HistoryLimit)
	if err != nil {
		server.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, success(walletResponse{Balance: balance, Entries: entries}))
}

func (server *Server) handleDeposit(ctx *gin.Context) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return
	}
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	var request depositRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, amount, err := userAndAmount(userValue, request.AmountCents)
	if err != nil {
		server.respondError(ctx, "deposit", err)
		return
	}
	deposit, err := server.services.Ledger.Deposit(ctx.Request.Context(), ledger.DepositRequest{
		UserID:   userID,
		Amount:   amount,
		Provider: request.Provider,
		Ref:      ref,
	})
	if err != nil {
		server.respondError(ctx, "deposit", err)
		return
	}
	ctx.JSON(http.StatusAccepted, success(deposit))
}

func (server *Server) handleTransfer(ctx *gin.Context) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return
	}
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	var request transferRequest
	if !bindJSON(ctx, &request) {
		return
	}
	fromUserID, amount, err := userAndAmount(userValue, request.AmountCents)
	if err != nil {
		server.respondError(ctx, "transfer", err)
		return
	}
	toUserID, err := ledger.NewUserID(request.ToUserID)
	if err != nil {
		server.respondError(ctx, "transfer", err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		server.respondError(ctx, "transfer", err)
		return
	}
	receipt, err := server.services.Ledger.Transfer(ctx.Request.Context(), ledger.TransferRequest{
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Amount:     amount,
		Ref:        ref,
		Metadata:   metadata,
	})
	if err != nil {
		server.respondError(ctx, "transfer", err)
		return
	}
	ctx.JSON(http.StatusOK, success(receipt))
}

func (server *Server) handleRequestWithdrawal(ctx *gin.Context) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return
	}
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	var request withdrawalRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, amount, err := userAndAmount(userValue, request.AmountCents)
	if err != nil {
		server.respondError(ctx, "withdrawal.request", err)
		return
	}
	result, err := server.services.Ledger.RequestWithdrawal(ctx.Request.Context(), ledger.WithdrawalRequest{
		UserID:      userID,
		Amount:      amount,
		Destination: request.Destination,
		Ref:         ref,
	})
	if err != nil {
		server.respondError(ctx, "withdrawal.request", err)
		return
	}
	ctx.JSON(http.StatusAccepted, success(result))
}

func (server *Server) handleGetWithdrawal(ctx *gin.Context) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return
	}
	withdrawal, err := server.services.Ledger.GetWithdrawal(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, "withdrawal.get", err)
		return
	}
	if withdrawal.UserID.String() != userValue && !server.isAdmin(userValue) {
		ctx.JSON(http.StatusNotFound, failure(ledger.CodeNotFound, "withdrawal not found"))
		return
	}
	ctx.JSON(http.StatusOK, success(withdrawal))
}

func (server *Server) handleConfirmDeposit(ctx *gin.Context) {
	var request confirmDepositRequest
	if !bindJSON(ctx, &request) {
		return
	}
	result, err := server.services.Ledger.ConfirmDeposit(ctx.Request.Context(), ledger.ConfirmDepositRequest{
		TransactionID: ctx.Param("id"),
		ProviderRef:   request.ProviderRef,
	})
	if err != nil {
		server.respondError(ctx, "deposit.confirm", err)
		return
	}
	ctx.JSON(http.StatusOK, success(result))
}

func (server *Server) handleApproveWithdrawal(ctx *gin.Context) {
	result, err := server.services.Ledger.ApproveWithdrawal(ctx.Request.Context(), ctx.Param("id"))
	server.respondWithdrawal(ctx, "withdrawal.approve", result, err)
}

func (server *Server) handleProcessWithdrawal(ctx *gin.Context) {
	result, err := server.services.Ledger.ProcessWithdrawal(ctx.Request.Context(), ctx.Param("id"))
	server.respondWithdrawal(ctx, "withdrawal.process", result, err)
}

func (server *Server) handleCompleteWithdrawal(ctx *gin.Context) {
	var request completeWithdrawalRequest
	if !bindJSON(ctx, &request) {
		return
	}
	result, err := server.services.Ledger.CompleteWithdrawal(ctx.Request.Context(), ctx.Param("id"), request.PayoutRef)
	server.respondWithdrawal(ctx, "withdrawal.complete", result, err)
}

func (server *Server) handleFailWithdrawal(ctx *gin.Context) {
	var request reasonRequest
	if !bindJSON(ctx, &request) {
		return
	}
	result, err := server.services.Ledger.FailWithdrawal(ctx.Request.Context(), ctx.Param("id"), request.Reason)
	server.respondWithdrawal(ctx, "withdrawal.fail", result, err)
}

func (server *Server) handleRejectWithdrawal(ctx *gin.Context) {
	var request reasonRequest
	if !bindJSON(ctx, &request) {
		return
	}
	result, err := server.services.Ledger.RejectWithdrawal(ctx.Request.Context(), ctx.Param("id"), request.Reason)
	server.respondWithdrawal(ctx, "withdrawal.reject", result, err)
}

func (server *Server) respondWithdrawal(ctx *gin.Context, operation string, result ledger.WithdrawalResult, err error) {
	if err != nil {
		server.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, success(result))
}

func (server *Server) handleCredit(ctx *gin.Context) {
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	var request creditRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, amount, err := userAndAmount(request.UserID, request.AmountCents)
	if err != nil {
		server.respondError(ctx, "credit", err)
		return
	}
	kind, err := ledger.ParseEntryKind(request.Kind)
	if err != nil {
		server.respondError(ctx, "credit", err)
		return
	}
	var bookingID ledger.BookingID
	if request.BookingID != "" {
		if bookingID, err = ledger.NewBookingID(request.BookingID); err != nil {
			server.respondError(ctx, "credit", err)
			return
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		server.respondError(ctx, "credit", err)
		return
	}
	receipt, err := server.services.Ledger.Credit(ctx.Request.Context(), ledger.CreditRequest{
		UserID:    userID,
		Amount:    amount,
		Kind:      kind,
		BookingID: bookingID,
		Ref:       ref,
		Metadata:  metadata,
	})
	if err != nil {
		server.respondError(ctx, "credit", err)
		return
	}
	ctx.JSON(http.StatusOK, success(receipt))
}

func (server *Server) handleAuditRef(ctx *gin.Context) {
	ref, err := ledger.NewRef(ctx.Param("ref"))
	if err != nil {
		server.respondError(ctx, "audit", err)
		return
	}
	report, err := server.services.Ledger.AuditRef(ctx.Request.Context(), ref)
	if err != nil {
		server.respondError(ctx, "audit", err)
		return
	}
	entries, err := server.services.Ledger.EntriesByRef(ctx.Request.Context(), ref)
	if err != nil {
		server.respondError(ctx, "audit", err)
		return
	}
	ctx.JSON(http.StatusOK, success(gin.H{
		"internal_net_cents":   report.InternalNetCents,
		"inbound_cents":        report.InboundCents,
		"outbound_cents":       report.OutboundCents,
		"guarantee_fund_cents": report.GuaranteeFundCents,
		"entries":              entries,
	}))
}

func userAndAmount(userValue string, amountCents int64) (ledger.UserID, ledger.PositiveAmountCents, error) {
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.UserID{}, 0, err
	}
	amount, err := ledger.NewPositiveAmountCents(amountCents)
	if err != nil {
		return ledger.UserID{}, 0, err
	}
	return userID, amount, nil
}

func (server *Server) isAdmin(userID string) bool {
	_, ok := server.admins[userID]
	return ok
}
