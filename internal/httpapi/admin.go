package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

type overrideParametersRequest struct {
	Parameters      fgo.Parameters `json:"parameters"`
	ExpectedVersion int            `json:"expected_version"`
}

type rebalanceRequest struct {
	From        string `json:"from" binding:"required"`
	To          string `json:"to" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

func (server *Server) handleSubfunds(ctx *gin.Context) {
	subfunds, err := server.services.Fund.Subfunds(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, "fund.subfunds", err)
		return
	}
	ctx.JSON(http.StatusOK, success(subfunds))
}

func (server *Server) handleMovements(ctx *gin.Context) {
	filter := fgo.MovementFilter{
		UserID:    ctx.Query("user_id"),
		BookingID: ctx.Query("booking_id"),
		Limit:     server.cfg.HistoryLimit,
	}
	for _, raw := range ctx.QueryArray("type") {
		movementType, err := fgo.ParseMovementType(raw)
		if err != nil {
			server.respondError(ctx, "fund.movements", err)
			return
		}
		filter.Types = append(filter.Types, movementType)
	}
	if raw := ctx.Query("subfund"); raw != "" {
		subfund, err := fgo.ParseSubfundType(raw)
		if err != nil {
			server.respondError(ctx, "fund.movements", err)
			return
		}
		filter.Subfund = subfund
	}
	var ok bool
	if filter.SinceUnixUTC, ok = queryInt(ctx, "since", 0); !ok {
		return
	}
	limit, ok := queryInt(ctx, "limit", int64(filter.Limit))
	if !ok {
		return
	}
	filter.Limit = int(limit)
	movements, err := server.services.Fund.Movements(ctx.Request.Context(), filter)
	if err != nil {
		server.respondError(ctx, "fund.movements", err)
		return
	}
	ctx.JSON(http.StatusOK, success(movements))
}

func (server *Server) handleLatestFundMetrics(ctx *gin.Context) {
	metrics, found, err := server.services.Fund.LatestMetrics(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, "fund.metrics", err)
		return
	}
	if !found {
		ctx.JSON(http.StatusNotFound, failure(ledger.CodeNotFound, "no fund metrics recorded yet"))
		return
	}
	ctx.JSON(http.StatusOK, success(metrics))
}

func (server *Server) handleRecalculateFundMetrics(ctx *gin.Context) {
	metrics, err := server.services.Fund.RecalculateMetrics(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, "fund.metrics.recalculate", err)
		return
	}
	if server.fundObserver != nil {
		server.fundObserver.ObserveFund(metrics)
	}
	ctx.JSON(http.StatusOK, success(metrics))
}

func (server *Server) handleAdjustAlpha(ctx *gin.Context) {
	adjustments, err := server.services.Fund.AdjustAlphaDynamic(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, "fund.alpha", err)
		return
	}
	ctx.JSON(http.StatusOK, success(adjustments))
}

func (server *Server) handleListParameters(ctx *gin.Context) {
	parameters, err := server.services.Fund.ListParameters(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, "fund.parameters", err)
		return
	}
	ctx.JSON(http.StatusOK, success(parameters))
}

func (server *Server) handleOverrideParameters(ctx *gin.Context) {
	var request overrideParametersRequest
	if !bindJSON(ctx, &request) {
		return
	}
	parameters, err := server.services.Fund.OverrideParameters(ctx.Request.Context(), request.Parameters, request.ExpectedVersion)
	if err != nil {
		server.respondError(ctx, "fund.parameters.override", err)
		return
	}
	ctx.JSON(http.StatusOK, success(parameters))
}

func (server *Server) handleRebalance(ctx *gin.Context) {
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	var request rebalanceRequest
	if !bindJSON(ctx, &request) {
		return
	}
	from, err := fgo.ParseSubfundType(request.From)
	if err != nil {
		server.respondError(ctx, "fund.rebalance", err)
		return
	}
	to, err := fgo.ParseSubfundType(request.To)
	if err != nil {
		server.respondError(ctx, "fund.rebalance", err)
		return
	}
	result, err := server.services.Fund.Rebalance(ctx.Request.Context(), fgo.RebalanceRequest{
		From:        from,
		To:          to,
		AmountCents: request.AmountCents,
		Reason:      request.Reason,
		Ref:         ref,
	})
	if err != nil {
		server.respondError(ctx, "fund.rebalance", err)
		return
	}
	ctx.JSON(http.StatusOK, success(result))
}

func (server *Server) handleRiskSnapshot(ctx *gin.Context) {
	bookingID := ctx.Param("id")
	snapshot, err := server.services.Risk.Get(ctx.Request.Context(), bookingID)
	if err != nil {
		server.respondError(ctx, "risk.get", err)
		return
	}
	history, err := server.services.Risk.History(ctx.Request.Context(), bookingID)
	if err != nil {
		server.respondError(ctx, "risk.history", err)
		return
	}
	ctx.JSON(http.StatusOK, success(gin.H{"current": snapshot, "history": history}))
}

func (server *Server) handleFlagSnapshot(ctx *gin.Context) {
	bookingID := ctx.Param("id")
	if err := server.services.Risk.FlagForRevalidation(ctx.Request.Context(), bookingID, risk.ReasonAdminFlag); err != nil {
		server.respondError(ctx, "risk.flag", err)
		return
	}
	snapshot, err := server.services.Risk.Get(ctx.Request.Context(), bookingID)
	if err != nil {
		server.respondError(ctx, "risk.get", err)
		return
	}
	ctx.JSON(http.StatusOK, success(snapshot))
}

func (server *Server) handleRefreshSnapshot(ctx *gin.Context) {
	snapshot, err := server.services.Risk.Refresh(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, "risk.refresh", err)
		return
	}
	ctx.JSON(http.StatusOK, success(snapshot))
}

func (server *Server) handleUpdateDemand(ctx *gin.Context) {
	var counts pricing.DemandCounts
	if !bindJSON(ctx, &counts) {
		return
	}
	snapshot, err := server.services.Pricing.UpdateDemandSnapshot(ctx.Request.Context(), ctx.Param("region"), counts)
	if err != nil {
		server.respondError(ctx, "pricing.demand", err)
		return
	}
	ctx.JSON(http.StatusOK, success(snapshot))
}

func (server *Server) handleReplayCalculation(ctx *gin.Context) {
	result, err := server.services.Pricing.Replay(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, "pricing.replay", err)
		return
	}
	ctx.JSON(http.StatusOK, success(result))
}

// queryInt parses an optional integer query parameter or writes a 400.
func queryInt(ctx *gin.Context, name string, fallback int64) (int64, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		ctx.JSON(http.StatusBadRequest, failure(ledger.CodeInvalidArgument, name+" must be a non-negative integer"))
		return 0, false
	}
	return value, true
}
