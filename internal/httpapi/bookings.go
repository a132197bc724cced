package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
)

type party int

const (
	partyRenter party = 1 << iota
	partyOwner
	partyEither = partyRenter | partyOwner
)

type quoteRequest struct {
	RegionID           string `json:"region_id" binding:"required"`
	RentalStartUnixUTC int64  `json:"rental_start_unix_utc" binding:"required"`
	RentalHours        int    `json:"rental_hours" binding:"required"`
}

type createBookingRequest struct {
	Booking escrow.BookingContext `json:"booking"`
	Amounts escrow.Amounts        `json:"amounts"`
}

type requoteRequest struct {
	Amounts escrow.Amounts `json:"amounts"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type damageRequest struct {
	ClaimCents  int64  `json:"claim_cents"`
	Description string `json:"description" binding:"required"`
}

type resolutionRequest struct {
	RefundPercentage *int   `json:"refund_percentage"`
	Reasoning        string `json:"reasoning" binding:"required"`
}

func (server *Server) handleQuote(ctx *gin.Context) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request quoteRequest
	if !bindJSON(ctx, &request) {
		return
	}
	quote, err := server.services.Pricing.Quote(ctx.Request.Context(), pricing.QuoteRequest{
		Price: pricing.PriceRequest{
			RegionID:           request.RegionID,
			RentalStartUnixUTC: request.RentalStartUnixUTC,
			RentalHours:        request.RentalHours,
			UserID:             userValue,
		},
		BookedUnixUTC: server.now(),
	})
	if err != nil {
		server.respondError(ctx, "quote", err)
		return
	}
	ctx.JSON(http.StatusOK, success(quote))
}

func (server *Server) handleCreateBooking(ctx *gin.Context) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return
	}
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	var request createBookingRequest
	if !bindJSON(ctx, &request) {
		return
	}
	// The session user always books as the renter.
	request.Booking.RenterID = userValue
	result, err := server.services.Escrow.Create(ctx.Request.Context(), escrow.CreateRequest{
		Booking: request.Booking,
		Amounts: request.Amounts,
		Ref:     ref,
	})
	if err != nil {
		server.respondError(ctx, "booking.create", err)
		return
	}
	ctx.JSON(http.StatusCreated, success(result))
}

func (server *Server) handleGetBooking(ctx *gin.Context) {
	current, ok := server.authorizeBooking(ctx, partyEither, true)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, success(current))
}

func (server *Server) handleCancelFee(ctx *gin.Context) {
	current, ok := server.authorizeBooking(ctx, partyEither, false)
	if !ok {
		return
	}
	fee, err := server.services.Escrow.CancelFee(ctx.Request.Context(), current.BookingID(), server.now())
	if err != nil {
		server.respondError(ctx, "booking.cancel_fee", err)
		return
	}
	ctx.JSON(http.StatusOK, success(gin.H{
		"booking_id":    current.BookingID(),
		"cancel_policy": current.Booking.CancelPolicy,
		"fee_cents":     fee,
	}))
}

func (server *Server) handleLock(ctx *gin.Context) {
	server.bookingMutation(ctx, "booking.lock", partyRenter, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.Lock(ctx.Request.Context(), escrow.LockRequest{BookingID: bookingID, Ref: ref})
	})
}

func (server *Server) handleRequote(ctx *gin.Context) {
	var request requoteRequest
	server.bookingMutationWithBody(ctx, "booking.requote", partyRenter, &request, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.Requote(ctx.Request.Context(), escrow.RequoteRequest{
			BookingID: bookingID,
			Amounts:   request.Amounts,
			Ref:       ref,
		})
	})
}

func (server *Server) handleConfirmPayment(ctx *gin.Context) {
	server.bookingMutation(ctx, "booking.confirm_payment", partyRenter, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.ConfirmRenterPayment(ctx.Request.Context(), escrow.ConfirmationRequest{BookingID: bookingID, Ref: ref})
	})
}

func (server *Server) handleConfirmDelivery(ctx *gin.Context) {
	server.bookingMutation(ctx, "booking.confirm_delivery", partyOwner, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.ConfirmOwnerDelivery(ctx.Request.Context(), escrow.ConfirmationRequest{BookingID: bookingID, Ref: ref})
	})
}

func (server *Server) handleCompleteTrip(ctx *gin.Context) {
	server.bookingMutation(ctx, "booking.complete", partyEither, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.CompleteTrip(ctx.Request.Context(), escrow.ConfirmationRequest{BookingID: bookingID, Ref: ref})
	})
}

func (server *Server) handleReleaseDeposit(ctx *gin.Context) {
	server.bookingMutation(ctx, "booking.release_deposit", partyOwner, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.ReleaseDeposit(ctx.Request.Context(), escrow.ReleaseDepositRequest{BookingID: bookingID, Ref: ref})
	})
}

func (server *Server) handleCancel(ctx *gin.Context) {
	var request cancelRequest
	server.bookingMutationWithBody(ctx, "booking.cancel", partyEither, &request, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.Cancel(ctx.Request.Context(), escrow.CancelRequest{
			BookingID: bookingID,
			Reason:    request.Reason,
			Ref:       ref,
		})
	})
}

func (server *Server) handleReportDamage(ctx *gin.Context) {
	var request damageRequest
	server.bookingMutationWithBody(ctx, "booking.damage", partyOwner, &request, func(bookingID string, ref ledger.Ref) (escrow.Result, error) {
		return server.services.Escrow.ReportDamage(ctx.Request.Context(), escrow.DamageReport{
			BookingID:   bookingID,
			ClaimCents:  request.ClaimCents,
			Description: request.Description,
			Ref:         ref,
		})
	})
}

func (server *Server) handleTransitions(ctx *gin.Context) {
	transitions, err := server.services.Escrow.Transitions(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, "booking.transitions", err)
		return
	}
	ctx.JSON(http.StatusOK, success(transitions))
}

func (server *Server) handleDisputeResolution(ctx *gin.Context) {
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	var request resolutionRequest
	if !bindJSON(ctx, &request) {
		return
	}
	result, err := server.services.Escrow.ApplyDisputeResolution(ctx.Request.Context(), escrow.DisputeResolution{
		BookingID:        ctx.Param("id"),
		RefundPercentage: request.RefundPercentage,
		Reasoning:        request.Reasoning,
		Ref:              ref,
	})
	if err != nil {
		server.respondError(ctx, "booking.resolution", err)
		return
	}
	ctx.JSON(http.StatusOK, success(result))
}

func (server *Server) bookingMutation(ctx *gin.Context, operation string, allowed party, run func(bookingID string, ref ledger.Ref) (escrow.Result, error)) {
	server.bookingMutationWithBody(ctx, operation, allowed, nil, run)
}

// bookingMutationWithBody checks the caller's role on the booking, then the idempotency key and
// the optional body, before running the transition.
func (server *Server) bookingMutationWithBody(ctx *gin.Context, operation string, allowed party, body any, run func(bookingID string, ref ledger.Ref) (escrow.Result, error)) {
	current, ok := server.authorizeBooking(ctx, allowed, false)
	if !ok {
		return
	}
	ref, ok := requestRef(ctx)
	if !ok {
		return
	}
	if body != nil && !bindJSON(ctx, body) {
		return
	}
	result, err := run(current.BookingID(), ref)
	if err != nil {
		server.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, success(result))
}

// authorizeBooking loads the booking and checks the session user plays an allowed role on it.
// Outsiders get a 404 so booking ids do not leak.
func (server *Server) authorizeBooking(ctx *gin.Context, allowed party, adminAllowed bool) (escrow.Escrow, bool) {
	userValue, ok := sessionUser(ctx)
	if !ok {
		return escrow.Escrow{}, false
	}
	current, err := server.services.Escrow.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, "booking.get", err)
		return escrow.Escrow{}, false
	}
	var role party
	switch userValue {
	case current.Booking.RenterID:
		role = partyRenter
	case current.Booking.OwnerID:
		role = partyOwner
	}
	if role&allowed != 0 || (adminAllowed && server.isAdmin(userValue)) {
		return current, true
	}
	if role != 0 {
		ctx.JSON(http.StatusForbidden, failure(codeForbidden, "not allowed for this party"))
		return escrow.Escrow{}, false
	}
	ctx.JSON(http.StatusNotFound, failure(ledger.CodeNotFound, "booking not found"))
	return escrow.Escrow{}, false
}
