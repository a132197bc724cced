package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

const (
	codeStaleSnapshot           = "stale_snapshot"
	codeCapExceeded             = "cap_exceeded"
	codeShortfall               = "shortfall"
	codeHoldAuthorizationFailed = "hold_authorization_failed"
	codeVerificationRequired    = "verification_required"
	codeUnauthorized            = "unauthorized"
	codeForbidden               = "forbidden"
)

// envelope is the shape of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func success(data any) envelope {
	return envelope{Success: true, Data: data}
}

func failure(code string, message string) envelope {
	return envelope{Success: false, Code: code, Message: message}
}

// classify maps a domain error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, risk.ErrStaleSnapshot):
		return http.StatusConflict, codeStaleSnapshot
	case errors.Is(err, fgo.ErrCapExceeded):
		return http.StatusUnprocessableEntity, codeCapExceeded
	case errors.Is(err, fgo.ErrShortfall):
		return http.StatusUnprocessableEntity, codeShortfall
	case errors.Is(err, escrow.ErrHoldAuthorizationFailed):
		return http.StatusPaymentRequired, codeHoldAuthorizationFailed
	case errors.Is(err, escrow.ErrVerificationRequired):
		return http.StatusForbidden, codeVerificationRequired
	case errors.Is(err, fgo.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, ledger.CodeInsufficientFunds
	case errors.Is(err, escrow.ErrBookingExists):
		return http.StatusConflict, ledger.CodeDuplicateRef
	case errors.Is(err, escrow.ErrUnknownBooking),
		errors.Is(err, risk.ErrUnknownSnapshot),
		errors.Is(err, fgo.ErrUnknownParameters),
		errors.Is(err, pricing.ErrUnknownCalculation),
		errors.Is(err, pricing.ErrUnknownRegion):
		return http.StatusNotFound, ledger.CodeNotFound
	case errors.Is(err, escrow.ErrInvalidBooking),
		errors.Is(err, escrow.ErrInvalidAmounts),
		errors.Is(err, escrow.ErrInvalidCancelPolicy),
		errors.Is(err, escrow.ErrInvalidPaymentMode),
		errors.Is(err, escrow.ErrInvalidResolution),
		errors.Is(err, fgo.ErrInvalidSubfund),
		errors.Is(err, fgo.ErrInvalidMovementType),
		errors.Is(err, fgo.ErrInvalidAmount),
		errors.Is(err, fgo.ErrInvalidParameters),
		errors.Is(err, risk.ErrUnknownCountry),
		errors.Is(err, risk.ErrInvalidBookingID),
		errors.Is(err, risk.ErrInvalidCarValue),
		errors.Is(err, risk.ErrInvalidGuaranteeType),
		errors.Is(err, pricing.ErrInvalidRentalHours),
		errors.Is(err, pricing.ErrInvalidRegionID),
		errors.Is(err, pricing.ErrInvalidDiscount):
		return http.StatusBadRequest, ledger.CodeInvalidArgument
	}
	switch code := ledger.ErrorCode(err); code {
	case ledger.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity, code
	case ledger.CodeInvalidState, ledger.CodeDuplicateRef, ledger.CodeConcurrencyConflict:
		return http.StatusConflict, code
	case ledger.CodeNotFound:
		return http.StatusNotFound, code
	case ledger.CodeInvalidArgument:
		return http.StatusBadRequest, code
	default:
		return http.StatusInternalServerError, ledger.CodeInternal
	}
}

// respondError writes the envelope of err. Internal failures are logged and their message is
// not echoed to the client.
func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		server.logger.Error("request failed", zap.String("operation", operation), zap.String("path", ctx.Request.URL.Path), zap.Error(err))
		message = "internal error"
	}
	ctx.JSON(status, failure(code, message))
}
