package escrow

import (
	"errors"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

// Error values returned by the escrow state machine.
var (
	ErrHoldAuthorizationFailed = errors.New("hold authorization failed")
	ErrVerificationRequired    = errors.New("verification required")
	ErrUnknownBooking          = errors.New("unknown booking escrow")
	ErrBookingExists           = errors.New("booking escrow already exists")
	ErrInvalidBooking          = errors.New("invalid booking context")
	ErrInvalidAmounts          = errors.New("invalid escrow amounts")
	ErrInvalidCancelPolicy     = errors.New("invalid cancel policy")
	ErrInvalidPaymentMode      = errors.New("invalid payment mode")
	ErrInvalidResolution       = errors.New("invalid dispute resolution")
	ErrInvalidServiceConfig    = errors.New("invalid escrow service config")

	// Shared with the ledger, risk and fund packages so callers match one value per kind.
	ErrInvalidState        = ledger.ErrInvalidState
	ErrInsufficientFunds   = ledger.ErrInsufficientFunds
	ErrDuplicateRef        = ledger.ErrDuplicateRef
	ErrConcurrencyConflict = ledger.ErrConcurrencyConflict
	ErrStaleSnapshot       = risk.ErrStaleSnapshot
	ErrShortfall           = fgo.ErrShortfall
	ErrCapExceeded         = fgo.ErrCapExceeded
)
