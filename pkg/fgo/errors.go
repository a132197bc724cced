package fgo

import (
	"errors"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// Error values returned by the guarantee fund.
var (
	ErrShortfall            = errors.New("guarantee fund shortfall")
	ErrCapExceeded          = errors.New("guarantee fund cap exceeded")
	ErrInsufficientBalance  = errors.New("insufficient subfund balance")
	ErrInvalidSubfund       = errors.New("invalid subfund")
	ErrInvalidMovementType  = errors.New("invalid movement type")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidParameters    = errors.New("invalid guarantee fund parameters")
	ErrUnknownParameters    = errors.New("unknown guarantee fund parameters")
	ErrInvalidServiceConfig = errors.New("invalid guarantee fund service config")

	// Shared with the wallet ledger so one retry policy covers both stores.
	ErrConcurrencyConflict = ledger.ErrConcurrencyConflict
	ErrDuplicateRef        = ledger.ErrDuplicateRef
)
