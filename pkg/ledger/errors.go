package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidState         = errors.New("invalid state")
	ErrDuplicateRef         = errors.New("duplicate ref")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrSameUser             = errors.New("source and destination are the same user")
	ErrUnbalanced           = errors.New("entries do not balance")
	ErrUnknownLock          = errors.New("unknown fund lock")
	ErrUnknownDeposit       = errors.New("unknown deposit")
	ErrUnknownWithdrawal    = errors.New("unknown withdrawal")
	ErrLockExists           = errors.New("fund lock already exists")
	ErrCurrencyMismatch     = errors.New("currency mismatch")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidBookingID     = errors.New("invalid booking id")
	ErrInvalidRef           = errors.New("invalid ref")
	ErrInvalidCurrency      = errors.New("invalid currency")
	ErrInvalidAmountCents   = errors.New("invalid amount cents")
	ErrInvalidEntryKind     = errors.New("invalid entry kind")
	ErrInvalidBucket        = errors.New("invalid bucket")
	ErrInvalidLockPurpose   = errors.New("invalid lock purpose")
	ErrInvalidLockStatus    = errors.New("invalid lock status")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// Stable error codes exposed to callers.
const (
	CodeInsufficientFunds   = "insufficient_funds"
	CodeInvalidState        = "invalid_state"
	CodeDuplicateRef        = "duplicate_ref"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeNotFound            = "not_found"
	CodeInvalidArgument     = "invalid_argument"
	CodeInternal            = "internal"
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ErrorCode maps ledger errors to the stable codes surfaced to callers.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrDuplicateRef), errors.Is(err, ErrLockExists):
		return CodeDuplicateRef
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrUnbalanced), errors.Is(err, ErrCurrencyMismatch):
		return CodeInvalidState
	case errors.Is(err, ErrUnknownLock), errors.Is(err, ErrUnknownDeposit), errors.Is(err, ErrUnknownWithdrawal):
		return CodeNotFound
	case errors.Is(err, ErrSameUser),
		errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrInvalidBookingID),
		errors.Is(err, ErrInvalidRef),
		errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrInvalidAmountCents),
		errors.Is(err, ErrInvalidEntryKind),
		errors.Is(err, ErrInvalidBucket),
		errors.Is(err, ErrInvalidLockPurpose),
		errors.Is(err, ErrInvalidMetadataJSON):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
