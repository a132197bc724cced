package ledger

import (
	"errors"
	"fmt"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) || operationError.Code() != codeName {
		test.Fatalf("expected OperationError with code %q, got %v", codeName, wrappedError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestErrorCode(test *testing.T) {
	test.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("wrap: %w", ErrInsufficientFunds), want: CodeInsufficientFunds},
		{err: WrapError("store", "operation", "insert", ErrConcurrencyConflict), want: CodeConcurrencyConflict},
		{err: ErrDuplicateRef, want: CodeDuplicateRef},
		{err: ErrUnknownLock, want: CodeNotFound},
		{err: ErrSameUser, want: CodeInvalidArgument},
		{err: ErrInvalidState, want: CodeInvalidState},
		{err: errors.New("disk on fire"), want: CodeInternal},
	}
	for _, testCase := range cases {
		if got := ErrorCode(testCase.err); got != testCase.want {
			test.Fatalf("ErrorCode(%v): expected %q, got %q", testCase.err, testCase.want, got)
		}
	}
}
