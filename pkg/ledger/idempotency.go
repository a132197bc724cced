package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryConfig tunes how many times a transaction is re-run after a concurrency conflict.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
}

func newConflictRetryPolicy(config RetryConfig) retrypolicy.RetryPolicy[any] {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Millisecond
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	return retrypolicy.NewBuilder[any]().
		WithBackoff(config.BaseDelay, config.MaxDelay).
		WithMaxRetries(config.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return errors.Is(err, ErrConcurrencyConflict)
		}).
		Build()
}

// RunWithConflictRetry re-runs attempt while it fails with ErrConcurrencyConflict.
func RunWithConflictRetry(ctx context.Context, policy retrypolicy.RetryPolicy[any], attempt func() error) error {
	var lastErr error
	_, err := failsafe.With(policy).WithContext(ctx).Get(func() (any, error) {
		lastErr = attempt()
		return nil, lastErr
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// NewConflictRetryPolicy exposes the ledger retry policy to sibling services.
func NewConflictRetryPolicy(config RetryConfig) retrypolicy.RetryPolicy[any] {
	return newConflictRetryPolicy(config)
}

// OperationJournal records the stored result of every idempotent operation by ref.
type OperationJournal interface {
	GetOperation(ctx context.Context, ref Ref) (OperationRecord, bool, error)
	InsertOperation(ctx context.Context, record OperationRecord) error
}

// IdempotentCall identifies one invocation of an idempotent operation.
type IdempotentCall struct {
	Operation   string
	Ref         Ref
	Fingerprint string
}

// NewIdempotentCall fingerprints the arguments of an operation.
func NewIdempotentCall(operation string, ref Ref, arguments ...any) IdempotentCall {
	return IdempotentCall{Operation: operation, Ref: ref, Fingerprint: Fingerprint(arguments...)}
}

// Fingerprint hashes operation arguments so a replayed ref can be compared to the original call.
func Fingerprint(arguments ...any) string {
	parts := make([]string, 0, len(arguments))
	for _, argument := range arguments {
		parts = append(parts, fmt.Sprint(argument))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// RunIdempotent executes fn once per ref inside a transaction opened by withTx, re-running the
// transaction on concurrency conflicts. A replay with the same arguments returns the stored
// result; the same ref with different arguments fails with ErrDuplicateRef.
func RunIdempotent[T any, S OperationJournal](
	ctx context.Context,
	policy retrypolicy.RetryPolicy[any],
	withTx func(ctx context.Context, fn func(ctx context.Context, txStore S) error) error,
	call IdempotentCall,
	now func() int64,
	fn func(ctx context.Context, txStore S) (T, error),
) (T, bool, error) {
	var (
		result   T
		replayed bool
	)
	if call.Ref.IsZero() {
		return result, false, fmt.Errorf("%w: empty value", ErrInvalidRef)
	}
	err := RunWithConflictRetry(ctx, policy, func() error {
		replayed = false
		var zero T
		result = zero
		return withTx(ctx, func(ctx context.Context, txStore S) error {
			record, found, err := txStore.GetOperation(ctx, call.Ref)
			if err != nil {
				return err
			}
			if found {
				if record.Operation != call.Operation || record.Fingerprint != call.Fingerprint {
					return fmt.Errorf("%w: %s already recorded for %s", ErrDuplicateRef, call.Ref, record.Operation)
				}
				if err := json.Unmarshal([]byte(record.ResultJSON), &result); err != nil {
					return WrapError("service", "operation", "decode", err)
				}
				replayed = true
				return nil
			}
			produced, err := fn(ctx, txStore)
			if err != nil {
				return err
			}
			encoded, err := json.Marshal(produced)
			if err != nil {
				return WrapError("service", "operation", "encode", err)
			}
			if err := txStore.InsertOperation(ctx, OperationRecord{
				Ref:            call.Ref,
				Operation:      call.Operation,
				Fingerprint:    call.Fingerprint,
				ResultJSON:     string(encoded),
				CreatedUnixUTC: now(),
			}); err != nil {
				return err
			}
			result = produced
			return nil
		})
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return result, replayed, nil
}

func runOperation[T any](ctx context.Context, service *Service, call IdempotentCall, fn func(ctx context.Context, txStore Store) (T, error)) (T, bool, error) {
	return RunIdempotent(ctx, service.retryPolicy, service.store.WithTx, call, service.nowFn, fn)
}

func statusFor(replayed bool) string {
	if replayed {
		return operationStatusReplayed
	}
	return ""
}
