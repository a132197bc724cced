package pgstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

func TestClassifyMapsRetryableErrors(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name         string
		err          error
		wantConflict bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgSerializationFailure}, wantConflict: true},
		{name: "deadlock", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgDeadlockDetected}), wantConflict: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgUniqueViolationCode}},
		{name: "plain error", err: errors.New("connection reset")},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			classified := classify(testCase.err)
			require.Equal(test, testCase.wantConflict, errors.Is(classified, ledger.ErrConcurrencyConflict))
			require.ErrorIs(test, classified, testCase.err)
			if testCase.wantConflict {
				require.Equal(test, ledger.CodeConcurrencyConflict, ledger.ErrorCode(classified))
			}
		})
	}
}

func TestIsConstraintViolation(test *testing.T) {
	test.Parallel()
	duplicate := fmt.Errorf("insert entry: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintEntryRefLeg})
	require.True(test, isConstraintViolation(duplicate, constraintEntryRefLeg))
	require.False(test, isConstraintViolation(duplicate, constraintOperationPrimary))
	require.False(test, isConstraintViolation(&pgconn.PgError{Code: pgSerializationFailure, ConstraintName: constraintEntryRefLeg}, constraintEntryRefLeg))
	require.False(test, isConstraintViolation(errors.New("boom"), constraintEntryRefLeg))
}

func TestWithTxWithoutPoolRunsInline(test *testing.T) {
	test.Parallel()
	store := &Store{}
	called := false
	err := store.WithTx(context.Background(), func(_ context.Context, txStore ledger.Store) error {
		called = true
		require.Same(test, store, txStore)
		return nil
	})
	require.NoError(test, err)
	require.True(test, called)
}
