package ledger_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger/ledgertest"
)

const (
	renterIDValue   = "renter-1"
	ownerIDValue    = "owner-1"
	platformIDValue = "platform"
	bookingIDValue  = "booking-1"
	startUnixUTC    = int64(1_700_000_000)
)

type testClock struct {
	now atomic.Int64
}

func newTestClock() *testClock {
	clock := &testClock{}
	clock.now.Store(startUnixUTC)
	return clock
}

func (clock *testClock) Now() int64 {
	return clock.now.Load()
}

func (clock *testClock) Advance(seconds int64) {
	clock.now.Add(seconds)
}

type recorderLogger struct {
	entries []ledger.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func newTestService(test *testing.T, options ...ledger.ServiceOption) (*ledger.Service, *ledgertest.MemoryStore, *testClock) {
	test.Helper()
	store := ledgertest.NewMemoryStore()
	clock := newTestClock()
	options = append([]ledger.ServiceOption{ledger.WithSystemAccounts(mustUserID(test, platformIDValue))}, options...)
	service, err := ledger.NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service, store, clock
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustBookingID(test *testing.T, raw string) ledger.BookingID {
	test.Helper()
	bookingID, err := ledger.NewBookingID(raw)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	return bookingID
}

func mustRef(test *testing.T, raw string) ledger.Ref {
	test.Helper()
	ref, err := ledger.NewRef(raw)
	if err != nil {
		test.Fatalf("ref: %v", err)
	}
	return ref
}

func mustPositiveAmount(test *testing.T, raw int64) ledger.PositiveAmountCents {
	test.Helper()
	amount, err := ledger.NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

// mustFund deposits and confirms amount for a user.
func mustFund(test *testing.T, service *ledger.Service, userID ledger.UserID, amount int64, ref string) {
	test.Helper()
	deposit, err := service.Deposit(context.Background(), ledger.DepositRequest{
		UserID:   userID,
		Amount:   mustPositiveAmount(test, amount),
		Provider: "test",
		Ref:      mustRef(test, ref),
	})
	if err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if _, err := service.ConfirmDeposit(context.Background(), ledger.ConfirmDepositRequest{TransactionID: deposit.TransactionID, ProviderRef: "provider-" + ref}); err != nil {
		test.Fatalf("confirm deposit: %v", err)
	}
}

func mustBalance(test *testing.T, service *ledger.Service, userID ledger.UserID) ledger.Balance {
	test.Helper()
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func assertBalance(test *testing.T, service *ledger.Service, userID ledger.UserID, available int64, locked int64) {
	test.Helper()
	balance := mustBalance(test, service, userID)
	if balance.AvailableCents != ledger.AmountCents(available) || balance.LockedCents != ledger.AmountCents(locked) {
		test.Fatalf("%s: expected available=%d locked=%d, got available=%d locked=%d", userID, available, locked, balance.AvailableCents, balance.LockedCents)
	}
}

// assertWalletsMatchEntries checks the wallet aggregates against the sum of entries.
func assertWalletsMatchEntries(test *testing.T, store *ledgertest.MemoryStore) {
	test.Helper()
	sums := map[ledger.UserID][2]ledger.AmountCents{}
	for _, entry := range store.Entries() {
		current := sums[entry.UserID]
		if entry.Bucket == ledger.BucketAvailable {
			current[0] += entry.AmountCents
		} else {
			current[1] += entry.AmountCents
		}
		sums[entry.UserID] = current
	}
	for _, wallet := range store.Wallets() {
		current := sums[wallet.UserID]
		if wallet.AvailableCents != current[0] || wallet.LockedCents != current[1] {
			test.Fatalf("%s: wallet %d/%d, entries %d/%d", wallet.UserID, wallet.AvailableCents, wallet.LockedCents, current[0], current[1])
		}
	}
}
