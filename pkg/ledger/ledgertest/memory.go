// Package ledgertest provides an in-memory ledger.Store for tests of the ledger and of
// the services built on top of it.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// MemoryStore is a transactional in-memory ledger.Store. Transactions are serialized and
// run against a copy of the data that replaces the committed data only when fn succeeds.
type MemoryStore struct {
	mutex    *sync.Mutex
	data     *memoryState
	failures map[string]error
	inTx     bool
}

type memoryState struct {
	wallets     map[ledger.UserID]ledger.Wallet
	entries     []ledger.Entry
	legs        map[string]struct{}
	locks       map[string]ledger.FundLock
	deposits    map[string]ledger.DepositTransaction
	withdrawals map[string]ledger.Withdrawal
	operations  map[string]ledger.OperationRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mutex: &sync.Mutex{},
		data: &memoryState{
			wallets:     map[ledger.UserID]ledger.Wallet{},
			legs:        map[string]struct{}{},
			locks:       map[string]ledger.FundLock{},
			deposits:    map[string]ledger.DepositTransaction{},
			withdrawals: map[string]ledger.Withdrawal{},
			operations:  map[string]ledger.OperationRecord{},
		},
		failures: map[string]error{},
	}
}

// FailNext makes the next call of the named method return err.
func (store *MemoryStore) FailNext(method string, err error) {
	store.withLock(func() {
		store.failures[method] = err
	})
}

// Entries returns a copy of every committed entry in insertion order.
func (store *MemoryStore) Entries() []ledger.Entry {
	var entries []ledger.Entry
	store.withLock(func() {
		entries = append([]ledger.Entry(nil), store.data.entries...)
	})
	return entries
}

// Wallets returns a copy of every committed wallet.
func (store *MemoryStore) Wallets() []ledger.Wallet {
	var wallets []ledger.Wallet
	store.withLock(func() {
		for _, wallet := range store.data.wallets {
			wallets = append(wallets, wallet)
		}
	})
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].UserID.String() < wallets[right].UserID.String()
	})
	return wallets
}

// OperationCount returns the number of recorded idempotent operations.
func (store *MemoryStore) OperationCount() int {
	count := 0
	store.withLock(func() {
		count = len(store.data.operations)
	})
	return count
}

// WithTx runs fn against a private copy of the data and commits it when fn succeeds.
func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.fail("WithTx"); err != nil {
		return err
	}
	working := store.data.clone()
	txStore := &MemoryStore{mutex: store.mutex, data: working, failures: store.failures, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	*store.data = *working
	return nil
}

func (store *MemoryStore) LockWallets(_ context.Context, userIDs []ledger.UserID, currency ledger.Currency) (map[ledger.UserID]ledger.Wallet, error) {
	wallets := make(map[ledger.UserID]ledger.Wallet, len(userIDs))
	err := store.access("LockWallets", func(data *memoryState) error {
		for _, userID := range userIDs {
			wallet, ok := data.wallets[userID]
			if !ok {
				wallet = ledger.Wallet{UserID: userID, Currency: currency}
				data.wallets[userID] = wallet
			}
			wallets[userID] = wallet
		}
		return nil
	})
	return wallets, err
}

func (store *MemoryStore) GetWallet(_ context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	var (
		wallet ledger.Wallet
		found  bool
	)
	err := store.access("GetWallet", func(data *memoryState) error {
		wallet, found = data.wallets[userID]
		return nil
	})
	return wallet, found, err
}

func (store *MemoryStore) SaveWallet(_ context.Context, wallet ledger.Wallet) error {
	return store.access("SaveWallet", func(data *memoryState) error {
		data.wallets[wallet.UserID] = wallet
		return nil
	})
}

func (store *MemoryStore) InsertEntries(_ context.Context, entries []ledger.Entry) error {
	return store.access("InsertEntries", func(data *memoryState) error {
		for _, entry := range entries {
			key := entry.Ref.String() + "|" + entry.Leg
			if _, exists := data.legs[key]; exists {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicateRef, key)
			}
			data.legs[key] = struct{}{}
			data.entries = append(data.entries, entry)
		}
		return nil
	})
}

func (store *MemoryStore) ListEntries(_ context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	err := store.access("ListEntries", func(data *memoryState) error {
		for index := len(data.entries) - 1; index >= 0 && len(entries) < limit; index-- {
			entry := data.entries[index]
			if entry.UserID != userID {
				continue
			}
			if beforeUnixUTC > 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (store *MemoryStore) ListEntriesByRef(_ context.Context, ref ledger.Ref) ([]ledger.Entry, error) {
	return store.filterEntries("ListEntriesByRef", func(entry ledger.Entry) bool { return entry.Ref == ref })
}

func (store *MemoryStore) ListEntriesByBooking(_ context.Context, bookingID ledger.BookingID) ([]ledger.Entry, error) {
	return store.filterEntries("ListEntriesByBooking", func(entry ledger.Entry) bool { return entry.BookingID == bookingID })
}

func (store *MemoryStore) CreateFundLock(_ context.Context, fundLock ledger.FundLock) error {
	return store.access("CreateFundLock", func(data *memoryState) error {
		if _, exists := data.locks[fundLock.LockID]; exists {
			return fmt.Errorf("%w: %s", ledger.ErrLockExists, fundLock.LockID)
		}
		data.locks[fundLock.LockID] = fundLock
		return nil
	})
}

func (store *MemoryStore) GetFundLock(_ context.Context, lockID string) (ledger.FundLock, error) {
	var fundLock ledger.FundLock
	err := store.access("GetFundLock", func(data *memoryState) error {
		found, ok := data.locks[lockID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownLock, lockID)
		}
		fundLock = found
		return nil
	})
	return fundLock, err
}

func (store *MemoryStore) ListFundLocksByBooking(_ context.Context, bookingID ledger.BookingID) ([]ledger.FundLock, error) {
	var locks []ledger.FundLock
	err := store.access("ListFundLocksByBooking", func(data *memoryState) error {
		for _, fundLock := range data.locks {
			if fundLock.BookingID == bookingID {
				locks = append(locks, fundLock)
			}
		}
		return nil
	})
	sort.Slice(locks, func(left, right int) bool { return locks[left].LockID < locks[right].LockID })
	return locks, err
}

func (store *MemoryStore) UpdateFundLock(_ context.Context, fundLock ledger.FundLock, from ledger.LockStatus) error {
	return store.access("UpdateFundLock", func(data *memoryState) error {
		existing, ok := data.locks[fundLock.LockID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownLock, fundLock.LockID)
		}
		if existing.Status != from {
			return fmt.Errorf("%w: lock is %s", ledger.ErrInvalidState, existing.Status)
		}
		data.locks[fundLock.LockID] = fundLock
		return nil
	})
}

func (store *MemoryStore) CreateDeposit(_ context.Context, deposit ledger.DepositTransaction) error {
	return store.access("CreateDeposit", func(data *memoryState) error {
		data.deposits[deposit.TransactionID] = deposit
		return nil
	})
}

func (store *MemoryStore) GetDeposit(_ context.Context, transactionID string) (ledger.DepositTransaction, error) {
	var deposit ledger.DepositTransaction
	err := store.access("GetDeposit", func(data *memoryState) error {
		found, ok := data.deposits[transactionID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownDeposit, transactionID)
		}
		deposit = found
		return nil
	})
	return deposit, err
}

func (store *MemoryStore) UpdateDeposit(_ context.Context, deposit ledger.DepositTransaction, from ledger.DepositStatus) error {
	return store.access("UpdateDeposit", func(data *memoryState) error {
		existing, ok := data.deposits[deposit.TransactionID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownDeposit, deposit.TransactionID)
		}
		if existing.Status != from {
			return fmt.Errorf("%w: deposit is %s", ledger.ErrInvalidState, existing.Status)
		}
		data.deposits[deposit.TransactionID] = deposit
		return nil
	})
}

func (store *MemoryStore) ListExpiredDeposits(_ context.Context, atUnixUTC int64, limit int) ([]ledger.DepositTransaction, error) {
	var deposits []ledger.DepositTransaction
	err := store.access("ListExpiredDeposits", func(data *memoryState) error {
		for _, deposit := range data.deposits {
			if deposit.Status == ledger.DepositStatusPending && deposit.ExpiresAtUnixUTC <= atUnixUTC {
				deposits = append(deposits, deposit)
			}
		}
		return nil
	})
	sort.Slice(deposits, func(left, right int) bool {
		return deposits[left].ExpiresAtUnixUTC < deposits[right].ExpiresAtUnixUTC
	})
	if len(deposits) > limit {
		deposits = deposits[:limit]
	}
	return deposits, err
}

func (store *MemoryStore) CreateWithdrawal(_ context.Context, withdrawal ledger.Withdrawal) error {
	return store.access("CreateWithdrawal", func(data *memoryState) error {
		data.withdrawals[withdrawal.WithdrawalID] = withdrawal
		return nil
	})
}

func (store *MemoryStore) GetWithdrawal(_ context.Context, withdrawalID string) (ledger.Withdrawal, error) {
	var withdrawal ledger.Withdrawal
	err := store.access("GetWithdrawal", func(data *memoryState) error {
		found, ok := data.withdrawals[withdrawalID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownWithdrawal, withdrawalID)
		}
		withdrawal = found
		return nil
	})
	return withdrawal, err
}

func (store *MemoryStore) UpdateWithdrawal(_ context.Context, withdrawal ledger.Withdrawal, from ledger.WithdrawalStatus) error {
	return store.access("UpdateWithdrawal", func(data *memoryState) error {
		existing, ok := data.withdrawals[withdrawal.WithdrawalID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownWithdrawal, withdrawal.WithdrawalID)
		}
		if existing.Status != from {
			return fmt.Errorf("%w: withdrawal is %s", ledger.ErrInvalidState, existing.Status)
		}
		data.withdrawals[withdrawal.WithdrawalID] = withdrawal
		return nil
	})
}

func (store *MemoryStore) GetOperation(_ context.Context, ref ledger.Ref) (ledger.OperationRecord, bool, error) {
	var (
		record ledger.OperationRecord
		found  bool
	)
	err := store.access("GetOperation", func(data *memoryState) error {
		record, found = data.operations[ref.String()]
		return nil
	})
	return record, found, err
}

func (store *MemoryStore) InsertOperation(_ context.Context, record ledger.OperationRecord) error {
	return store.access("InsertOperation", func(data *memoryState) error {
		if _, exists := data.operations[record.Ref.String()]; exists {
			return fmt.Errorf("%w: %s", ledger.ErrConcurrencyConflict, record.Ref)
		}
		data.operations[record.Ref.String()] = record
		return nil
	})
}

func (store *MemoryStore) filterEntries(method string, keep func(ledger.Entry) bool) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	err := store.access(method, func(data *memoryState) error {
		for _, entry := range data.entries {
			if keep(entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	return entries, err
}

func (store *MemoryStore) access(method string, fn func(data *memoryState) error) error {
	if !store.inTx {
		store.mutex.Lock()
		defer store.mutex.Unlock()
	}
	if err := store.fail(method); err != nil {
		return err
	}
	return fn(store.data)
}

func (store *MemoryStore) withLock(fn func()) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	fn()
}

func (store *MemoryStore) fail(method string) error {
	err, ok := store.failures[method]
	if !ok {
		return nil
	}
	delete(store.failures, method)
	return err
}

func (state *memoryState) clone() *memoryState {
	cloned := &memoryState{
		wallets:     make(map[ledger.UserID]ledger.Wallet, len(state.wallets)),
		entries:     append([]ledger.Entry(nil), state.entries...),
		legs:        make(map[string]struct{}, len(state.legs)),
		locks:       make(map[string]ledger.FundLock, len(state.locks)),
		deposits:    make(map[string]ledger.DepositTransaction, len(state.deposits)),
		withdrawals: make(map[string]ledger.Withdrawal, len(state.withdrawals)),
		operations:  make(map[string]ledger.OperationRecord, len(state.operations)),
	}
	for key, value := range state.wallets {
		cloned.wallets[key] = value
	}
	for key := range state.legs {
		cloned.legs[key] = struct{}{}
	}
	for key, value := range state.locks {
		cloned.locks[key] = value
	}
	for key, value := range state.deposits {
		cloned.deposits[key] = value
	}
	for key, value := range state.withdrawals {
		cloned.withdrawals[key] = value
	}
	for key, value := range state.operations {
		cloned.operations[key] = value
	}
	return cloned
}
