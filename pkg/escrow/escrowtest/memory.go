// Package escrowtest provides an in-memory escrow.Store.
package escrowtest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// MemoryStore is a transactional in-memory escrow.Store. Transactions work on a copy of the
// data that replaces the committed state only when the callback succeeds.
type MemoryStore struct {
	mutex    *sync.Mutex
	data     *memoryState
	failures map[string]error
	inTx     bool
}

type memoryState struct {
	escrows     map[string]escrow.Escrow
	transitions []escrow.Transition
	operations  map[string]ledger.OperationRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mutex: &sync.Mutex{},
		data: &memoryState{
			escrows:    map[string]escrow.Escrow{},
			operations: map[string]ledger.OperationRecord{},
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

// OperationCount returns the number of recorded operations.
func (store *MemoryStore) OperationCount() int {
	var count int
	store.withLock(func() {
		count = len(store.data.operations)
	})
	return count
}

// WithTx runs fn against a private copy of the data and commits it when fn succeeds.
func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore escrow.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.fail("WithTx"); err != nil {
		return err
	}
	working := store.data.clone()
	if err := fn(ctx, &MemoryStore{mutex: store.mutex, data: working, failures: store.failures, inTx: true}); err != nil {
		return err
	}
	*store.data = *working
	return nil
}

func (store *MemoryStore) CreateEscrow(_ context.Context, record escrow.Escrow) error {
	return store.access("CreateEscrow", func(data *memoryState) error {
		if _, exists := data.escrows[record.BookingID()]; exists {
			return fmt.Errorf("%w: %s", escrow.ErrBookingExists, record.BookingID())
		}
		data.escrows[record.BookingID()] = record
		return nil
	})
}

func (store *MemoryStore) GetEscrow(_ context.Context, bookingID string) (escrow.Escrow, error) {
	var record escrow.Escrow
	err := store.access("GetEscrow", func(data *memoryState) error {
		stored, ok := data.escrows[bookingID]
		if !ok {
			return fmt.Errorf("%w: %s", escrow.ErrUnknownBooking, bookingID)
		}
		record = stored
		return nil
	})
	return record, err
}

func (store *MemoryStore) UpdateEscrow(_ context.Context, record escrow.Escrow, expectedVersion int64) error {
	return store.access("UpdateEscrow", func(data *memoryState) error {
		stored, ok := data.escrows[record.BookingID()]
		if !ok {
			return fmt.Errorf("%w: %s", escrow.ErrUnknownBooking, record.BookingID())
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("%w: escrow %s at version %d, expected %d", ledger.ErrConcurrencyConflict, record.BookingID(), stored.Version, expectedVersion)
		}
		data.escrows[record.BookingID()] = record
		return nil
	})
}

func (store *MemoryStore) ListByStatus(_ context.Context, status escrow.Status, afterBookingID string, limit int) ([]escrow.Escrow, error) {
	var records []escrow.Escrow
	err := store.access("ListByStatus", func(data *memoryState) error {
		for _, record := range data.escrows {
			if record.Status == status && record.BookingID() > afterBookingID {
				records = append(records, record)
			}
		}
		return nil
	})
	sort.Slice(records, func(left, right int) bool {
		return records[left].BookingID() < records[right].BookingID()
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, err
}

func (store *MemoryStore) InsertTransition(_ context.Context, transition escrow.Transition) error {
	return store.access("InsertTransition", func(data *memoryState) error {
		data.transitions = append(data.transitions, transition)
		return nil
	})
}

func (store *MemoryStore) ListTransitions(_ context.Context, bookingID string) ([]escrow.Transition, error) {
	var transitions []escrow.Transition
	err := store.access("ListTransitions", func(data *memoryState) error {
		for _, transition := range data.transitions {
			if transition.BookingID == bookingID {
				transitions = append(transitions, transition)
			}
		}
		return nil
	})
	return transitions, err
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
	return &memoryState{
		escrows:     maps.Clone(state.escrows),
		transitions: slices.Clone(state.transitions),
		operations:  maps.Clone(state.operations),
	}
}
