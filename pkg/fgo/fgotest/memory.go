// Package fgotest provides an in-memory fgo.Store.
package fgotest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// MemoryStore is a transactional in-memory fgo.Store with the same copy-on-commit semantics
// as ledgertest.MemoryStore.
type MemoryStore struct {
	mutex    *sync.Mutex
	data     *memoryState
	failures map[string]error
	inTx     bool
}

type memoryState struct {
	subfunds    map[fgo.SubfundType]fgo.Subfund
	movements   []fgo.Movement
	parameters  map[fgo.ParameterKey]fgo.Parameters
	metrics     []fgo.Metrics
	adjustments []fgo.AlphaAdjustment
	operations  map[string]ledger.OperationRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mutex: &sync.Mutex{},
		data: &memoryState{
			subfunds:   map[fgo.SubfundType]fgo.Subfund{},
			parameters: map[fgo.ParameterKey]fgo.Parameters{},
			operations: map[string]ledger.OperationRecord{},
		},
		failures: map[string]error{},
	}
}

// Seed sets subfund balances and records a contribution movement for each so balances stay
// equal to the sum of movements.
func (store *MemoryStore) Seed(balances map[fgo.SubfundType]int64) {
	store.withLock(func() {
		for subfundType, balance := range balances {
			subfund := store.data.subfunds[subfundType]
			subfund.Type = subfundType
			subfund.BalanceCents += balance
			store.data.subfunds[subfundType] = subfund
			store.data.movements = append(store.data.movements, fgo.Movement{
				MovementID:  fmt.Sprintf("seed-%s", subfundType),
				Subfund:     subfundType,
				Type:        fgo.MovementRebalanceIn,
				Operation:   fgo.OperationCredit,
				AmountCents: balance,
			})
		}
	})
}

// FailNext makes the next call of the named method return err.
func (store *MemoryStore) FailNext(method string, err error) {
	store.withLock(func() {
		store.failures[method] = err
	})
}

// AllMovements returns every committed movement in insertion order.
func (store *MemoryStore) AllMovements() []fgo.Movement {
	var movements []fgo.Movement
	store.withLock(func() {
		movements = slices.Clone(store.data.movements)
	})
	return movements
}

// Adjustments returns every recorded alpha adjustment.
func (store *MemoryStore) Adjustments() []fgo.AlphaAdjustment {
	var adjustments []fgo.AlphaAdjustment
	store.withLock(func() {
		adjustments = slices.Clone(store.data.adjustments)
	})
	return adjustments
}

// WithTx runs fn against a private copy of the data and commits it when fn succeeds.
func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fgo.Store) error) error {
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

func (store *MemoryStore) LockSubfunds(_ context.Context) (map[fgo.SubfundType]fgo.Subfund, error) {
	subfunds := make(map[fgo.SubfundType]fgo.Subfund, len(fgo.WaterfallOrder))
	err := store.access("LockSubfunds", func(data *memoryState) error {
		for _, subfundType := range fgo.WaterfallOrder {
			subfund, ok := data.subfunds[subfundType]
			if !ok {
				subfund = fgo.Subfund{Type: subfundType}
				data.subfunds[subfundType] = subfund
			}
			subfunds[subfundType] = subfund
		}
		return nil
	})
	return subfunds, err
}

func (store *MemoryStore) SaveSubfund(_ context.Context, subfund fgo.Subfund) error {
	return store.access("SaveSubfund", func(data *memoryState) error {
		data.subfunds[subfund.Type] = subfund
		return nil
	})
}

func (store *MemoryStore) ListSubfunds(_ context.Context) ([]fgo.Subfund, error) {
	var subfunds []fgo.Subfund
	err := store.access("ListSubfunds", func(data *memoryState) error {
		for _, subfundType := range fgo.WaterfallOrder {
			subfund, ok := data.subfunds[subfundType]
			if !ok {
				subfund = fgo.Subfund{Type: subfundType}
			}
			subfunds = append(subfunds, subfund)
		}
		return nil
	})
	return subfunds, err
}

func (store *MemoryStore) InsertMovements(_ context.Context, movements []fgo.Movement) error {
	return store.access("InsertMovements", func(data *memoryState) error {
		for _, movement := range movements {
			for _, existing := range data.movements {
				if existing.MovementID == movement.MovementID || (existing.Ref == movement.Ref && existing.Subfund == movement.Subfund && existing.Type == movement.Type) {
					return fmt.Errorf("%w: movement %s", ledger.ErrConcurrencyConflict, movement.Ref)
				}
			}
			data.movements = append(data.movements, movement)
		}
		return nil
	})
}

func (store *MemoryStore) ListMovements(_ context.Context, filter fgo.MovementFilter) ([]fgo.Movement, error) {
	var movements []fgo.Movement
	err := store.access("ListMovements", func(data *memoryState) error {
		for index := len(data.movements) - 1; index >= 0; index-- {
			if matches(data.movements[index], filter) {
				movements = append(movements, data.movements[index])
			}
		}
		return nil
	})
	if filter.Limit > 0 && len(movements) > filter.Limit {
		movements = movements[:filter.Limit]
	}
	return movements, err
}

func (store *MemoryStore) SumMovements(_ context.Context, filter fgo.MovementFilter) (int64, error) {
	var total int64
	err := store.access("SumMovements", func(data *memoryState) error {
		for _, movement := range data.movements {
			if matches(movement, filter) {
				total += movement.AmountCents
			}
		}
		return nil
	})
	return total, err
}

func (store *MemoryStore) LinkWalletEntry(_ context.Context, ref ledger.Ref, walletEntryID string) error {
	return store.access("LinkWalletEntry", func(data *memoryState) error {
		for index := range data.movements {
			if data.movements[index].Ref == ref {
				data.movements[index].WalletEntryID = walletEntryID
			}
		}
		return nil
	})
}

func (store *MemoryStore) GetParameters(_ context.Context, key fgo.ParameterKey) (fgo.Parameters, bool, error) {
	var (
		parameters fgo.Parameters
		found      bool
	)
	err := store.access("GetParameters", func(data *memoryState) error {
		parameters, found = data.parameters[key]
		return nil
	})
	return parameters, found, err
}

func (store *MemoryStore) SaveParameters(_ context.Context, parameters fgo.Parameters, expectedVersion int) error {
	return store.access("SaveParameters", func(data *memoryState) error {
		if current := data.parameters[parameters.Key]; current.Version != expectedVersion {
			return fmt.Errorf("%w: parameters at version %d, expected %d", ledger.ErrConcurrencyConflict, current.Version, expectedVersion)
		}
		data.parameters[parameters.Key] = parameters
		return nil
	})
}

func (store *MemoryStore) ListParameters(_ context.Context) ([]fgo.Parameters, error) {
	var rows []fgo.Parameters
	err := store.access("ListParameters", func(data *memoryState) error {
		rows = slices.Collect(maps.Values(data.parameters))
		return nil
	})
	sort.Slice(rows, func(left, right int) bool {
		if rows[left].Key.Bucket != rows[right].Key.Bucket {
			return rows[left].Key.Bucket < rows[right].Key.Bucket
		}
		return rows[left].Key.CountryCode < rows[right].Key.CountryCode
	})
	return rows, err
}

func (store *MemoryStore) InsertMetrics(_ context.Context, metrics fgo.Metrics) error {
	return store.access("InsertMetrics", func(data *memoryState) error {
		data.metrics = append(data.metrics, metrics)
		return nil
	})
}

func (store *MemoryStore) LatestMetrics(_ context.Context) (fgo.Metrics, bool, error) {
	var (
		metrics fgo.Metrics
		found   bool
	)
	err := store.access("LatestMetrics", func(data *memoryState) error {
		if len(data.metrics) > 0 {
			metrics, found = data.metrics[len(data.metrics)-1], true
		}
		return nil
	})
	return metrics, found, err
}

func (store *MemoryStore) InsertAlphaAdjustment(_ context.Context, adjustment fgo.AlphaAdjustment) error {
	return store.access("InsertAlphaAdjustment", func(data *memoryState) error {
		data.adjustments = append(data.adjustments, adjustment)
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

func matches(movement fgo.Movement, filter fgo.MovementFilter) bool {
	if len(filter.Types) > 0 && !slices.Contains(filter.Types, movement.Type) {
		return false
	}
	if filter.Subfund != "" && movement.Subfund != filter.Subfund {
		return false
	}
	if filter.UserID != "" && movement.UserID != filter.UserID {
		return false
	}
	if filter.BookingID != "" && movement.BookingID != filter.BookingID {
		return false
	}
	return movement.CreatedUnixUTC >= filter.SinceUnixUTC
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
		subfunds:    maps.Clone(state.subfunds),
		movements:   slices.Clone(state.movements),
		parameters:  maps.Clone(state.parameters),
		metrics:     slices.Clone(state.metrics),
		adjustments: slices.Clone(state.adjustments),
		operations:  maps.Clone(state.operations),
	}
}
