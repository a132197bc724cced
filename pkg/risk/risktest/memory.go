// Package risktest provides an in-memory risk.Store.
package risktest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

// MemoryStore keeps snapshots in memory. Transactions are serialized and commit a copy.
type MemoryStore struct {
	mutex     *sync.Mutex
	snapshots *[]risk.Snapshot
	inTx      bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mutex: &sync.Mutex{}, snapshots: &[]risk.Snapshot{}}
}

func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore risk.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	working := append([]risk.Snapshot(nil), (*store.snapshots)...)
	if err := fn(ctx, &MemoryStore{mutex: store.mutex, snapshots: &working, inTx: true}); err != nil {
		return err
	}
	*store.snapshots = working
	return nil
}

func (store *MemoryStore) GetActiveSnapshot(_ context.Context, bookingID string) (risk.Snapshot, bool, error) {
	var (
		snapshot risk.Snapshot
		found    bool
	)
	store.access(func(snapshots *[]risk.Snapshot) {
		for _, candidate := range *snapshots {
			if candidate.BookingID == bookingID && candidate.Active {
				snapshot, found = candidate, true
			}
		}
	})
	return snapshot, found, nil
}

func (store *MemoryStore) InsertSnapshot(_ context.Context, snapshot risk.Snapshot) error {
	var err error
	store.access(func(snapshots *[]risk.Snapshot) {
		for _, candidate := range *snapshots {
			if candidate.BookingID == snapshot.BookingID && (candidate.Version == snapshot.Version || (candidate.Active && snapshot.Active)) {
				err = fmt.Errorf("snapshot %s v%d already exists", snapshot.BookingID, snapshot.Version)
				return
			}
		}
		*snapshots = append(*snapshots, snapshot)
	})
	return err
}

func (store *MemoryStore) SupersedeSnapshot(_ context.Context, snapshotID string, atUnixUTC int64) error {
	return store.update(snapshotID, func(snapshot *risk.Snapshot) {
		snapshot.Active = false
		snapshot.SupersededUnixUTC = atUnixUTC
	})
}

func (store *MemoryStore) FlagSnapshot(_ context.Context, snapshotID string, reason risk.RevalidationReason) error {
	return store.update(snapshotID, func(snapshot *risk.Snapshot) {
		snapshot.RequiresRevalidation = true
		snapshot.RevalidationReason = reason
	})
}

func (store *MemoryStore) ListSnapshots(_ context.Context, bookingID string) ([]risk.Snapshot, error) {
	var result []risk.Snapshot
	store.access(func(snapshots *[]risk.Snapshot) {
		for _, candidate := range *snapshots {
			if candidate.BookingID == bookingID {
				result = append(result, candidate)
			}
		}
	})
	sort.Slice(result, func(left, right int) bool { return result[left].Version < result[right].Version })
	return result, nil
}

func (store *MemoryStore) ListActiveSnapshots(_ context.Context, afterBookingID string, limit int) ([]risk.Snapshot, error) {
	var result []risk.Snapshot
	store.access(func(snapshots *[]risk.Snapshot) {
		for _, candidate := range *snapshots {
			if candidate.Active && candidate.BookingID > afterBookingID {
				result = append(result, candidate)
			}
		}
	})
	sort.Slice(result, func(left, right int) bool { return result[left].BookingID < result[right].BookingID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *MemoryStore) update(snapshotID string, mutate func(snapshot *risk.Snapshot)) error {
	found := false
	store.access(func(snapshots *[]risk.Snapshot) {
		for index := range *snapshots {
			if (*snapshots)[index].SnapshotID == snapshotID {
				mutate(&(*snapshots)[index])
				found = true
			}
		}
	})
	if !found {
		return fmt.Errorf("%w: %s", risk.ErrUnknownSnapshot, snapshotID)
	}
	return nil
}

func (store *MemoryStore) access(fn func(snapshots *[]risk.Snapshot)) {
	if !store.inTx {
		store.mutex.Lock()
		defer store.mutex.Unlock()
	}
	fn(store.snapshots)
}
