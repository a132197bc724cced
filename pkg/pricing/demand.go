package pricing

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// DemandCounts are the live marketplace counters of a region.
type DemandCounts struct {
	ActiveBookings  int64 `json:"active_bookings"`
	AvailableCars   int64 `json:"available_cars"`
	PendingRequests int64 `json:"pending_requests"`
}

// DemandSnapshot is the periodically refreshed surge state of a region.
type DemandSnapshot struct {
	RegionID       string          `json:"region_id"`
	Counts         DemandCounts    `json:"counts"`
	SurgeFactor    decimal.Decimal `json:"surge_factor"`
	UpdatedUnixUTC int64           `json:"updated_unix_utc"`
}

// DemandStore persists demand snapshots between refreshes.
type DemandStore interface {
	SaveDemand(ctx context.Context, snapshot DemandSnapshot) error
	LoadDemand(ctx context.Context, regionID string) (DemandSnapshot, bool, error)
}

// MemoryDemandStore keeps demand snapshots in process memory.
type MemoryDemandStore struct {
	mutex     sync.RWMutex
	snapshots map[string]DemandSnapshot
}

// NewMemoryDemandStore returns an empty store.
func NewMemoryDemandStore() *MemoryDemandStore {
	return &MemoryDemandStore{snapshots: map[string]DemandSnapshot{}}
}

func (store *MemoryDemandStore) SaveDemand(_ context.Context, snapshot DemandSnapshot) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.snapshots[snapshot.RegionID] = snapshot
	return nil
}

func (store *MemoryDemandStore) LoadDemand(_ context.Context, regionID string) (DemandSnapshot, bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	snapshot, ok := store.snapshots[regionID]
	return snapshot, ok, nil
}
