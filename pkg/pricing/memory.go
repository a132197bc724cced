package pricing

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCalculationStore keeps recorded calculations in process memory.
type MemoryCalculationStore struct {
	mutex        sync.RWMutex
	calculations map[string]PriceQuote
}

// NewMemoryCalculationStore returns an empty store.
func NewMemoryCalculationStore() *MemoryCalculationStore {
	return &MemoryCalculationStore{calculations: map[string]PriceQuote{}}
}

func (store *MemoryCalculationStore) RecordCalculation(_ context.Context, quote PriceQuote) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.calculations[quote.CalculationID] = quote
	return nil
}

func (store *MemoryCalculationStore) GetCalculation(_ context.Context, calculationID string) (PriceQuote, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	quote, ok := store.calculations[calculationID]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrUnknownCalculation, calculationID)
	}
	return quote, nil
}

// StaticTiers resolves user tiers from a fixed map.
type StaticTiers map[string]string

// ResolveTier returns the configured tier or the standard tier.
func (tiers StaticTiers) ResolveTier(_ context.Context, userID string) (string, error) {
	if tier, ok := tiers[userID]; ok {
		return tier, nil
	}
	return defaultUserTier, nil
}
