package pricing

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

const factorCacheKey = "factors"

// FactorCache serves a FactorSource from memory and reloads it after ttlSeconds.
// Concurrent reloads collapse into one call to the underlying source.
type FactorCache struct {
	source     FactorSource
	nowFn      func() int64
	ttlSeconds int64

	mutex         sync.RWMutex
	snapshot      FactorSnapshot
	loadedUnixUTC int64
	loaded        bool
	group         singleflight.Group
}

// NewFactorCache wraps source. A non-positive ttl reloads on every call.
func NewFactorCache(source FactorSource, now func() int64, ttlSeconds int64) (*FactorCache, error) {
	if source == nil || now == nil {
		return nil, ErrInvalidServiceConfig
	}
	return &FactorCache{source: source, nowFn: now, ttlSeconds: ttlSeconds}, nil
}

// LoadFactors returns the cached snapshot, reloading it when expired. When a reload fails
// and a previous snapshot exists, the previous snapshot keeps being served.
func (cache *FactorCache) LoadFactors(ctx context.Context) (FactorSnapshot, error) {
	nowUnixUTC := cache.nowFn()
	cache.mutex.RLock()
	if cache.loaded && nowUnixUTC-cache.loadedUnixUTC < cache.ttlSeconds {
		snapshot := cache.snapshot
		cache.mutex.RUnlock()
		return snapshot, nil
	}
	cache.mutex.RUnlock()

	value, err, _ := cache.group.Do(factorCacheKey, func() (interface{}, error) {
		snapshot, err := cache.source.LoadFactors(ctx)
		if err != nil {
			return nil, err
		}
		if err := snapshot.Validate(); err != nil {
			return nil, err
		}
		cache.mutex.Lock()
		cache.snapshot = snapshot
		cache.loadedUnixUTC = nowUnixUTC
		cache.loaded = true
		cache.mutex.Unlock()
		return snapshot, nil
	})
	if err != nil {
		cache.mutex.RLock()
		defer cache.mutex.RUnlock()
		if cache.loaded {
			return cache.snapshot, nil
		}
		return FactorSnapshot{}, err
	}
	return value.(FactorSnapshot), nil
}

// Invalidate forces the next LoadFactors to reload.
func (cache *FactorCache) Invalidate() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.loaded = false
}
