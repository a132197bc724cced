// Package demand keeps regional surge snapshots in Redis so every API replica prices from the
// same demand state.
package demand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
)

const (
	defaultKeyPrefix = "rentalledger:demand:"
	defaultTTL       = 24 * time.Hour
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and verifies it answers.
func Connect(ctx context.Context, options Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", options.Addr, err)
	}
	return client, nil
}

var _ pricing.DemandStore = (*Store)(nil)

// Store implements pricing.DemandStore on Redis.
type Store struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) StoreOption {
	return func(store *Store) {
		if prefix != "" {
			store.keyPrefix = prefix
		}
	}
}

// WithTTL bounds how long a snapshot survives without a refresh.
func WithTTL(ttl time.Duration) StoreOption {
	return func(store *Store) {
		if ttl > 0 {
			store.ttl = ttl
		}
	}
}

// NewStore returns a Store over client.
func NewStore(client redis.Cmdable, options ...StoreOption) *Store {
	store := &Store{client: client, keyPrefix: defaultKeyPrefix, ttl: defaultTTL}
	for _, option := range options {
		option(store)
	}
	return store
}

// Key returns the Redis key of a region.
func (store *Store) Key(regionID string) string {
	return store.keyPrefix + regionID
}

func (store *Store) SaveDemand(ctx context.Context, snapshot pricing.DemandSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode demand %s: %w", snapshot.RegionID, err)
	}
	if err := store.client.Set(ctx, store.Key(snapshot.RegionID), string(payload), store.ttl).Err(); err != nil {
		return fmt.Errorf("save demand %s: %w", snapshot.RegionID, err)
	}
	return nil
}

func (store *Store) LoadDemand(ctx context.Context, regionID string) (pricing.DemandSnapshot, bool, error) {
	payload, err := store.client.Get(ctx, store.Key(regionID)).Result()
	if errors.Is(err, redis.Nil) {
		return pricing.DemandSnapshot{}, false, nil
	}
	if err != nil {
		return pricing.DemandSnapshot{}, false, fmt.Errorf("load demand %s: %w", regionID, err)
	}
	var snapshot pricing.DemandSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return pricing.DemandSnapshot{}, false, fmt.Errorf("decode demand %s: %w", regionID, err)
	}
	return snapshot, true, nil
}
