// Package redis implements a Redis-backed adapters/resources.Store, the
// multi-process alternative to the in-memory Store for deployments where
// the process serving a GET /resources/:key may differ from the one that
// last wrote it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brainrun/brains/adapters/resources"
)

const (
	// keyPrefix namespaces every object key so the resources store can
	// share a Redis instance with Pulse streams and other subsystems
	// without key collisions.
	keyPrefix  = "resources:object:"
	clientName = "resources-redis"
)

// Store is a Redis-backed resources.Store. One Redis string key holds one
// object's raw bytes; there is no TTL on object keys themselves, matching
// the "overwriting is permitted, no automatic expiry" blob-store semantics.
type Store struct {
	rdb     *redis.Client
	baseURL string
}

// New constructs a Store backed by rdb. baseURL is used to build the URLs
// PresignedLink returns, as in the in-memory Store.
func New(rdb *redis.Client, baseURL string) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("resources/redis: redis client is required")
	}
	return &Store{rdb: rdb, baseURL: baseURL}, nil
}

// Name identifies this store to goa.design/clue's health checker.
func (s *Store) Name() string { return clientName }

// Ping satisfies health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func objectKey(key string) string {
	return keyPrefix + key
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, objectKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, resources.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resources/redis: get %q: %w", key, err)
	}
	return v, nil
}

// Put stores value under key, replacing any existing value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, objectKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("resources/redis: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Returns resources.ErrNotFound if key does not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, objectKey(key)).Result()
	if err != nil {
		return fmt.Errorf("resources/redis: delete %q: %w", key, err)
	}
	if n == 0 {
		return resources.ErrNotFound
	}
	return nil
}

// List returns every stored key, sorted lexicographically. Redis SCAN
// returns keys in no particular order, so they are sorted before returning.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("resources/redis: list: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// PresignedLink returns a time-limited URL for key. Redis has no native
// object-download endpoint, so this builds the same synthetic URL shape
// the in-memory Store does; a deployment fronting this store with an
// actual object gateway would override the base URL accordingly.
func (s *Store) PresignedLink(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.rdb.Exists(ctx, objectKey(key)).Result()
	if err != nil {
		return "", fmt.Errorf("resources/redis: exists %q: %w", key, err)
	}
	if exists == 0 {
		return "", resources.ErrNotFound
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/resources/%s?expires=%d", s.baseURL, key, expires), nil
}

var _ resources.Store = (*Store)(nil)
