// Package cache provides the content-addressable result cache: finished
// synthesis results keyed by a stable hash of their normalized parameters,
// with TTL expiry, over a pluggable blob storage backend.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// DefaultTTL is the entry lifetime used when Set is called with a
// non-positive ttl.
const DefaultTTL = 24 * time.Hour

// Static errors.
var (
	// ErrNotFound is returned by Storage implementations for a missing key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrPartialResult rejects caching of a partial synthesis result. The
	// cache must only ever hold fully successful results.
	ErrPartialResult = errors.New("partial results are never cached")
)

// Storage is the pluggable persistence backend: a key to JSON blob store.
type Storage interface {
	Load(key string) ([]byte, error)
	Store(key string, data []byte) error
	Delete(key string) error
	Keys() ([]string, error)
}

// entry is the stored envelope. ExpireAt is Unix milliseconds.
type entry struct {
	Value    *core.SynthesisResult `json:"value"`
	ExpireAt int64                 `json:"expireAt"`
}

// Cache is a TTL result cache. Safe for concurrent use to the extent the
// backend is; every operation is a single-key read or write.
type Cache struct {
	storage Storage
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache over the given storage backend. A non-positive
// defaultTTL uses DefaultTTL.
func New(storage Storage, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	return &Cache{
		storage: storage,
		ttl:     defaultTTL,
		now:     time.Now,
	}
}

// Set writes a fully successful result under key with the given ttl
// (non-positive ttl uses the cache default). Partial results are rejected.
func (c *Cache) Set(key string, value *core.SynthesisResult, ttl time.Duration) error {
	if value == nil || value.Partial {
		return ErrPartialResult
	}

	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := json.Marshal(entry{
		Value:    value,
		ExpireAt: c.now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %q: %w", key, err)
	}

	err = c.storage.Store(key, data)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %q: %w", key, err)
	}

	return nil
}

// Get returns the cached result for key, or nil on a miss. A read of an
// expired entry behaves as a miss and deletes the stale entry. Backend
// failures are reported as misses with the error preserved for logging.
func (c *Cache) Get(key string) (*core.SynthesisResult, error) {
	data, err := c.storage.Load(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to load cache entry %q: %w", key, err)
	}

	var stored entry

	err = json.Unmarshal(data, &stored)
	if err != nil {
		// An undecodable entry is as good as absent; drop it.
		_ = c.storage.Delete(key)

		return nil, nil
	}

	if stored.ExpireAt < c.now().UnixMilli() {
		_ = c.storage.Delete(key)

		return nil, nil
	}

	return stored.Value, nil
}

// Has reports whether a live (non-expired) entry exists for key.
func (c *Cache) Has(key string) bool {
	value, err := c.Get(key)

	return err == nil && value != nil
}

// Delete removes the entry for key, if any.
func (c *Cache) Delete(key string) error {
	err := c.storage.Delete(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete cache entry %q: %w", key, err)
	}

	return nil
}

// CleanExpired sweeps the backend and removes every expired entry.
func (c *Cache) CleanExpired() error {
	keys, err := c.storage.Keys()
	if err != nil {
		return fmt.Errorf("failed to list cache keys: %w", err)
	}

	nowMillis := c.now().UnixMilli()

	for _, key := range keys {
		data, loadErr := c.storage.Load(key)
		if loadErr != nil {
			continue
		}

		var stored entry

		if json.Unmarshal(data, &stored) != nil || stored.ExpireAt < nowMillis {
			_ = c.storage.Delete(key)
		}
	}

	return nil
}

// WithClock overrides the cache's time source. Tests use it to step through
// TTL expiry without sleeping.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now

	return c
}
