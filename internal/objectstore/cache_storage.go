package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/narration-service/internal/cache"
	"github.com/nats-io/nats.go"
)

// CacheStorage adapts a NatsObjectStore to the cache.Storage interface so
// cached synthesis results can live in the same JetStream bucket namespace
// as the audio artifacts they describe.
type CacheStorage struct {
	store *NatsObjectStore
}

// NewCacheStorage wraps store as a cache backend.
func NewCacheStorage(store *NatsObjectStore) *CacheStorage {
	return &CacheStorage{store: store}
}

// Load returns the cached blob for key, translating a missing object into
// cache.ErrNotFound so the cache treats it as a plain miss.
func (c *CacheStorage) Load(key string) ([]byte, error) {
	data, err := c.store.Download(context.Background(), key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", cache.ErrNotFound, key)
		}

		return nil, err
	}

	return data, nil
}

// Store saves the blob under key.
func (c *CacheStorage) Store(key string, data []byte) error {
	return c.store.Upload(context.Background(), key, data)
}

// Delete removes the blob under key, if present.
func (c *CacheStorage) Delete(key string) error {
	return c.store.Delete(context.Background(), key)
}

// Keys lists every stored key.
func (c *CacheStorage) Keys() ([]string, error) {
	return c.store.List(context.Background())
}
