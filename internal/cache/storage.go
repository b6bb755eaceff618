package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File storage settings.
const (
	storageFileExtension = ".json"
	filePermissions      = 0o600
	dirPermissions       = 0o750
)

// MemoryStorage is a process-local Storage backend over a plain map.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string][]byte),
	}
}

// Load returns the blob for key or ErrNotFound.
func (m *MemoryStorage) Load(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, found := m.entries[key]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return data, nil
}

// Store saves the blob under key.
func (m *MemoryStorage) Store(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = data

	return nil
}

// Delete removes the blob under key, if present.
func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)

	return nil
}

// Keys lists every stored key.
func (m *MemoryStorage) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}

	return keys, nil
}

// FileStorage is a Storage backend that keeps one JSON file per key in a
// directory, so cache entries survive process restarts.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the backend and its directory.
func NewFileStorage(dir string) (*FileStorage, error) {
	err := os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory %q: %w", dir, err)
	}

	return &FileStorage{dir: dir}, nil
}

// Load reads the blob for key or returns ErrNotFound when the file is
// absent.
func (f *FileStorage) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to read cache file for %q: %w", key, err)
	}

	return data, nil
}

// Store writes the blob for key.
func (f *FileStorage) Store(key string, data []byte) error {
	err := os.WriteFile(f.path(key), data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write cache file for %q: %w", key, err)
	}

	return nil
}

// Delete removes the file for key; a missing file is not an error.
func (f *FileStorage) Delete(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache file for %q: %w", key, err)
	}

	return nil
}

// Keys lists every key with a stored file.
func (f *FileStorage) Keys() ([]string, error) {
	names, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory %q: %w", f.dir, err)
	}

	keys := make([]string, 0, len(names))

	for _, dirEntry := range names {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, storageFileExtension) {
			continue
		}

		keys = append(keys, strings.TrimSuffix(name, storageFileExtension))
	}

	return keys, nil
}

func (f *FileStorage) path(key string) string {
	// Keys are hex digests with a short prefix; Base guards against a
	// malformed key escaping the cache directory.
	return filepath.Join(f.dir, filepath.Base(key)+storageFileExtension)
}
