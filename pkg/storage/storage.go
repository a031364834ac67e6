// Package storage abstracts the durable key-value store that settings and
// credentials are persisted to. Values are opaque byte slices, usually JSON.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Well-known keys.
const (
	KeyConfig           = "config"
	KeyInstallSalt      = "installSalt"
	KeyEncryptedAPIKeys = "encryptedAPIKeys"
	KeyAPIKeyHashes     = "apiKeyHashes"

	// Legacy plaintext locations, only read during migration.
	KeyLegacyAPIKeys = "apiKeys"
	KeyLegacyAPIKey  = "apiKey"
)

// Storage is a key-value store.
type Storage interface {
	// Get returns the value for key. The bool is false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// Memory is an in-process Storage. The zero value is ready to use.
type Memory struct {
	mu   sync.RWMutex
	once sync.Once
	data map[string][]byte

	// FailWith, when set, makes every Set and Remove return its result.
	// Used to exercise I/O failure paths.
	FailWith func(key string) error
}

func (m *Memory) init() {
	m.once.Do(func() {
		m.data = make(map[string][]byte)
	})
}

// Get returns a copy of the stored bytes.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.init()
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}

	return copyBytes(v), true, nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.init()

	if m.FailWith != nil {
		if err := m.FailWith(key); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = copyBytes(value)

	return nil
}

// Remove deletes key.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.init()

	if m.FailWith != nil {
		if err := m.FailWith(key); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)

	return nil
}

// Keys returns a sorted slice of all keys.
func (m *Memory) Keys() []string {
	m.init()
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func copyBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// GetJSON reads key and unmarshals it into dest. The bool is false when the
// key is absent, in which case dest is untouched.
func GetJSON(ctx context.Context, s Storage, key string, dest any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return true, fmt.Errorf("storage: decode %q: %w", key, err)
	}

	return true, nil
}

// SetJSON marshals value and stores it under key.
func SetJSON(ctx context.Context, s Storage, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}

	return s.Set(ctx, key, raw)
}
