package authstate

import (
	"context"
	"encoding/json"
	"sync"
)

// Keys written by a Session.
const (
	KeyAuthError  = "authError"
	KeyToken      = "jwtToken"
	KeyUserClaims = "userClaims"
)

// Store is the persistence collaborator. Writes are best-effort: a
// Session logs failures and carries on.
type Store interface {
	Store(ctx context.Context, key string, value any) error
}

// Loader is implemented by stores that can read values back. It reports
// false when the key is absent.
type Loader interface {
	Load(ctx context.Context, key string, dst any) (bool, error)
}

// MemoryStore keeps JSON-encoded values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Store implements Store.
func (m *MemoryStore) Store(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = data
	m.mu.Unlock()
	return nil
}

// Load implements Loader.
func (m *MemoryStore) Load(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	data, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dst)
}
