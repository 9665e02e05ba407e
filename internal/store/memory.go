package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local AccountStore. It backs the file and Redis
// stores' caches and stands alone in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

// List returns clones of all accounts, ordered by ID for stable iteration.
func (s *MemoryStore) List(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a clone of one account.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return account.Clone(), nil
}

// Save upserts an account.
func (s *MemoryStore) Save(ctx context.Context, account *Account) error {
	if account == nil || account.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account.Clone()
	return nil
}

// Delete removes an account. Deleting an unknown ID is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}
