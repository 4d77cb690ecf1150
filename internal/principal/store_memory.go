package principal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dispatch/pkg/domain"
	"dispatch/pkg/platform/sentinel"
	txcontext "dispatch/pkg/platform/tx"
)

// InMemoryStore is the map-backed principal store used in tests and local
// runs. Mutations register compensating actions on the journal carried in the
// context, when one is present.
type InMemoryStore struct {
	mu       sync.RWMutex
	accounts map[domain.PrincipalID]*Account
	byName   map[string]domain.PrincipalID
}

// NewInMemoryStore constructs an empty in-memory principal store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts: make(map[domain.PrincipalID]*Account),
		byName:   make(map[string]domain.PrincipalID),
	}
}

func (s *InMemoryStore) Insert(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("principal %s: %w", account.ID, sentinel.ErrConflict)
	}
	if _, exists := s.byName[account.Name]; exists {
		return fmt.Errorf("principal name %q: %w", account.Name, sentinel.ErrConflict)
	}
	s.accounts[account.ID] = account.Clone()
	s.byName[account.Name] = account.ID

	if j, ok := txcontext.JournalFrom(ctx); ok {
		id, name := account.ID, account.Name
		j.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.accounts, id)
			delete(s.byName, name)
		})
	}
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id domain.PrincipalID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("principal %s: %w", id, sentinel.ErrNotFound)
	}
	return account.Clone(), nil
}

func (s *InMemoryStore) GetByName(ctx context.Context, name string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("principal name %q: %w", name, sentinel.ErrNotFound)
	}
	return s.accounts[id].Clone(), nil
}

func (s *InMemoryStore) UpdateRole(ctx context.Context, id domain.PrincipalID, role domain.Role, updatedAt time.Time) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("principal %s: %w", id, sentinel.ErrNotFound)
	}

	prev := account.Clone()
	account.Role = role
	account.UpdatedAt = updatedAt

	if j, ok := txcontext.JournalFrom(ctx); ok {
		j.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.accounts[id] = prev
		})
	}
	return account.Clone(), nil
}
