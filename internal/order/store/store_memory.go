package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dispatch/internal/order/models"
	"dispatch/pkg/domain"
	"dispatch/pkg/platform/sentinel"
	txcontext "dispatch/pkg/platform/tx"
)

// InMemoryStore keeps orders in memory for tests/dev. It implements the same
// conflict semantics as the postgres store (version check on transition) so
// service behavior is identical against either backend.
type InMemoryStore struct {
	mu     sync.RWMutex
	orders map[domain.OrderID]*models.Order
	lines  map[domain.OrderID][]models.OrderLine
}

// NewInMemory constructs an empty in-memory order store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		orders: make(map[domain.OrderID]*models.Order),
		lines:  make(map[domain.OrderID][]models.OrderLine),
	}
}

func (s *InMemoryStore) Insert(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists: %w", order.ID, sentinel.ErrConflict)
	}
	cp := order.Clone()
	cp.Lines = nil
	s.orders[order.ID] = cp

	if j, ok := txcontext.JournalFrom(ctx); ok {
		id := order.ID
		j.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.orders, id)
		})
	}
	return nil
}

func (s *InMemoryStore) InsertLines(ctx context.Context, lines []models.OrderLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := make(map[domain.OrderID]int)
	for _, line := range lines {
		if _, exists := s.orders[line.OrderID]; !exists {
			return fmt.Errorf("order %s for line does not exist: %w", line.OrderID, sentinel.ErrNotFound)
		}
		s.lines[line.OrderID] = append(s.lines[line.OrderID], line)
		inserted[line.OrderID]++
	}

	if j, ok := txcontext.JournalFrom(ctx); ok {
		j.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for orderID, n := range inserted {
				existing := s.lines[orderID]
				if n >= len(existing) {
					delete(s.lines, orderID)
					continue
				}
				s.lines[orderID] = existing[:len(existing)-n]
			}
		})
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.OrderID) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, sentinel.ErrNotFound)
	}
	return s.withLines(order), nil
}

func (s *InMemoryStore) List(_ context.Context, filter models.Filter) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Order
	for _, order := range s.orders {
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		out = append(out, s.withLines(order))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) ApplyTransition(ctx context.Context, upd StatusUpdate) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[upd.OrderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", upd.OrderID, sentinel.ErrNotFound)
	}
	if order.Version != upd.ExpectedVersion {
		return nil, fmt.Errorf("order %s version %d != expected %d: %w",
			upd.OrderID, order.Version, upd.ExpectedVersion, sentinel.ErrConflict)
	}

	if j, ok := txcontext.JournalFrom(ctx); ok {
		prior := order.Clone()
		j.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			prior.Lines = nil
			s.orders[prior.ID] = prior
		})
	}

	order.Status = upd.NewStatus
	order.Version++
	order.UpdatedAt = upd.UpdatedAt
	if upd.TotalCents != nil {
		order.TotalCents = *upd.TotalCents
	}
	if upd.DriverID != nil {
		d := *upd.DriverID
		order.DriverID = &d
	}
	if upd.DeliveredAt != nil {
		t := *upd.DeliveredAt
		order.DeliveredAt = &t
	}
	return s.withLines(order), nil
}

// withLines is called with the lock held.
func (s *InMemoryStore) withLines(order *models.Order) *models.Order {
	cp := order.Clone()
	if lines, ok := s.lines[order.ID]; ok {
		cp.Lines = make([]models.OrderLine, len(lines))
		copy(cp.Lines, lines)
	}
	return cp
}

// CountRows reports how many order and line rows are persisted. Test helper
// for atomicity assertions.
func (s *InMemoryStore) CountRows() (orders, lines int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.lines {
		lines += len(l)
	}
	return len(s.orders), lines
}
