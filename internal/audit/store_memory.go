package audit

import (
	"context"
	"sort"
	"sync"

	txcontext "dispatch/pkg/platform/tx"
)

// InMemoryStore keeps audit entries in memory for tests/dev. Entries are
// deep-copied on the way in and out so callers cannot mutate history.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewInMemoryStore constructs an empty in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, copyEntry(entry))

	if j, ok := txcontext.JournalFrom(ctx); ok {
		id := entry.ID
		j.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i := len(s.entries) - 1; i >= 0; i-- {
				if s.entries[i].ID == id {
					s.entries = append(s.entries[:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
	return nil
}

func (s *InMemoryStore) ListByTarget(_ context.Context, entity, targetID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Entity == entity && e.TargetID == targetID {
			out = append(out, copyEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

// Len reports the total number of recorded entries. Test helper.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func copyEntry(e Entry) Entry {
	e.Before = copySnapshot(e.Before)
	e.After = copySnapshot(e.After)
	return e
}

func copySnapshot(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
