package tx

import (
	"context"
	"sync"
)

type journalKey struct{}

// Journal collects undo actions for the in-memory unit of work. SQL-backed
// stores get rollback from the database; memory stores register a compensating
// action per mutation instead, and the unit of work replays them in reverse
// when the enclosed function fails.
type Journal struct {
	mu    sync.Mutex
	undos []func()
}

// OnRollback registers a compensating action for a mutation that just
// succeeded.
func (j *Journal) OnRollback(fn func()) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undos = append(j.undos, fn)
}

// Rollback runs the registered actions newest-first and clears the journal.
func (j *Journal) Rollback() {
	j.mu.Lock()
	undos := j.undos
	j.undos = nil
	j.mu.Unlock()

	for i := len(undos) - 1; i >= 0; i-- {
		undos[i]()
	}
}

// WithJournal stores an undo journal in context for memory stores to find.
func WithJournal(ctx context.Context, j *Journal) context.Context {
	if j == nil {
		return ctx
	}
	return context.WithValue(ctx, journalKey{}, j)
}

// JournalFrom extracts the undo journal from context if present.
func JournalFrom(ctx context.Context) (*Journal, bool) {
	j, ok := ctx.Value(journalKey{}).(*Journal)
	return j, ok
}
