package service

import (
	"context"
	"time"

	dErrors "dispatch/pkg/domain-errors"
	txcontext "dispatch/pkg/platform/tx"
)

// UnitOfWork provides the atomicity boundary for governed mutations: the
// order rows, line rows and audit entries written inside fn commit or discard
// together. Implementations may wrap a database transaction or, in-memory, an
// undo journal.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// defaultTxTimeout is the maximum duration for a unit of work when the caller
// brought no deadline of its own.
const defaultTxTimeout = 5 * time.Second

// InMemoryTx is the unit of work for the in-memory stores. Mutations register
// compensating actions on a journal carried in the context; on failure the
// journal replays them in reverse, which gives the same all-or-nothing
// observable behavior as the SQL-backed implementation.
type InMemoryTx struct {
	timeout time.Duration
}

// NewInMemoryTx constructs an in-memory unit of work.
func NewInMemoryTx() *InMemoryTx {
	return &InMemoryTx{}
}

func (t *InMemoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	journal := &txcontext.Journal{}
	ctx = txcontext.WithJournal(ctx, journal)

	if err := fn(ctx); err != nil {
		journal.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		journal.Rollback()
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: deadline exceeded")
	}
	return nil
}
