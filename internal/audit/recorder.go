package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
)

// Recorder captures structured audit entries. It is append-only and uses the
// store layer for persistence so the same transaction carries both the
// mutation and its audit record. Request handlers never call Record directly;
// services invoke it from inside their unit of work, which is what makes the
// trail impossible to bypass.
type Recorder struct {
	store Store
	clock func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record appends one entry. Missing ID and timestamp are filled in; an append
// failure propagates so the surrounding transaction aborts.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.clock()
	}
	return r.store.Append(ctx, entry)
}

// Entries returns the audit history for one target, oldest first. Only admin
// principals may read audit history; everyone else receives a fixed Forbidden
// error with no partial disclosure.
func (r *Recorder) Entries(ctx context.Context, principal domain.Principal, entity, targetID string) ([]Entry, error) {
	if !principal.IsAdmin() {
		return nil, dErrors.New(dErrors.CodeForbidden, "audit history is restricted to admin principals")
	}
	return r.store.ListByTarget(ctx, entity, targetID)
}
