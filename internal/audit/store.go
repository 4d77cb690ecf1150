package audit

import "context"

// Store is the append-only sink for audit entries.
//
// Error Contract:
// - Append returns nil on success; any error aborts the surrounding unit of
//   work (audit is not best-effort).
// - ListByTarget returns entries ordered by OccurredAt ascending; an unknown
//   target yields an empty slice, not an error.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByTarget(ctx context.Context, entity, targetID string) ([]Entry, error)
}
