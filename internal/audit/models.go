package audit

import (
	"time"

	"github.com/google/uuid"

	"dispatch/pkg/domain"
)

// Operation is the kind of mutation an entry describes.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Watched entity names. Entries reference entities by name so the log stays
// schema-independent.
const (
	EntityOrder      = "orders"
	EntityOrderLines = "order_lines"
	EntityPrincipal  = "principals"
)

// Entry is the immutable record of one governed mutation: what changed, who
// changed it, and the row state on both sides. Entries are only ever appended,
// and only from within the transaction that performs the mutation.
type Entry struct {
	ID         uuid.UUID
	Entity     string
	TargetID   string
	Operation  Operation
	ActorID    domain.PrincipalID
	ActorRole  domain.Role
	Before     map[string]any
	After      map[string]any
	OccurredAt time.Time
}
