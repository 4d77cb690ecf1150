package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"dispatch/pkg/domain"
	txcontext "dispatch/pkg/platform/tx"
)

// PostgresStore persists audit entries in the append-only audit_entries table.
// When a transaction is present in the context the insert joins it, which is
// what gives the write-ordering guarantee: the entry commits with the mutation
// it describes or not at all.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed audit store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	before, err := marshalSnapshot(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	after, err := marshalSnapshot(entry.After)
	if err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}

	query := `
		INSERT INTO audit_entries (id, entity, target_id, operation, actor_id, actor_role, before, after, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		entry.ID,
		entry.Entity,
		entry.TargetID,
		string(entry.Operation),
		uuid.UUID(entry.ActorID),
		entry.ActorRole.String(),
		before,
		after,
		entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTarget(ctx context.Context, entity, targetID string) ([]Entry, error) {
	query := `
		SELECT id, entity, target_id, operation, actor_id, actor_role, before, after, occurred_at
		FROM audit_entries
		WHERE entity = $1 AND target_id = $2
		ORDER BY occurred_at ASC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, entity, targetID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry      Entry
			actorID    uuid.UUID
			actorRole  string
			operation  string
			beforeJSON []byte
			afterJSON  []byte
		)
		err := rows.Scan(
			&entry.ID,
			&entry.Entity,
			&entry.TargetID,
			&operation,
			&actorID,
			&actorRole,
			&beforeJSON,
			&afterJSON,
			&entry.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		entry.Operation = Operation(operation)
		entry.ActorID = domain.PrincipalID(actorID)
		entry.ActorRole = domain.Role(actorRole)
		if entry.Before, err = unmarshalSnapshot(beforeJSON); err != nil {
			return nil, fmt.Errorf("unmarshal before snapshot: %w", err)
		}
		if entry.After, err = unmarshalSnapshot(afterJSON); err != nil {
			return nil, fmt.Errorf("unmarshal after snapshot: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func marshalSnapshot(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

func unmarshalSnapshot(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
