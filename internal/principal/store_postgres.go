package principal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"dispatch/pkg/domain"
	"dispatch/pkg/platform/sentinel"
	txcontext "dispatch/pkg/platform/tx"
)

// PostgresStore persists principal accounts. Statements honor an open
// transaction carried in the context.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed principal store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const accountColumns = `id, name, role, password_hash, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO principals (id, name, role, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(account.ID),
		account.Name,
		account.Role.String(),
		account.PasswordHash,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("principal name %q: %w", account.Name, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id domain.PrincipalID) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM principals WHERE id = $1`
	account, err := scanAccount(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(id)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("principal %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query principal: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) GetByName(ctx context.Context, name string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM principals WHERE name = $1`
	account, err := scanAccount(s.execer(ctx).QueryRowContext(ctx, query, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("principal name %q: %w", name, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query principal: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) UpdateRole(ctx context.Context, id domain.PrincipalID, role domain.Role, updatedAt time.Time) (*Account, error) {
	query := `
		UPDATE principals
		SET role = $1, updated_at = $2
		WHERE id = $3
		RETURNING ` + accountColumns
	account, err := scanAccount(s.execer(ctx).QueryRowContext(ctx, query,
		role.String(), updatedAt, uuid.UUID(id)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("principal %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("update principal role: %w", err)
	}
	return account, nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		account Account
		id      uuid.UUID
		role    string
	)
	err := row.Scan(&id, &account.Name, &role, &account.PasswordHash, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	account.ID = domain.PrincipalID(id)
	account.Role = domain.Role(role)
	return &account, nil
}
