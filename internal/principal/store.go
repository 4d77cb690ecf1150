package principal

import (
	"context"
	"time"

	"dispatch/pkg/domain"
)

// Store persists principal accounts.
//
// Error contract: Get and GetByName return sentinel.ErrNotFound (wrapped) for
// a missing account; Insert returns sentinel.ErrConflict for a duplicate name;
// UpdateRole returns sentinel.ErrNotFound when the account is gone.
type Store interface {
	Insert(ctx context.Context, account *Account) error
	Get(ctx context.Context, id domain.PrincipalID) (*Account, error)
	GetByName(ctx context.Context, name string) (*Account, error)
	UpdateRole(ctx context.Context, id domain.PrincipalID, role domain.Role, updatedAt time.Time) (*Account, error)
}
