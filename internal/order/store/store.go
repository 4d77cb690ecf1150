package store

import (
	"context"
	"time"

	"dispatch/internal/order/models"
	"dispatch/pkg/domain"
)

// StatusUpdate is one requested transition against a specific observed
// version. The store applies it only if the row still carries that version;
// a concurrent winner bumps the version and the loser observes ErrConflict.
type StatusUpdate struct {
	OrderID         domain.OrderID
	ExpectedVersion int
	NewStatus       domain.OrderStatus
	TotalCents      *int64
	DriverID        *domain.PrincipalID
	DeliveredAt     *time.Time
	UpdatedAt       time.Time
}

// Store is the data-access surface for orders and their lines.
//
// Error Contract:
// - Get/ApplyTransition return sentinel.ErrNotFound (wrapped) when the order
//   does not exist.
// - ApplyTransition returns sentinel.ErrConflict (wrapped) when the optimistic
//   version check fails.
// - All other errors are wrapped infrastructure failures.
//
// Implementations must honor an open transaction carried in the context so
// Insert, InsertLines and the audit append commit or discard together.
type Store interface {
	Insert(ctx context.Context, order *models.Order) error
	InsertLines(ctx context.Context, lines []models.OrderLine) error
	Get(ctx context.Context, id domain.OrderID) (*models.Order, error)
	List(ctx context.Context, filter models.Filter) ([]*models.Order, error)
	ApplyTransition(ctx context.Context, upd StatusUpdate) (*models.Order, error)
}
