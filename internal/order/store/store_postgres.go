package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"dispatch/internal/order/models"
	"dispatch/pkg/domain"
	"dispatch/pkg/platform/sentinel"
	txcontext "dispatch/pkg/platform/tx"
)

// PostgresStore persists orders and lines. All statements honor an open
// transaction carried in the context, so the unit of work built in cmd/server
// makes order+lines+audit a single atomic commit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed order store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Insert(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, restaurant_id, driver_id, status, total_cents,
			delivery_address, notes, version, created_at, updated_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	var driverID *uuid.UUID
	if order.DriverID != nil {
		d := uuid.UUID(*order.DriverID)
		driverID = &d
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(order.ID),
		uuid.UUID(order.RestaurantID),
		driverID,
		order.Status.String(),
		order.TotalCents,
		order.DeliveryAddress,
		order.Notes,
		order.Version,
		order.CreatedAt,
		order.UpdatedAt,
		order.DeliveredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s already exists: %w", order.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertLines(ctx context.Context, lines []models.OrderLine) error {
	query := `
		INSERT INTO order_lines (id, order_id, product_id, quantity, unit_price_cents, subtotal_cents)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	execer := s.execer(ctx)
	for _, line := range lines {
		_, err := execer.ExecContext(ctx, query,
			line.ID,
			uuid.UUID(line.OrderID),
			uuid.UUID(line.ProductID),
			line.Quantity,
			line.UnitPriceCents,
			line.SubtotalCents,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("order %s for line does not exist: %w", line.OrderID, sentinel.ErrNotFound)
			}
			return fmt.Errorf("insert order line: %w", err)
		}
	}
	return nil
}

const orderColumns = `id, restaurant_id, driver_id, status, total_cents,
	delivery_address, notes, version, created_at, updated_at, delivered_at`

func (s *PostgresStore) Get(ctx context.Context, id domain.OrderID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(id))

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("order %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query order: %w", err)
	}

	if err := s.attachLines(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *PostgresStore) List(ctx context.Context, filter models.Filter) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, filter.Status.String())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	for _, order := range orders {
		if err := s.attachLines(ctx, order); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, upd StatusUpdate) (*models.Order, error) {
	query := `
		UPDATE orders
		SET status = $1,
			total_cents = COALESCE($2, total_cents),
			driver_id = COALESCE($3, driver_id),
			delivered_at = COALESCE($4, delivered_at),
			version = version + 1,
			updated_at = $5
		WHERE id = $6 AND version = $7
		RETURNING ` + orderColumns
	var driverID *uuid.UUID
	if upd.DriverID != nil {
		d := uuid.UUID(*upd.DriverID)
		driverID = &d
	}
	row := s.execer(ctx).QueryRowContext(ctx, query,
		upd.NewStatus.String(),
		upd.TotalCents,
		driverID,
		upd.DeliveredAt,
		upd.UpdatedAt,
		uuid.UUID(upd.OrderID),
		upd.ExpectedVersion,
	)

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			// No row matched id+version: either the order is gone or a
			// concurrent transition bumped the version first.
			exists, existsErr := s.exists(ctx, upd.OrderID)
			if existsErr != nil {
				return nil, existsErr
			}
			if exists {
				return nil, fmt.Errorf("order %s version %d: %w", upd.OrderID, upd.ExpectedVersion, sentinel.ErrConflict)
			}
			return nil, fmt.Errorf("order %s: %w", upd.OrderID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	if err := s.attachLines(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *PostgresStore) exists(ctx context.Context, id domain.OrderID) (bool, error) {
	var one int
	err := s.execer(ctx).QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = $1`, uuid.UUID(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check order existence: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) attachLines(ctx context.Context, order *models.Order) error {
	query := `
		SELECT id, order_id, product_id, quantity, unit_price_cents, subtotal_cents
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(order.ID))
	if err != nil {
		return fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line      models.OrderLine
			orderID   uuid.UUID
			productID uuid.UUID
		)
		if err := rows.Scan(&line.ID, &orderID, &productID, &line.Quantity, &line.UnitPriceCents, &line.SubtotalCents); err != nil {
			return fmt.Errorf("scan order line: %w", err)
		}
		line.OrderID = domain.OrderID(orderID)
		line.ProductID = domain.ProductID(productID)
		order.Lines = append(order.Lines, line)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		order        models.Order
		id           uuid.UUID
		restaurantID uuid.UUID
		driverID     *uuid.UUID
		status       string
	)
	err := row.Scan(
		&id,
		&restaurantID,
		&driverID,
		&status,
		&order.TotalCents,
		&order.DeliveryAddress,
		&order.Notes,
		&order.Version,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	order.ID = domain.OrderID(id)
	order.RestaurantID = domain.PrincipalID(restaurantID)
	if driverID != nil {
		d := domain.PrincipalID(*driverID)
		order.DriverID = &d
	}
	order.Status = domain.OrderStatus(status)
	return &order, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23503"
	}
	return false
}
