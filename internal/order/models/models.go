package models

import (
	"time"

	"github.com/google/uuid"

	"dispatch/pkg/domain"
)

// Order represents one distribution request. Money is integer cents; Total
// stays zero until an admin prices the order. Version backs the optimistic
// concurrency check on status transitions.
type Order struct {
	ID              domain.OrderID
	RestaurantID    domain.PrincipalID
	DriverID        *domain.PrincipalID
	Status          domain.OrderStatus
	TotalCents      int64
	DeliveryAddress string
	Notes           string
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeliveredAt     *time.Time

	// Lines is the fixed set of line items, populated on reads. The set never
	// changes after creation.
	Lines []OrderLine
}

// OrderLine is one product quantity within an order.
type OrderLine struct {
	ID             uuid.UUID
	OrderID        domain.OrderID
	ProductID      domain.ProductID
	Quantity       int
	UnitPriceCents int64
	SubtotalCents  int64
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.DriverID != nil {
		d := *o.DriverID
		cp.DriverID = &d
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		cp.DeliveredAt = &t
	}
	if o.Lines != nil {
		cp.Lines = make([]OrderLine, len(o.Lines))
		copy(cp.Lines, o.Lines)
	}
	return &cp
}

// Snapshot renders the order row as a flat map for audit capture. Lines are
// audited separately under their own entity name.
func (o *Order) Snapshot() map[string]any {
	if o == nil {
		return nil
	}
	snap := map[string]any{
		"id":               o.ID.String(),
		"restaurant_id":    o.RestaurantID.String(),
		"status":           o.Status.String(),
		"total_cents":      o.TotalCents,
		"delivery_address": o.DeliveryAddress,
		"notes":            o.Notes,
		"version":          o.Version,
	}
	if o.DriverID != nil {
		snap["driver_id"] = o.DriverID.String()
	}
	if o.DeliveredAt != nil {
		snap["delivered_at"] = o.DeliveredAt.UTC().Format(time.RFC3339Nano)
	}
	return snap
}

// Snapshot renders the line row as a flat map for audit capture.
func (l OrderLine) Snapshot() map[string]any {
	return map[string]any{
		"id":               l.ID.String(),
		"order_id":         l.OrderID.String(),
		"product_id":       l.ProductID.String(),
		"quantity":         l.Quantity,
		"unit_price_cents": l.UnitPriceCents,
		"subtotal_cents":   l.SubtotalCents,
	}
}

// LineInput is one requested line at order creation. Unit price comes from
// the catalog layer, which is outside this core.
type LineInput struct {
	ProductID      domain.ProductID
	Quantity       int
	UnitPriceCents int64
}

// CreateOrderInput carries everything a restaurant submits to open an order.
type CreateOrderInput struct {
	DeliveryAddress string
	Notes           string
	Lines           []LineInput
}

// TransitionFields carries the optional attributes a transition may set:
// pricing (confirmed -> priced) and driver assignment (priced -> assigned).
type TransitionFields struct {
	TotalCents *int64
	DriverID   *domain.PrincipalID
}

// Filter narrows ListOrders. A nil Status means all statuses.
type Filter struct {
	Status *domain.OrderStatus
}
