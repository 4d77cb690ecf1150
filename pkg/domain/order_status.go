package domain

import dErrors "dispatch/pkg/domain-errors"

// OrderStatus is the lifecycle state of an order. Orders are never hard
// deleted; they terminate in either Delivered or Cancelled.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusPriced    OrderStatus = "priced"
	StatusAssigned  OrderStatus = "assigned"
	StatusPickedUp  OrderStatus = "picked_up"
	StatusInTransit OrderStatus = "in_transit"
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
)

// allowedTransitions is the single source of truth for the order state
// machine. Any (from, to) pair not listed here is rejected before storage is
// touched.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusPriced, StatusCancelled},
	StatusPriced:    {StatusAssigned},
	StatusAssigned:  {StatusPickedUp},
	StatusPickedUp:  {StatusInTransit},
	StatusInTransit: {StatusDelivered},
}

// ParseOrderStatus constructs an OrderStatus from external input.
func ParseOrderStatus(s string) (OrderStatus, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "status cannot be empty")
	}
	st := OrderStatus(s)
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid status")
	}
	return st, nil
}

// IsValid checks if the status is one of the supported enum values.
func (s OrderStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPriced, StatusAssigned,
		StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> target is in the allowed set.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range allowedTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0 && s.IsValid()
}

// String returns the string representation of the status.
func (s OrderStatus) String() string { return string(s) }
