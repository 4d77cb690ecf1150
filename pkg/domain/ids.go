package domain

import (
	"github.com/google/uuid"

	dErrors "dispatch/pkg/domain-errors"
)

// Typed IDs prevent cross-entity assignment at compile time. Construct via the
// ParseXxxID helpers at trust boundaries; direct casting bypasses validation.
type (
	// PrincipalID identifies an authenticated caller (restaurant, driver, admin).
	PrincipalID uuid.UUID

	// OrderID identifies a distribution order.
	OrderID uuid.UUID

	// ProductID identifies a product referenced by an order line.
	ProductID uuid.UUID
)

// NewPrincipalID returns a fresh random principal ID.
func NewPrincipalID() PrincipalID { return PrincipalID(uuid.New()) }

// NewOrderID returns a fresh random order ID.
func NewOrderID() OrderID { return OrderID(uuid.New()) }

// NewProductID returns a fresh random product ID.
func NewProductID() ProductID { return ProductID(uuid.New()) }

func (id PrincipalID) String() string { return uuid.UUID(id).String() }
func (id OrderID) String() string     { return uuid.UUID(id).String() }
func (id ProductID) String() string   { return uuid.UUID(id).String() }

func (id PrincipalID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id OrderID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ProductID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// parseUUID enforces the shared invariant: IDs must be valid, non-nil UUIDs.
func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id cannot be empty")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind+" id")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id cannot be the nil uuid")
	}
	return parsed, nil
}

// ParsePrincipalID constructs a PrincipalID from external input.
func ParsePrincipalID(s string) (PrincipalID, error) {
	parsed, err := parseUUID(s, "principal")
	if err != nil {
		return PrincipalID{}, err
	}
	return PrincipalID(parsed), nil
}

// ParseOrderID constructs an OrderID from external input.
func ParseOrderID(s string) (OrderID, error) {
	parsed, err := parseUUID(s, "order")
	if err != nil {
		return OrderID{}, err
	}
	return OrderID(parsed), nil
}

// ParseProductID constructs a ProductID from external input.
func ParseProductID(s string) (ProductID, error) {
	parsed, err := parseUUID(s, "product")
	if err != nil {
		return ProductID{}, err
	}
	return ProductID(parsed), nil
}
