package domain

import dErrors "dispatch/pkg/domain-errors"

// Role is the single role attached to a principal. Roles are fixed at
// provisioning time and only an admin may change them afterwards.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleRestaurant Role = "restaurant"
	RoleDriver     Role = "driver"
)

// validRoles is the single source of truth for supported roles.
var validRoles = map[Role]bool{
	RoleAdmin:      true,
	RoleRestaurant: true,
	RoleDriver:     true,
}

// ParseRole constructs a Role from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or unsupported.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "role cannot be empty")
	}
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid role")
	}
	return r, nil
}

// IsValid checks if the role is one of the supported enum values.
func (r Role) IsValid() bool {
	return validRoles[r]
}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Principal is the identity snapshot produced by the session layer: who is
// calling and with which role. It is all the policy evaluator ever sees about
// the caller, which keeps predicate evaluation free of further lookups.
type Principal struct {
	ID   PrincipalID
	Role Role
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
