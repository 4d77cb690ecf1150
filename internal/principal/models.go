package principal

import (
	"time"

	"dispatch/pkg/domain"
)

// Account is a registered principal: a restaurant, an admin, or a driver.
// Role is fixed at provisioning time except through the admin-gated
// UpdateRole path, and every role change is audited.
type Account struct {
	ID           domain.PrincipalID
	Name         string
	Role         domain.Role
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// Snapshot renders the account for audit capture. The password hash never
// enters the audit trail.
func (a *Account) Snapshot() map[string]any {
	if a == nil {
		return nil
	}
	return map[string]any{
		"id":         a.ID.String(),
		"name":       a.Name,
		"role":       a.Role.String(),
		"created_at": a.CreatedAt,
		"updated_at": a.UpdatedAt,
	}
}

// ProvisionInput carries the fields needed to register an account.
type ProvisionInput struct {
	Name     string
	Role     domain.Role
	Password string
}
