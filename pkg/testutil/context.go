package testutil

import (
	"net/http"

	"dispatch/internal/platform/middleware"
	"dispatch/pkg/domain"
)

// WithPrincipal injects an authenticated principal into the request context,
// simulating what the auth middleware does for a validated bearer token.
func WithPrincipal(req *http.Request, p domain.Principal) *http.Request {
	return req.WithContext(middleware.WithPrincipal(req.Context(), p))
}

// NewPrincipal builds a principal with a fresh ID for the given role.
func NewPrincipal(role domain.Role) domain.Principal {
	return domain.Principal{ID: domain.NewPrincipalID(), Role: role}
}
