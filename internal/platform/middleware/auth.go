package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"dispatch/pkg/domain"
)

// TokenValidator defines the interface for validating access tokens issued by
// the session layer. The middleware only needs the resulting identity snapshot.
type TokenValidator interface {
	ValidatePrincipal(tokenString string) (domain.Principal, error)
}

type contextKeyPrincipal struct{}

// ContextKeyPrincipal is exported for tests that build contexts directly.
var ContextKeyPrincipal = contextKeyPrincipal{}

// GetPrincipal retrieves the authenticated principal from the context.
// The zero Principal (nil ID, empty role) means no auth middleware ran.
func GetPrincipal(ctx context.Context) domain.Principal {
	p, ok := ctx.Value(ContextKeyPrincipal).(domain.Principal)
	if !ok {
		return domain.Principal{}
	}
	return p
}

// WithPrincipal injects a principal into the context. Used by tests that skip
// the HTTP middleware chain.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth validates the bearer token and stores the principal in context.
// Everything behind it can assume a caller identity with a fixed role.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			after, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok {
				ctx := r.Context()
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			principal, err := validator.ValidatePrincipal(after)
			if err != nil {
				ctx := r.Context()
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a subtree to principals with the given role. It runs after
// RequireAuth; row-scoped checks still happen in the policy evaluator.
func RequireRole(role domain.Role, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p.Role != role {
				ctx := r.Context()
				logger.WarnContext(ctx, "forbidden - role mismatch",
					"required_role", role.String(),
					"request_id", GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
