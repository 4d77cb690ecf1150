// Package httpapi assembles the HTTP surface: per-module handlers mounted on
// one chi router behind the shared middleware chain.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatch/internal/platform/middleware"
)

// Registrar is implemented by every module handler.
type Registrar interface {
	Register(r chi.Router)
}

// HealthChecker reports the readiness of one backing dependency.
type HealthChecker func() error

// NewRouter wires all endpoints. Module handlers attach their own auth and
// timeout middleware (the event stream is long-lived and carries no request
// timeout); the chain here carries only transport-level concerns.
func NewRouter(logger *slog.Logger, health map[string]HealthChecker, handlers ...Registrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))

	r.Get("/health", handleHealth(health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	for _, h := range handlers {
		h.Register(r)
	}
	return r
}

func handleHealth(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := []byte(`{"status":"ok"}`)
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(); err != nil {
				status = http.StatusServiceUnavailable
				body = []byte(`{"status":"degraded","failing":"` + name + `"}`)
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}
