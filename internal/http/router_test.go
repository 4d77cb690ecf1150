package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/audit"
	httpapi "dispatch/internal/http"
	"dispatch/internal/jwttoken"
	orderhandler "dispatch/internal/order/handler"
	orderservice "dispatch/internal/order/service"
	orderstore "dispatch/internal/order/store"
	"dispatch/internal/principal"
	"dispatch/internal/realtime"
	"dispatch/pkg/domain"
	"dispatch/pkg/testutil"
)

type env struct {
	router http.Handler
	tokens *jwttoken.Service
	psvc   *principal.Service
}

// newEnv assembles the full in-memory stack the way cmd/server does.
func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	uow := orderservice.NewInMemoryTx()
	orders := orderstore.NewInMemory()
	auditStore := audit.NewInMemoryStore()
	principalStore := principal.NewInMemoryStore()

	recorder := audit.NewRecorder(auditStore)
	psvc := principal.NewService(uow, principalStore, recorder, logger)

	hub := realtime.NewHub(logger, realtime.NewMonitor(64))
	osvc := orderservice.NewService(uow, orders, recorder, psvc, logger,
		orderservice.WithPublisher(hub),
	)

	tokens := jwttoken.NewService("test-key", "dispatch")
	router := httpapi.NewRouter(logger,
		map[string]httpapi.HealthChecker{"memory": func() error { return nil }},
		principal.NewHandler(psvc, tokens, tokens, logger),
		orderhandler.New(osvc, tokens, logger),
		audit.NewHandler(recorder, tokens, logger),
		realtime.NewHandler(hub, tokens, realtime.DefaultSLA, logger),
	)

	return &env{router: router, tokens: tokens, psvc: psvc}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*json.Decoder, int) {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = testutil.NewJSONRequest(t, method, path, body)
	} else {
		req = testutil.NewRequest(t, method, path)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := testutil.DoRequest(e.router, req)
	return json.NewDecoder(rr.Body), rr.Code
}

// register provisions an account over HTTP and logs it in.
func (e *env) register(t *testing.T, name string, role domain.Role) (id, token string) {
	t.Helper()
	password := "long-enough-pw"

	dec, code := e.do(t, http.MethodPost, "/auth/register", "", map[string]any{
		"name": name, "role": role.String(), "password": password,
	})
	require.Equal(t, http.StatusCreated, code)
	var account struct {
		ID string `json:"id"`
	}
	require.NoError(t, dec.Decode(&account))

	dec, code = e.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"name": name, "password": password,
	})
	require.Equal(t, http.StatusOK, code)
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, dec.Decode(&login))
	return account.ID, login.AccessToken
}

// seedAdmin provisions the first admin through the service, the out-of-band
// path, and issues it a token.
func (e *env) seedAdmin(t *testing.T) string {
	t.Helper()
	account, err := e.psvc.Provision(context.Background(), principal.ProvisionInput{
		Name: "ops", Role: domain.RoleAdmin, Password: "long-enough-pw",
	})
	require.NoError(t, err)
	token, err := e.tokens.GenerateAccessToken(domain.Principal{ID: account.ID, Role: account.Role}, time.Hour)
	require.NoError(t, err)
	return token
}

type orderBody struct {
	ID         string `json:"id"`
	DriverID   string `json:"driver_id"`
	Status     string `json:"status"`
	TotalCents int64  `json:"total_cents"`
	Version    int    `json:"version"`
	Lines      []struct {
		SubtotalCents int64 `json:"subtotal_cents"`
	} `json:"lines"`
	DeliveredAt *time.Time `json:"delivered_at"`
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)

	adminToken := e.seedAdmin(t)
	_, restaurantToken := e.register(t, "trattoria-12", domain.RoleRestaurant)
	driverID, driverToken := e.register(t, "courier-4", domain.RoleDriver)

	transition := func(t *testing.T, token, orderID string, body map[string]any) orderBody {
		t.Helper()
		dec, code := e.do(t, http.MethodPost, "/orders/"+orderID+"/transition", token, body)
		require.Equal(t, http.StatusOK, code)
		var order orderBody
		require.NoError(t, dec.Decode(&order))
		return order
	}

	var orderID string
	t.Run("restaurant creates a pending order with two lines", func(t *testing.T) {
		dec, code := e.do(t, http.MethodPost, "/orders", restaurantToken, map[string]any{
			"delivery_address": "12 Rustaveli Ave",
			"lines": []map[string]any{
				{"product_id": domain.NewProductID().String(), "quantity": 3, "unit_price_cents": 1100},
				{"product_id": domain.NewProductID().String(), "quantity": 1, "unit_price_cents": 1200},
			},
		})
		require.Equal(t, http.StatusCreated, code)

		var order orderBody
		require.NoError(t, dec.Decode(&order))
		assert.Equal(t, "pending", order.Status)
		assert.Zero(t, order.TotalCents)
		require.Len(t, order.Lines, 2)
		assert.Equal(t, int64(3300), order.Lines[0].SubtotalCents)
		orderID = order.ID
	})

	t.Run("a foreign restaurant cannot see the order", func(t *testing.T) {
		_, otherToken := e.register(t, "trattoria-13", domain.RoleRestaurant)
		_, code := e.do(t, http.MethodGet, "/orders/"+orderID, otherToken, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("admin confirms, prices, and assigns", func(t *testing.T) {
		order := transition(t, adminToken, orderID, map[string]any{"target_status": "confirmed"})
		assert.Equal(t, "confirmed", order.Status)

		order = transition(t, adminToken, orderID, map[string]any{"target_status": "priced", "total_cents": 4500})
		assert.Equal(t, int64(4500), order.TotalCents)

		order = transition(t, adminToken, orderID, map[string]any{"target_status": "assigned", "driver_id": driverID})
		assert.Equal(t, driverID, order.DriverID)
	})

	t.Run("restaurant sees the updated total", func(t *testing.T) {
		dec, code := e.do(t, http.MethodGet, "/orders/"+orderID, restaurantToken, nil)
		require.Equal(t, http.StatusOK, code)
		var order orderBody
		require.NoError(t, dec.Decode(&order))
		assert.Equal(t, int64(4500), order.TotalCents)
		assert.Equal(t, "assigned", order.Status)
	})

	t.Run("driver carries the order to delivered", func(t *testing.T) {
		transition(t, driverToken, orderID, map[string]any{"target_status": "picked_up"})
		transition(t, driverToken, orderID, map[string]any{"target_status": "in_transit"})
		order := transition(t, driverToken, orderID, map[string]any{"target_status": "delivered"})

		assert.Equal(t, "delivered", order.Status)
		assert.Equal(t, 7, order.Version)
		require.NotNil(t, order.DeliveredAt)
	})

	t.Run("admin reads the full audit trail", func(t *testing.T) {
		dec, code := e.do(t, http.MethodGet, "/audit/orders/"+orderID, adminToken, nil)
		require.Equal(t, http.StatusOK, code)
		var trail struct {
			Entries []struct {
				Operation string `json:"operation"`
				ActorRole string `json:"actor_role"`
			} `json:"entries"`
		}
		require.NoError(t, dec.Decode(&trail))
		require.Len(t, trail.Entries, 7, "create plus six transitions")
		assert.Equal(t, "insert", trail.Entries[0].Operation)
		assert.Equal(t, "restaurant", trail.Entries[0].ActorRole)
		assert.Equal(t, "driver", trail.Entries[6].ActorRole)

		dec, code = e.do(t, http.MethodGet, "/audit/order_lines/"+orderID, adminToken, nil)
		require.Equal(t, http.StatusOK, code)
		var lines struct {
			Entries []json.RawMessage `json:"entries"`
		}
		require.NoError(t, dec.Decode(&lines))
		assert.Len(t, lines.Entries, 1, "lines are audited as one batched entry")
	})

	t.Run("the trail is admin-only", func(t *testing.T) {
		_, code := e.do(t, http.MethodGet, "/audit/orders/"+orderID, restaurantToken, nil)
		assert.Equal(t, http.StatusForbidden, code)
	})

	t.Run("health", func(t *testing.T) {
		_, code := e.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, code)
	})
}

func TestRegisterRejectsAdminRole(t *testing.T) {
	e := newEnv(t)
	_, code := e.do(t, http.MethodPost, "/auth/register", "", map[string]any{
		"name": "wannabe", "role": "admin", "password": "long-enough-pw",
	})
	assert.Equal(t, http.StatusForbidden, code)
}
