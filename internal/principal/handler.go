package principal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatch/internal/jwttoken"
	"dispatch/internal/platform/middleware"
	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
	"dispatch/pkg/platform/httputil"
)

const accessTokenTTL = 1 * time.Hour

// Handler serves account registration, login, and the admin role change.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	tokens    *jwttoken.Service
	validator middleware.TokenValidator
}

// NewHandler creates a principal Handler.
func NewHandler(service *Service, tokens *jwttoken.Service, validator middleware.TokenValidator, logger *slog.Logger) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		tokens:    tokens,
		validator: validator,
	}
}

// Register mounts the principal routes. Registration and login are public;
// the role change requires an authenticated admin.
func (h *Handler) Register(r chi.Router) {
	r.Post("/auth/register", h.handleRegister)
	r.Post("/auth/login", h.handleLogin)

	protected := chi.NewRouter()
	protected.Use(middleware.Timeout(30 * time.Second))
	protected.Use(middleware.RequireAuth(h.validator, h.logger))
	protected.Get("/{principalID}", h.handleGet)
	protected.Put("/{principalID}/role", h.handleUpdateRole)
	r.Mount("/principals", protected)
}

type registerRequest struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	role, err := domain.ParseRole(req.Role)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// Admin accounts are never self-registered; they are provisioned out of
	// band or promoted through the role change endpoint.
	if role == domain.RoleAdmin {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin accounts cannot be self-registered"))
		return
	}

	account, err := h.service.Provision(ctx, ProvisionInput{
		Name:     req.Name,
		Role:     role,
		Password: req.Password,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, toAccountResponse(account))
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Role        string `json:"role"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	account, err := h.service.Authenticate(ctx, req.Name, req.Password)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	token, err := h.tokens.GenerateAccessToken(domain.Principal{ID: account.ID, Role: account.Role}, accessTokenTTL)
	if err != nil {
		h.logger.ErrorContext(ctx, "issue access token",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to issue token"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTokenTTL.Seconds()),
		Role:        account.Role.String(),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetPrincipal(ctx)

	id, err := domain.ParsePrincipalID(chi.URLParam(r, "principalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	account, err := h.service.Get(ctx, actor, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetPrincipal(ctx)

	id, err := domain.ParsePrincipalID(chi.URLParam(r, "principalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	role, err := domain.ParseRole(req.Role)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	account, err := h.service.UpdateRole(ctx, actor, id, role)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

func toAccountResponse(account *Account) accountResponse {
	return accountResponse{
		ID:        account.ID.String(),
		Name:      account.Name,
		Role:      account.Role.String(),
		CreatedAt: account.CreatedAt,
	}
}
