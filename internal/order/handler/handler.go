package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatch/internal/order/models"
	"dispatch/internal/platform/middleware"
	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
	"dispatch/pkg/platform/httputil"
)

// Service defines the order operations the handler needs.
type Service interface {
	Create(ctx context.Context, principal domain.Principal, input models.CreateOrderInput) (*models.Order, error)
	Transition(ctx context.Context, principal domain.Principal, orderID domain.OrderID, target domain.OrderStatus, fields models.TransitionFields) (*models.Order, error)
	Get(ctx context.Context, principal domain.Principal, orderID domain.OrderID) (*models.Order, error)
	List(ctx context.Context, principal domain.Principal, filter models.Filter) ([]*models.Order, error)
}

// Handler serves the order endpoints.
type Handler struct {
	logger    *slog.Logger
	orders    Service
	validator middleware.TokenValidator
}

// New creates an order Handler.
func New(orders Service, validator middleware.TokenValidator, logger *slog.Logger) *Handler {
	return &Handler{
		logger:    logger,
		orders:    orders,
		validator: validator,
	}
}

// Register mounts the order routes.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.RequireAuth(h.validator, h.logger))
	router.Post("/", h.handleCreate)
	router.Get("/", h.handleList)
	router.Get("/{orderID}", h.handleGet)
	router.Post("/{orderID}/transition", h.handleTransition)

	r.Mount("/orders", router)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	input, err := req.toInput()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	order, err := h.orders.Create(ctx, principal, input)
	if err != nil {
		h.logFailure(ctx, "create order", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	var filter models.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := domain.ParseOrderStatus(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.Status = &status
	}

	orders, err := h.orders.List(ctx, principal, filter)
	if err != nil {
		h.logFailure(ctx, "list orders", err)
		httputil.WriteError(w, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		resp = append(resp, toOrderResponse(order))
	}
	httputil.WriteJSON(w, http.StatusOK, listOrdersResponse{Orders: resp})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	orderID, err := domain.ParseOrderID(chi.URLParam(r, "orderID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	order, err := h.orders.Get(ctx, principal, orderID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	orderID, err := domain.ParseOrderID(chi.URLParam(r, "orderID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	target, err := domain.ParseOrderStatus(req.TargetStatus)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	fields, err := req.toFields()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	order, err := h.orders.Transition(ctx, principal, orderID, target, fields)
	if err != nil {
		h.logFailure(ctx, "transition order", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toOrderResponse(order))
}

// logFailure records server-side failures; expected client errors stay quiet.
func (h *Handler) logFailure(ctx context.Context, op string, err error) {
	if dErrors.HasCode(err, dErrors.CodeInternal) || dErrors.HasCode(err, dErrors.CodeTimeout) {
		h.logger.ErrorContext(ctx, "order operation failed",
			"op", op,
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
	}
}

type createOrderRequest struct {
	DeliveryAddress string             `json:"delivery_address"`
	Notes           string             `json:"notes"`
	Lines           []lineInputRequest `json:"lines"`
}

type lineInputRequest struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (r createOrderRequest) toInput() (models.CreateOrderInput, error) {
	input := models.CreateOrderInput{
		DeliveryAddress: r.DeliveryAddress,
		Notes:           r.Notes,
	}
	for _, line := range r.Lines {
		productID, err := domain.ParseProductID(line.ProductID)
		if err != nil {
			return models.CreateOrderInput{}, err
		}
		input.Lines = append(input.Lines, models.LineInput{
			ProductID:      productID,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}
	return input, nil
}

type transitionRequest struct {
	TargetStatus string `json:"target_status"`
	TotalCents   *int64 `json:"total_cents,omitempty"`
	DriverID     string `json:"driver_id,omitempty"`
}

func (r transitionRequest) toFields() (models.TransitionFields, error) {
	fields := models.TransitionFields{TotalCents: r.TotalCents}
	if r.DriverID != "" {
		driverID, err := domain.ParsePrincipalID(r.DriverID)
		if err != nil {
			return models.TransitionFields{}, err
		}
		fields.DriverID = &driverID
	}
	return fields, nil
}

type orderResponse struct {
	ID              string         `json:"id"`
	RestaurantID    string         `json:"restaurant_id"`
	DriverID        string         `json:"driver_id,omitempty"`
	Status          string         `json:"status"`
	TotalCents      int64          `json:"total_cents"`
	DeliveryAddress string         `json:"delivery_address"`
	Notes           string         `json:"notes,omitempty"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty"`
	Lines           []lineResponse `json:"lines"`
}

type lineResponse struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type listOrdersResponse struct {
	Orders []orderResponse `json:"orders"`
}

func toOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		ID:              order.ID.String(),
		RestaurantID:    order.RestaurantID.String(),
		Status:          order.Status.String(),
		TotalCents:      order.TotalCents,
		DeliveryAddress: order.DeliveryAddress,
		Notes:           order.Notes,
		Version:         order.Version,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
		DeliveredAt:     order.DeliveredAt,
	}
	if order.DriverID != nil {
		resp.DriverID = order.DriverID.String()
	}
	resp.Lines = make([]lineResponse, 0, len(order.Lines))
	for _, line := range order.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			ID:             line.ID.String(),
			ProductID:      line.ProductID.String(),
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			SubtotalCents:  line.SubtotalCents,
		})
	}
	return resp
}
