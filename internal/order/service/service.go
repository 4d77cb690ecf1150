package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/audit"
	"dispatch/internal/order/models"
	"dispatch/internal/order/policy"
	"dispatch/internal/order/store"
	"dispatch/internal/platform/metrics"
	"dispatch/internal/realtime"
	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
	"dispatch/pkg/platform/sentinel"
)

// Publisher hands committed order events to the propagation layer. Publishing
// is best-effort; errors are logged and never fail the mutation.
type Publisher interface {
	PublishOrderEvent(ctx context.Context, event realtime.Event) error
}

// DriverDirectory resolves a principal so driver assignment can be validated.
type DriverDirectory interface {
	RoleOf(ctx context.Context, id domain.PrincipalID) (domain.Role, error)
}

// Service is the order transaction manager. Every governed mutation runs as
// one unit of work: the policy check reads the row inside the same
// transaction that writes it, and the audit entry commits with the mutation
// or not at all.
type Service struct {
	uow       UnitOfWork
	orders    store.Store
	recorder  *audit.Recorder
	drivers   DriverDirectory
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher wires the propagation layer.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics wires prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithServiceClock sets the clock function for testability.
func WithServiceClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs the order service. drivers may not be nil; assignment
// is externally decided but the target must still be a driver principal.
func NewService(uow UnitOfWork, orders store.Store, recorder *audit.Recorder, drivers DriverDirectory, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		uow:      uow,
		orders:   orders,
		recorder: recorder,
		drivers:  drivers,
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create opens a new order for a restaurant principal. The order row, every
// line row, and the audit entries are one atomic unit; partial insertion is
// never observable.
func (s *Service) Create(ctx context.Context, principal domain.Principal, input models.CreateOrderInput) (*models.Order, error) {
	if decision := policy.Evaluate(principal, policy.ActionCreate, nil); !decision.Allowed {
		s.metrics.IncrementDenials()
		return nil, dErrors.New(dErrors.CodeForbidden, "only restaurant principals may create orders")
	}
	if err := validateCreate(input); err != nil {
		return nil, err
	}

	now := s.clock()
	order := &models.Order{
		ID:              domain.NewOrderID(),
		RestaurantID:    principal.ID,
		Status:          domain.StatusPending,
		TotalCents:      0,
		DeliveryAddress: input.DeliveryAddress,
		Notes:           input.Notes,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	lines := make([]models.OrderLine, 0, len(input.Lines))
	for _, in := range input.Lines {
		lines = append(lines, models.OrderLine{
			ID:             uuid.New(),
			OrderID:        order.ID,
			ProductID:      in.ProductID,
			Quantity:       in.Quantity,
			UnitPriceCents: in.UnitPriceCents,
			SubtotalCents:  in.UnitPriceCents * int64(in.Quantity),
		})
	}

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Insert(ctx, order); err != nil {
			return translateStoreError(err)
		}
		if err := s.orders.InsertLines(ctx, lines); err != nil {
			return translateStoreError(err)
		}
		if err := s.recorder.Record(ctx, audit.Entry{
			Entity:    audit.EntityOrder,
			TargetID:  order.ID.String(),
			Operation: audit.OpInsert,
			ActorID:   principal.ID,
			ActorRole: principal.Role,
			After:     order.Snapshot(),
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "audit capture failed")
		}
		if err := s.recorder.Record(ctx, audit.Entry{
			Entity:    audit.EntityOrderLines,
			TargetID:  order.ID.String(),
			Operation: audit.OpInsert,
			ActorID:   principal.ID,
			ActorRole: principal.Role,
			After:     linesSnapshot(lines),
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "audit capture failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	order.Lines = lines
	s.metrics.IncrementOrdersCreated()
	s.publish(ctx, realtime.Event{
		MessageID:    uuid.NewString(),
		Kind:         realtime.EventOrderCreated,
		OrderID:      order.ID,
		Status:       order.Status,
		RestaurantID: order.RestaurantID,
		Timestamp:    s.clock(),
	})
	return order.Clone(), nil
}

// Transition moves an order along one edge of the status machine. The row is
// read, authorized, and updated inside one transaction; a concurrent
// transition on the same order loses the optimistic version check and
// surfaces CodeConflict (retry is the caller's decision).
func (s *Service) Transition(ctx context.Context, principal domain.Principal, orderID domain.OrderID, target domain.OrderStatus, fields models.TransitionFields) (*models.Order, error) {
	if !target.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid target status")
	}
	action, ok := policy.ActionForTransition(target)
	if !ok {
		// pending is a creation-only status, never a transition target.
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "status "+target.String()+" is not a transition target")
	}
	// A role with no rule for this edge is rejected before the row is read, so
	// the answer is the same whether the order exists or not.
	if !policy.RolePermitted(principal, action) {
		s.metrics.IncrementDenials()
		return nil, dErrors.New(dErrors.CodeForbidden, "operation not permitted for this role")
	}

	var updated *models.Order
	var before domain.OrderStatus

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return translateStoreError(err)
		}

		if decision := policy.Evaluate(principal, action, order); !decision.Allowed {
			s.metrics.IncrementDenials()
			return denialError(decision)
		}
		if !order.Status.CanTransitionTo(target) {
			return dErrors.New(dErrors.CodeInvalidTransition,
				"cannot transition order from "+order.Status.String()+" to "+target.String())
		}

		upd := store.StatusUpdate{
			OrderID:         orderID,
			ExpectedVersion: order.Version,
			NewStatus:       target,
			UpdatedAt:       s.clock(),
		}
		if err := applyFields(action, fields, &upd); err != nil {
			return err
		}
		if action == policy.ActionAssign {
			if err := s.checkDriver(ctx, *fields.DriverID); err != nil {
				return err
			}
		}
		if target == domain.StatusDelivered {
			t := s.clock()
			upd.DeliveredAt = &t
		}

		before = order.Status
		updated, err = s.orders.ApplyTransition(ctx, upd)
		if err != nil {
			return translateStoreError(err)
		}

		if err := s.recorder.Record(ctx, audit.Entry{
			Entity:    audit.EntityOrder,
			TargetID:  orderID.String(),
			Operation: audit.OpUpdate,
			ActorID:   principal.ID,
			ActorRole: principal.Role,
			Before:    order.Snapshot(),
			After:     updated.Snapshot(),
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "audit capture failed")
		}
		return nil
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			s.metrics.IncrementConflicts()
		}
		return nil, err
	}

	s.metrics.IncrementTransition(target.String())
	s.logger.InfoContext(ctx, "order transitioned",
		"order_id", orderID.String(),
		"from", before.String(),
		"to", target.String(),
		"actor_role", principal.Role.String(),
	)
	s.publish(ctx, realtime.Event{
		MessageID:    uuid.NewString(),
		Kind:         realtime.EventOrderStatusChanged,
		OrderID:      updated.ID,
		Status:       updated.Status,
		RestaurantID: updated.RestaurantID,
		DriverID:     updated.DriverID,
		Timestamp:    s.clock(),
	})
	return updated.Clone(), nil
}

// Get returns one order if the caller's policy admits it. Denied and absent
// collapse to the same not-found error for non-owners so row existence is
// never leaked.
func (s *Service) Get(ctx context.Context, principal domain.Principal, orderID domain.OrderID) (*models.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if decision := policy.Evaluate(principal, policy.ActionRead, order); !decision.Allowed {
		s.metrics.IncrementDenials()
		return nil, dErrors.New(dErrors.CodeNotFound, "order not found")
	}
	return order, nil
}

// List returns the orders the caller may read, newest first. Rows the policy
// denies are silently excluded rather than erroring the whole listing.
func (s *Service) List(ctx context.Context, principal domain.Principal, filter models.Filter) ([]*models.Order, error) {
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, translateStoreError(err)
	}
	visible := make([]*models.Order, 0, len(orders))
	for _, order := range orders {
		if policy.Evaluate(principal, policy.ActionRead, order).Allowed {
			visible = append(visible, order)
		}
	}
	return visible, nil
}

func validateCreate(input models.CreateOrderInput) error {
	if input.DeliveryAddress == "" {
		return dErrors.New(dErrors.CodeValidation, "delivery address must not be empty")
	}
	if len(input.Lines) == 0 {
		return dErrors.New(dErrors.CodeValidation, "order must contain at least one line")
	}
	for _, line := range input.Lines {
		if line.ProductID.IsNil() {
			return dErrors.New(dErrors.CodeValidation, "line product id must be set")
		}
		if line.Quantity <= 0 {
			return dErrors.New(dErrors.CodeValidation, "line quantity must be positive")
		}
		if line.UnitPriceCents < 0 {
			return dErrors.New(dErrors.CodeValidation, "line unit price must not be negative")
		}
	}
	return nil
}

// applyFields validates and applies the edge-specific attributes.
func applyFields(action policy.Action, fields models.TransitionFields, upd *store.StatusUpdate) error {
	switch action {
	case policy.ActionPrice:
		if fields.TotalCents == nil || *fields.TotalCents <= 0 {
			return dErrors.New(dErrors.CodeValidation, "pricing requires a positive total")
		}
		upd.TotalCents = fields.TotalCents
	case policy.ActionAssign:
		if fields.DriverID == nil || fields.DriverID.IsNil() {
			return dErrors.New(dErrors.CodeValidation, "assignment requires a driver id")
		}
		upd.DriverID = fields.DriverID
	}
	return nil
}

func (s *Service) checkDriver(ctx context.Context, id domain.PrincipalID) error {
	role, err := s.drivers.RoleOf(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeValidation, "assigned driver does not exist")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "resolve driver")
	}
	if role != domain.RoleDriver {
		return dErrors.New(dErrors.CodeValidation, "assigned principal is not a driver")
	}
	return nil
}

// denialError maps a structured policy denial to the outward error. Ownership
// denials collapse to not-found so probing callers cannot distinguish a row
// they may not see from a row that does not exist. Role-level denials are
// decided by RolePermitted before any row is read, so the forbidden answer
// here never reveals existence; wrong-status is only reachable by the owner.
func denialError(decision policy.Decision) error {
	switch decision.Reason {
	case policy.ReasonNotOwner, policy.ReasonNotAssignee:
		return dErrors.New(dErrors.CodeNotFound, "order not found")
	case policy.ReasonWrongStatus:
		return dErrors.New(dErrors.CodeForbidden, "order is no longer in a state this caller may change")
	default:
		return dErrors.New(dErrors.CodeForbidden, "operation not permitted for this role")
	}
}

func translateStoreError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "order not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "order was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "store call timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "storage failure")
	}
}

func linesSnapshot(lines []models.OrderLine) map[string]any {
	snaps := make([]any, 0, len(lines))
	for _, line := range lines {
		snaps = append(snaps, line.Snapshot())
	}
	return map[string]any{
		"count": len(lines),
		"lines": snaps,
	}
}

// publish hands the committed event to the propagation layer. Failures are
// logged and never surfaced: the mutation has already committed.
func (s *Service) publish(ctx context.Context, event realtime.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			"message_id", event.MessageID,
			"order_id", event.OrderID.String(),
			"error", err,
		)
	}
}
