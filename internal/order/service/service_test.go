package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/audit"
	"dispatch/internal/order/models"
	"dispatch/internal/order/store"
	"dispatch/internal/realtime"
	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
	"dispatch/pkg/platform/sentinel"
)

type fixture struct {
	service    *Service
	orders     *store.InMemoryStore
	auditStore *audit.InMemoryStore
	recorder   *audit.Recorder
	publisher  *capturePublisher
	directory  *fakeDirectory

	restaurant domain.Principal
	admin      domain.Principal
	driver     domain.Principal
}

type fixtureOption func(*fixtureDeps)

type fixtureDeps struct {
	orders     store.Store
	auditStore audit.Store
}

func withOrderStore(s store.Store) fixtureOption {
	return func(d *fixtureDeps) { d.orders = s }
}

func withAuditStore(s audit.Store) fixtureOption {
	return func(d *fixtureDeps) { d.auditStore = s }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		orders:     store.NewInMemory(),
		auditStore: audit.NewInMemoryStore(),
		publisher:  &capturePublisher{},
		directory:  &fakeDirectory{roles: map[domain.PrincipalID]domain.Role{}},
		restaurant: domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleRestaurant},
		admin:      domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleAdmin},
		driver:     domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleDriver},
	}
	f.directory.roles[f.driver.ID] = domain.RoleDriver

	deps := fixtureDeps{orders: f.orders, auditStore: f.auditStore}
	for _, opt := range opts {
		opt(&deps)
	}

	f.recorder = audit.NewRecorder(deps.auditStore)
	f.service = NewService(NewInMemoryTx(), deps.orders, f.recorder, f.directory, testLogger(),
		WithPublisher(f.publisher))
	return f
}

func (f *fixture) createOrder(t *testing.T) *models.Order {
	t.Helper()
	order, err := f.service.Create(context.Background(), f.restaurant, validInput())
	require.NoError(t, err)
	return order
}

// advance walks the order to the given status through the normal actor for
// each edge.
func (f *fixture) advance(t *testing.T, order *models.Order, target domain.OrderStatus) *models.Order {
	t.Helper()
	ctx := context.Background()

	steps := []struct {
		status domain.OrderStatus
		actor  domain.Principal
		fields models.TransitionFields
	}{
		{domain.StatusConfirmed, f.admin, models.TransitionFields{}},
		{domain.StatusPriced, f.admin, models.TransitionFields{TotalCents: ptrInt64(4500)}},
		{domain.StatusAssigned, f.admin, models.TransitionFields{DriverID: &f.driver.ID}},
		{domain.StatusPickedUp, f.driver, models.TransitionFields{}},
		{domain.StatusInTransit, f.driver, models.TransitionFields{}},
		{domain.StatusDelivered, f.driver, models.TransitionFields{}},
	}
	for _, step := range steps {
		var err error
		order, err = f.service.Transition(ctx, step.actor, order.ID, step.status, step.fields)
		require.NoError(t, err, "transition to %s", step.status)
		if order.Status == target {
			return order
		}
	}
	return order
}

func validInput() models.CreateOrderInput {
	return models.CreateOrderInput{
		DeliveryAddress: "12 Rustaveli Ave",
		Notes:           "ring the bell",
		Lines: []models.LineInput{
			{ProductID: domain.NewProductID(), Quantity: 2, UnitPriceCents: 1200},
			{ProductID: domain.NewProductID(), Quantity: 1, UnitPriceCents: 800},
		},
	}
}

func ptrInt64(v int64) *int64 { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDirectory struct {
	mu    sync.Mutex
	roles map[domain.PrincipalID]domain.Role
}

func (d *fakeDirectory) RoleOf(_ context.Context, id domain.PrincipalID) (domain.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[id]
	if !ok {
		return "", fmt.Errorf("principal %s: %w", id, sentinel.ErrNotFound)
	}
	return role, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *capturePublisher) PublishOrderEvent(_ context.Context, event realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Events() []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]realtime.Event, len(p.events))
	copy(out, p.events)
	return out
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending order with lines and audit entries", func(t *testing.T) {
		f := newFixture(t)

		order, err := f.service.Create(ctx, f.restaurant, validInput())
		require.NoError(t, err)

		assert.Equal(t, domain.StatusPending, order.Status)
		assert.Equal(t, f.restaurant.ID, order.RestaurantID)
		assert.Equal(t, int64(0), order.TotalCents)
		assert.Equal(t, 1, order.Version)
		require.Len(t, order.Lines, 2)
		assert.Equal(t, int64(2400), order.Lines[0].SubtotalCents)
		assert.Equal(t, int64(800), order.Lines[1].SubtotalCents)

		// One entry for the order row, one batched entry for the lines.
		orderTrail, err := f.recorder.Entries(ctx, f.admin, audit.EntityOrder, order.ID.String())
		require.NoError(t, err)
		require.Len(t, orderTrail, 1)
		assert.Equal(t, audit.OpInsert, orderTrail[0].Operation)
		assert.Equal(t, f.restaurant.ID, orderTrail[0].ActorID)
		assert.Nil(t, orderTrail[0].Before)

		lineTrail, err := f.recorder.Entries(ctx, f.admin, audit.EntityOrderLines, order.ID.String())
		require.NoError(t, err)
		require.Len(t, lineTrail, 1)
		assert.Equal(t, 2, lineTrail[0].After["count"])

		events := f.publisher.Events()
		require.Len(t, events, 1)
		assert.Equal(t, realtime.EventOrderCreated, events[0].Kind)
		assert.Equal(t, order.ID, events[0].OrderID)
	})

	t.Run("rejects non-restaurant principals", func(t *testing.T) {
		f := newFixture(t)

		for _, p := range []domain.Principal{f.admin, f.driver} {
			_, err := f.service.Create(ctx, p, validInput())
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "role %s", p.Role)
		}
	})

	t.Run("validation failures", func(t *testing.T) {
		f := newFixture(t)

		cases := []struct {
			name   string
			mutate func(*models.CreateOrderInput)
		}{
			{"empty address", func(in *models.CreateOrderInput) { in.DeliveryAddress = "" }},
			{"no lines", func(in *models.CreateOrderInput) { in.Lines = nil }},
			{"zero quantity", func(in *models.CreateOrderInput) { in.Lines[0].Quantity = 0 }},
			{"negative quantity", func(in *models.CreateOrderInput) { in.Lines[0].Quantity = -3 }},
			{"negative price", func(in *models.CreateOrderInput) { in.Lines[0].UnitPriceCents = -1 }},
			{"nil product", func(in *models.CreateOrderInput) { in.Lines[0].ProductID = domain.ProductID{} }},
		}
		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				input := validInput()
				c.mutate(&input)
				_, err := f.service.Create(ctx, f.restaurant, input)
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			})
		}

		// Nothing reached storage.
		orders, lines := f.orders.CountRows()
		assert.Zero(t, orders)
		assert.Zero(t, lines)
		assert.Zero(t, f.auditStore.Len())
	})
}

// failingAuditStore fails Append after allowing n successful calls.
type failingAuditStore struct {
	audit.Store
	mu      sync.Mutex
	allowed int
}

func (s *failingAuditStore) Append(ctx context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed <= 0 {
		return fmt.Errorf("audit backend down")
	}
	s.allowed--
	return s.Store.Append(ctx, entry)
}

// failingLineStore fails InsertLines unconditionally.
type failingLineStore struct {
	store.Store
}

func (s *failingLineStore) InsertLines(context.Context, []models.OrderLine) error {
	return fmt.Errorf("disk full")
}

func TestCreate_Atomicity(t *testing.T) {
	ctx := context.Background()

	t.Run("line insert failure rolls back order row", func(t *testing.T) {
		inner := store.NewInMemory()
		f := newFixture(t, withOrderStore(&failingLineStore{Store: inner}))

		_, err := f.service.Create(ctx, f.restaurant, validInput())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))

		orders, lines := inner.CountRows()
		assert.Zero(t, orders, "order row must not survive a failed unit of work")
		assert.Zero(t, lines)
		assert.Zero(t, f.auditStore.Len())
		assert.Empty(t, f.publisher.Events(), "no event for an uncommitted order")
	})

	t.Run("audit failure rolls back order and lines", func(t *testing.T) {
		innerAudit := audit.NewInMemoryStore()
		f := newFixture(t, withAuditStore(&failingAuditStore{Store: innerAudit, allowed: 1}))

		_, err := f.service.Create(ctx, f.restaurant, validInput())
		require.Error(t, err)

		orders, lines := f.orders.CountRows()
		assert.Zero(t, orders)
		assert.Zero(t, lines)
		assert.Zero(t, innerAudit.Len(), "partial audit writes must be undone")
		assert.Empty(t, f.publisher.Events())
	})
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("full lifecycle to delivered", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		order = f.advance(t, order, domain.StatusDelivered)

		assert.Equal(t, domain.StatusDelivered, order.Status)
		assert.Equal(t, int64(4500), order.TotalCents)
		require.NotNil(t, order.DriverID)
		assert.Equal(t, f.driver.ID, *order.DriverID)
		require.NotNil(t, order.DeliveredAt)
		assert.Equal(t, 7, order.Version, "six transitions on top of version 1")

		// Create wrote 1 order entry; each transition appended one more.
		trail, err := f.recorder.Entries(ctx, f.admin, audit.EntityOrder, order.ID.String())
		require.NoError(t, err)
		require.Len(t, trail, 7)
		for _, entry := range trail[1:] {
			assert.Equal(t, audit.OpUpdate, entry.Operation)
			assert.NotNil(t, entry.Before)
			assert.NotNil(t, entry.After)
		}
		// Attribution: priced by admin, delivered by driver.
		assert.Equal(t, f.admin.ID, trail[2].ActorID)
		assert.Equal(t, "priced", trail[2].After["status"])
		assert.Equal(t, f.driver.ID, trail[6].ActorID)
		assert.Equal(t, "delivered", trail[6].After["status"])

		// One created event plus six status changes.
		events := f.publisher.Events()
		require.Len(t, events, 7)
		assert.Equal(t, realtime.EventOrderStatusChanged, events[1].Kind)
	})

	t.Run("rejects edges outside the state machine", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		_, err := f.service.Transition(ctx, f.admin, order.ID, domain.StatusDelivered, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

		_, err = f.service.Transition(ctx, f.admin, order.ID, domain.StatusPending, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	t.Run("terminal states admit nothing", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		_, err := f.service.Transition(ctx, f.admin, order.ID, domain.StatusCancelled, models.TransitionFields{})
		require.NoError(t, err)

		_, err = f.service.Transition(ctx, f.admin, order.ID, domain.StatusConfirmed, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	t.Run("pricing requires a positive total", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		order = f.advance(t, order, domain.StatusConfirmed)

		_, err := f.service.Transition(ctx, f.admin, order.ID, domain.StatusPriced, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = f.service.Transition(ctx, f.admin, order.ID, domain.StatusPriced,
			models.TransitionFields{TotalCents: ptrInt64(0)})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("assignment requires an existing driver principal", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		order = f.advance(t, order, domain.StatusPriced)

		_, err := f.service.Transition(ctx, f.admin, order.ID, domain.StatusAssigned, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

		unknown := domain.NewPrincipalID()
		_, err = f.service.Transition(ctx, f.admin, order.ID, domain.StatusAssigned,
			models.TransitionFields{DriverID: &unknown})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

		// A restaurant principal is not an assignable driver.
		f.directory.roles[f.restaurant.ID] = domain.RoleRestaurant
		_, err = f.service.Transition(ctx, f.admin, order.ID, domain.StatusAssigned,
			models.TransitionFields{DriverID: &f.restaurant.ID})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("restaurant may cancel only while pending", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		confirmed, err := f.service.Transition(ctx, f.admin, order.ID, domain.StatusConfirmed, models.TransitionFields{})
		require.NoError(t, err)

		_, err = f.service.Transition(ctx, f.restaurant, confirmed.ID, domain.StatusCancelled, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))

		// Admin still can.
		cancelled, err := f.service.Transition(ctx, f.admin, confirmed.ID, domain.StatusCancelled, models.TransitionFields{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	})

	t.Run("failed transition leaves no audit entry", func(t *testing.T) {
		innerAudit := audit.NewInMemoryStore()
		// Allow the two create entries, then fail.
		f := newFixture(t, withAuditStore(&failingAuditStore{Store: innerAudit, allowed: 2}))
		order := f.createOrder(t)

		_, err := f.service.Transition(ctx, f.admin, order.ID, domain.StatusConfirmed, models.TransitionFields{})
		require.Error(t, err)

		got, err := f.orders.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status, "status change must roll back with the audit failure")
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, 2, innerAudit.Len())
	})
}

func TestTransition_ExistenceCollapse(t *testing.T) {
	ctx := context.Background()

	t.Run("foreign restaurant sees not found, not forbidden", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		other := domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleRestaurant}
		_, err := f.service.Transition(ctx, other, order.ID, domain.StatusCancelled, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

		// Indistinguishable from a genuinely absent order.
		_, absentErr := f.service.Transition(ctx, other, domain.NewOrderID(), domain.StatusCancelled, models.TransitionFields{})
		assert.Equal(t, dErrors.CodeOf(absentErr), dErrors.CodeOf(err))
	})

	t.Run("unassigned driver sees not found", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		order = f.advance(t, order, domain.StatusAssigned)

		stranger := domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleDriver}
		_, err := f.service.Transition(ctx, stranger, order.ID, domain.StatusPickedUp, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	t.Run("role-level denial stays forbidden", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		// The owner knows its own order exists; confirm is simply not its verb.
		_, err := f.service.Transition(ctx, f.restaurant, order.ID, domain.StatusConfirmed, models.TransitionFields{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	t.Run("role-forbidden edges do not reveal existence", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		foreign := domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleRestaurant}
		cases := []struct {
			name   string
			caller domain.Principal
			target domain.OrderStatus
		}{
			{"foreign restaurant confirms", foreign, domain.StatusConfirmed},
			{"driver prices", f.driver, domain.StatusPriced},
			{"driver assigns", f.driver, domain.StatusAssigned},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, existingErr := f.service.Transition(ctx, tc.caller, order.ID, tc.target, models.TransitionFields{})
				require.Error(t, existingErr)
				assert.True(t, dErrors.HasCode(existingErr, dErrors.CodeForbidden))

				// The same call against an order that does not exist must be
				// indistinguishable.
				_, absentErr := f.service.Transition(ctx, tc.caller, domain.NewOrderID(), tc.target, models.TransitionFields{})
				require.Error(t, absentErr)
				assert.Equal(t, existingErr.Error(), absentErr.Error())
			})
		}
	})
}

func TestGetAndList_Scoping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mine := f.createOrder(t)
	other := domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleRestaurant}
	theirs, err := f.service.Create(ctx, other, validInput())
	require.NoError(t, err)

	t.Run("get collapses denied to not found", func(t *testing.T) {
		_, err := f.service.Get(ctx, f.restaurant, theirs.ID)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

		got, err := f.service.Get(ctx, f.restaurant, mine.ID)
		require.NoError(t, err)
		assert.Equal(t, mine.ID, got.ID)
	})

	t.Run("list filters rows per caller", func(t *testing.T) {
		visible, err := f.service.List(ctx, f.restaurant, models.Filter{})
		require.NoError(t, err)
		require.Len(t, visible, 1)
		assert.Equal(t, mine.ID, visible[0].ID)

		all, err := f.service.List(ctx, f.admin, models.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		none, err := f.service.List(ctx, f.driver, models.Filter{})
		require.NoError(t, err)
		assert.Empty(t, none, "driver with no assignments sees nothing")
	})

	t.Run("assigned driver sees its order", func(t *testing.T) {
		f.advance(t, mine, domain.StatusAssigned)

		visible, err := f.service.List(ctx, f.driver, models.Filter{})
		require.NoError(t, err)
		require.Len(t, visible, 1)
		assert.Equal(t, mine.ID, visible[0].ID)
	})
}

// barrierStore holds every Get until two readers have both read, forcing the
// interleaving where two transitions race on the same version.
type barrierStore struct {
	store.Store
	ready chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newBarrierStore(inner store.Store) *barrierStore {
	b := &barrierStore{Store: inner, ready: make(chan struct{})}
	b.wg.Add(2)
	return b
}

func (b *barrierStore) Get(ctx context.Context, id domain.OrderID) (*models.Order, error) {
	order, err := b.Store.Get(ctx, id)
	b.wg.Done()
	b.wg.Wait()
	return order, err
}

func TestTransition_ConcurrentAssignment(t *testing.T) {
	ctx := context.Background()

	inner := store.NewInMemory()
	barrier := newBarrierStore(inner)
	f := newFixture(t, withOrderStore(barrier))

	order := f.createOrder(t)

	// Reach priced without tripping the barrier: direct store transitions.
	now := time.Now()
	_, err := inner.ApplyTransition(ctx, store.StatusUpdate{
		OrderID: order.ID, ExpectedVersion: 1, NewStatus: domain.StatusConfirmed, UpdatedAt: now,
	})
	require.NoError(t, err)
	total := int64(4500)
	_, err = inner.ApplyTransition(ctx, store.StatusUpdate{
		OrderID: order.ID, ExpectedVersion: 2, NewStatus: domain.StatusPriced, TotalCents: &total, UpdatedAt: now,
	})
	require.NoError(t, err)

	driverB := domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleDriver}
	f.directory.roles[driverB.ID] = domain.RoleDriver

	results := make(chan error, 2)
	assign := func(driverID domain.PrincipalID) {
		_, err := f.service.Transition(ctx, f.admin, order.ID, domain.StatusAssigned,
			models.TransitionFields{DriverID: &driverID})
		results <- err
	}
	go assign(f.driver.ID)
	go assign(driverB.ID)

	var errs []error
	for i := 0; i < 2; i++ {
		errs = append(errs, <-results)
	}

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case dErrors.HasCode(err, dErrors.CodeConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one assignment wins")
	assert.Equal(t, 1, conflicted, "the loser surfaces a retryable conflict")

	final, err := inner.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, final.Status)
	require.NotNil(t, final.DriverID)
	assert.Equal(t, 4, final.Version)

	// The losing attempt left no audit entry.
	trail, err := f.recorder.Entries(ctx, f.admin, audit.EntityOrder, order.ID.String())
	require.NoError(t, err)
	assert.Len(t, trail, 2, "create entry plus the single winning assignment")
}
