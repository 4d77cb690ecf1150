package principal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dispatch/internal/audit"
	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
	"dispatch/pkg/platform/sentinel"
)

// UnitOfWork is the atomicity boundary for audited principal mutations.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

const minPasswordLength = 8

// Service manages principal accounts: provisioning, credential checks, and
// the admin-gated role change.
type Service struct {
	uow      UnitOfWork
	store    Store
	recorder *audit.Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs the principal service.
func NewService(uow UnitOfWork, store Store, recorder *audit.Recorder, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		uow:      uow,
		store:    store,
		recorder: recorder,
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

// Provision registers a new account with a bcrypt-hashed password.
func (s *Service) Provision(ctx context.Context, input ProvisionInput) (*Account, error) {
	if input.Name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "name must not be empty")
	}
	if !input.Role.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown role")
	}
	if len(input.Password) < minPasswordLength {
		return nil, dErrors.New(dErrors.CodeValidation, "password too short")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}

	now := s.clock()
	account := &Account{
		ID:           domain.NewPrincipalID(),
		Name:         input.Name,
		Role:         input.Role,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Insert(ctx, account); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeConflict, "principal name already taken")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "insert principal")
		}
		return s.recorder.Record(ctx, audit.Entry{
			Entity:    audit.EntityPrincipal,
			TargetID:  account.ID.String(),
			Operation: audit.OpInsert,
			ActorID:   account.ID,
			ActorRole: account.Role,
			After:     account.Snapshot(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "principal provisioned",
		"principal_id", account.ID.String(),
		"role", account.Role.String(),
	)
	return account.Clone(), nil
}

// Authenticate checks name/password credentials. Wrong name and wrong
// password yield the same error.
func (s *Service) Authenticate(ctx context.Context, name, password string) (*Account, error) {
	account, err := s.store.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "query principal")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}
	return account, nil
}

// UpdateRole changes an account's role. Admin only; the change and its actor
// are audited in the same transaction.
func (s *Service) UpdateRole(ctx context.Context, actor domain.Principal, id domain.PrincipalID, role domain.Role) (*Account, error) {
	if !actor.IsAdmin() {
		return nil, dErrors.New(dErrors.CodeForbidden, "only admins may change roles")
	}
	if !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown role")
	}

	var updated *Account
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		before, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Wrap(err, dErrors.CodeNotFound, "principal not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "query principal")
		}

		updated, err = s.store.UpdateRole(ctx, id, role, s.clock())
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Wrap(err, dErrors.CodeNotFound, "principal not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "update principal role")
		}

		return s.recorder.Record(ctx, audit.Entry{
			Entity:    audit.EntityPrincipal,
			TargetID:  id.String(),
			Operation: audit.OpUpdate,
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			Before:    before.Snapshot(),
			After:     updated.Snapshot(),
		})
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Get reads one account. A principal may read itself; admins may read anyone.
// Denial and absence are indistinguishable so callers cannot probe for
// existing accounts.
func (s *Service) Get(ctx context.Context, actor domain.Principal, id domain.PrincipalID) (*Account, error) {
	if !actor.IsAdmin() && actor.ID != id {
		return nil, dErrors.New(dErrors.CodeNotFound, "principal not found")
	}
	account, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "principal not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "query principal")
	}
	return account.Clone(), nil
}

// RoleOf resolves the role of a principal. It backs driver validation during
// order assignment.
func (s *Service) RoleOf(ctx context.Context, id domain.PrincipalID) (domain.Role, error) {
	account, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return account.Role, nil
}
