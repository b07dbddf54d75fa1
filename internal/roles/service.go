package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairwork/escrowd/internal/logging"
)

// Service enforces the bind-once rule over a Store.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Bind assigns role to identity on contractID. Binding the same role twice
// is idempotent and returns the existing binding. Binding a different role
// returns ErrRoleConflict.
func (s *Service) Bind(ctx context.Context, identity, contractID string, role Role) (*Binding, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	existing, err := s.store.Get(ctx, identity, contractID)
	if err == nil {
		if existing.Role == role {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s is bound as %s on %s", ErrRoleConflict, identity, existing.Role, contractID)
	}
	if !errors.Is(err, ErrNotBound) {
		return nil, fmt.Errorf("lookup binding: %w", err)
	}

	b := &Binding{Identity: identity, ContractID: contractID, Role: role, BoundAt: s.now()}
	if err := s.store.Create(ctx, b); err != nil {
		// Lost a concurrent bind race: re-read and apply the same rules.
		if errors.Is(err, ErrRoleConflict) {
			winner, gerr := s.store.Get(ctx, identity, contractID)
			if gerr == nil && winner.Role == role {
				return winner, nil
			}
			return nil, fmt.Errorf("%w: %s on %s", ErrRoleConflict, identity, contractID)
		}
		return nil, fmt.Errorf("create binding: %w", err)
	}

	logging.L(ctx).Info("role bound", "identity", identity, "contract_id", contractID, "role", role)
	return b, nil
}

// CanAct reports whether identity is bound to role on contractID.
func (s *Service) CanAct(ctx context.Context, identity, contractID string, role Role) (bool, error) {
	b, err := s.store.Get(ctx, identity, contractID)
	if errors.Is(err, ErrNotBound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.Role == role, nil
}

// RoleOf returns the role bound to identity on contractID, or ErrNotBound.
func (s *Service) RoleOf(ctx context.Context, identity, contractID string) (Role, error) {
	b, err := s.store.Get(ctx, identity, contractID)
	if err != nil {
		return "", err
	}
	return b.Role, nil
}

// Participants returns all bindings on a contract.
func (s *Service) Participants(ctx context.Context, contractID string) ([]*Binding, error) {
	return s.store.ListByContract(ctx, contractID)
}
