// Package roles implements the role binding registry. An identity acting on
// a contract is permanently bound to one role for that contract; the first
// bind wins and later binds to a different role are rejected.
package roles

import (
	"context"
	"errors"
	"time"
)

// Role is a participant role on one contract.
type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleFreelancer Role = "FREELANCER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleFreelancer
}

var (
	// ErrRoleConflict is returned when an identity already bound to a
	// different role on the contract attempts to bind again.
	ErrRoleConflict = errors.New("roles: identity already bound to a different role")

	// ErrNotBound is returned when looking up a pair with no binding.
	ErrNotBound = errors.New("roles: no role binding")

	// ErrInvalidRole is returned for unknown role names.
	ErrInvalidRole = errors.New("roles: invalid role")
)

// Binding records an identity's permanent role on one contract.
type Binding struct {
	Identity   string    `json:"identity"`
	ContractID string    `json:"contractId"`
	Role       Role      `json:"role"`
	BoundAt    time.Time `json:"boundAt"`
}

// Store persists role bindings.
type Store interface {
	// Create inserts a binding. Returns ErrRoleConflict if the
	// (identity, contractId) pair is already bound; the caller handles
	// same-role idempotency.
	Create(ctx context.Context, b *Binding) error
	// Get returns the binding for (identity, contractId), or ErrNotBound.
	Get(ctx context.Context, identity, contractID string) (*Binding, error)
	// ListByContract returns all bindings on a contract.
	ListByContract(ctx context.Context, contractID string) ([]*Binding, error)
}
