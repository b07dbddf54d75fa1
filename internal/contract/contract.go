// Package contract implements the escrow contract state machine and the
// milestone ledger. It owns the canonical lifecycle state of every
// engagement and delegates all fund movement to a payment provider.
package contract

import (
	"context"
	"errors"
	"time"

	"github.com/fairwork/escrowd/internal/payment"
)

// State is a contract lifecycle state.
type State string

const (
	StateCreated    State = "CREATED"
	StateFunded     State = "FUNDED"
	StateInProgress State = "IN_PROGRESS"
	StateDisputed   State = "DISPUTED"
	StateCompleted  State = "COMPLETED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// MilestoneStatus is a milestone lifecycle state.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "PENDING"
	MilestoneSubmitted MilestoneStatus = "SUBMITTED"
	MilestoneApproved  MilestoneStatus = "APPROVED"
	MilestoneDisputed  MilestoneStatus = "DISPUTED"
)

var (
	// ErrInvalidTransition is returned for any operation outside the
	// transition table. The stored state is unchanged.
	ErrInvalidTransition = errors.New("contract: invalid transition")

	// ErrNotFound is returned for unknown contract IDs.
	ErrNotFound = errors.New("contract: not found")

	// ErrMilestoneNotFound is returned for unknown milestone IDs.
	ErrMilestoneNotFound = errors.New("contract: milestone not found")

	// ErrReconciliationRequired is returned while a contract is flagged
	// after an ambiguous settlement outcome. Mutations stay blocked until
	// an operator reconciles and clears the flag.
	ErrReconciliationRequired = errors.New("contract: manual reconciliation required")

	// ErrInvalidSchedule is returned when a milestone schedule does not
	// partition the contract total.
	ErrInvalidSchedule = errors.New("contract: milestone amounts must sum to the contract total")
)

// Contract is one escrowed engagement between a client and a freelancer.
type Contract struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId"`
	FreelancerID   string         `json:"freelancerId"`
	Method         payment.Method `json:"paymentMethod"`
	State          State          `json:"state"`
	TotalAmount    int64          `json:"totalAmount"`
	ReleasedAmount int64          `json:"releasedAmount"`
	RefundedAmount int64          `json:"refundedAmount"`

	// ExternalRef is the chain address or custodial order ID, set exactly
	// once at FUNDED entry.
	ExternalRef string `json:"externalRef,omitempty"`

	// RequiresReconciliation marks a contract whose last settlement call
	// failed in a way that may or may not have applied on the provider
	// side. Further mutations are blocked until an operator clears it.
	RequiresReconciliation bool `json:"requiresReconciliation"`

	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Milestone is an ordered, priced sub-deliverable of a contract.
type Milestone struct {
	ID            string          `json:"id"`
	ContractID    string          `json:"contractId"`
	SequenceIndex int             `json:"sequenceIndex"`
	Amount        int64           `json:"amount"`
	Description   string          `json:"description"`
	Status        MilestoneStatus `json:"status"`
	SettlementRef string          `json:"settlementRef,omitempty"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	ApprovedAt    *time.Time      `json:"approvedAt,omitempty"`
}

// Store persists contracts and their milestone ledgers.
type Store interface {
	CreateContract(ctx context.Context, c *Contract, milestones []*Milestone) error
	GetContract(ctx context.Context, id string) (*Contract, error)
	UpdateContract(ctx context.Context, c *Contract) error

	GetMilestone(ctx context.Context, contractID, milestoneID string) (*Milestone, error)
	ListMilestones(ctx context.Context, contractID string) ([]*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error

	// ListByParticipant returns every contract where identity is the
	// client or the freelancer. Feeds the balance read-model.
	ListByParticipant(ctx context.Context, identity string) ([]*Contract, error)
}

// DisputeOpener opens a dispute case when a milestone is contested. The
// dispute engine provides the implementation; the interface lives here so
// the packages do not import each other.
type DisputeOpener interface {
	OpenDispute(ctx context.Context, contractID, milestoneID, raisedBy, raisedByRole, reason string, evidence []string) (string, error)
}

// Emitter publishes domain events. Delivery is fire-and-forget.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any)
}
