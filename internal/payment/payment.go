// Package payment defines the fund custody interface and its two backends:
// an on-chain escrow with asynchronous settlement and a custodial
// platform-managed escrow with synchronous settlement.
//
// Providers own the money-side record of each contract (locked, released
// and refunded amounts). The contract state machine owns lifecycle state
// and delegates every fund movement here.
package payment

import (
	"context"
	"errors"
	"time"
)

// Method selects a payment backend for a contract.
type Method string

const (
	MethodOnChain   Method = "ON_CHAIN_ESCROW"
	MethodCustodial Method = "CUSTODIAL_ESCROW"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodOnChain || m == MethodCustodial
}

// Decision is a dispute verdict outcome.
type Decision string

const (
	DecisionFreelancer Decision = "FREELANCER"
	DecisionClient     Decision = "CLIENT"
	DecisionPartial    Decision = "PARTIAL"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionFreelancer || d == DecisionClient || d == DecisionPartial
}

var (
	// ErrInsufficientFunds is returned when the payer cannot cover the
	// requested deposit.
	ErrInsufficientFunds = errors.New("payment: insufficient funds")

	// ErrProviderUnavailable is returned when the backend cannot be
	// reached. The operation had no effect and may be retried.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")

	// ErrInvalidState is returned when an operation does not apply to the
	// provider's current record (unknown milestone, wrong status).
	ErrInvalidState = errors.New("payment: invalid state for operation")

	// ErrSettlementPending is returned while an on-chain transaction is
	// submitted but unconfirmed. No conflicting operation may start until
	// the pending transaction settles.
	ErrSettlementPending = errors.New("payment: settlement pending confirmation")

	// ErrSettlementFailed is returned when settlement definitively failed:
	// retries exhausted, transaction reverted, or a fatal provider error.
	// The provider record did not advance.
	ErrSettlementFailed = errors.New("payment: settlement failed")

	// ErrFrozen is returned when a release is attempted on a milestone
	// frozen by an open dispute.
	ErrFrozen = errors.New("payment: milestone frozen by open dispute")

	// ErrUnknownContract is returned for contracts the provider has no
	// record of (never deposited).
	ErrUnknownContract = errors.New("payment: unknown contract")

	// ErrUnknownMethod is returned by the factory for unregistered methods.
	ErrUnknownMethod = errors.New("payment: unknown payment method")
)

// DepositRequest registers a contract with a provider and locks its funds.
type DepositRequest struct {
	ContractID   string
	ClientID     string
	FreelancerID string
	Amount       int64
}

// Snapshot is the provider's committed money-side view of one contract.
type Snapshot struct {
	ContractID string    `json:"contractId"`
	Method     Method    `json:"method"`
	Locked     int64     `json:"locked"`
	Released   int64     `json:"released"`
	Refunded   int64     `json:"refunded"`
	Frozen     bool      `json:"frozen"`
	PendingTx  string    `json:"pendingTx,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Provider is the uniform fund custody contract implemented by both
// backends. Every settlement reference returned is stable: retrying an
// already-applied operation returns the original reference without moving
// funds again.
type Provider interface {
	// DepositFunds locks the full contract amount in escrow.
	DepositFunds(ctx context.Context, req DepositRequest) (string, error)

	// SubmitMilestone records a milestone submission. No fund movement.
	SubmitMilestone(ctx context.Context, contractID, milestoneID string) error

	// ApproveMilestone releases amount to the freelancer. Idempotent per
	// milestone.
	ApproveMilestone(ctx context.Context, contractID, milestoneID string, amount int64) (string, error)

	// RaiseDispute freezes further release for the disputed milestone.
	RaiseDispute(ctx context.Context, contractID, milestoneID, reason string) (string, error)

	// ResolveDispute executes the verdict split for the frozen milestone.
	// For PARTIAL, the freelancer receives freelancerSharePct percent of
	// amount and the client is refunded the remainder.
	ResolveDispute(ctx context.Context, contractID, milestoneID string, decision Decision, freelancerSharePct int, amount int64) (string, error)

	// CancelContract refunds all locked, unreleased funds to the client.
	CancelContract(ctx context.Context, contractID string) (string, error)

	// ProjectStatus returns the latest committed snapshot, reconciling any
	// pending settlement first.
	ProjectStatus(ctx context.Context, contractID string) (*Snapshot, error)
}

// Factory resolves providers by payment method.
type Factory struct {
	providers map[Method]Provider
}

func NewFactory() *Factory {
	return &Factory{providers: make(map[Method]Provider)}
}

func (f *Factory) Register(m Method, p Provider) {
	f.providers[m] = p
}

// For returns the provider registered for m, or ErrUnknownMethod.
func (f *Factory) For(m Method) (Provider, error) {
	p, ok := f.providers[m]
	if !ok {
		return nil, ErrUnknownMethod
	}
	return p, nil
}
