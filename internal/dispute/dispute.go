// Package dispute implements the three-layer dispute resolution protocol:
// automated analysis, expert panel voting, and a binding admin verdict.
// The first two layers are advisory; only the arbitrator's verdict moves
// funds, exactly once.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/fairwork/escrowd/internal/payment"
)

// Status is a dispute case sub-state.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAIAnalyzed   Status = "AI_ANALYZED"
	StatusExpertVoting Status = "EXPERT_VOTING"
	StatusAdminReview  Status = "ADMIN_REVIEW"
	StatusResolved     Status = "RESOLVED"
)

var (
	// ErrNotFound is returned for unknown dispute IDs.
	ErrNotFound = errors.New("dispute: not found")

	// ErrAlreadyResolved is returned when a verdict is submitted against a
	// RESOLVED case. The payment provider is never called a second time.
	ErrAlreadyResolved = errors.New("dispute: already resolved")

	// ErrInvalidStatus is returned for operations outside the sub-state
	// machine.
	ErrInvalidStatus = errors.New("dispute: operation not allowed in current status")

	// ErrDuplicateVote is returned when an expert votes twice.
	ErrDuplicateVote = errors.New("dispute: expert already voted")

	// ErrNotPanelist is returned when a vote comes from outside the
	// invited panel.
	ErrNotPanelist = errors.New("dispute: expert not on the panel")

	// ErrNotArbitrator is returned when the verdict comes from anyone but
	// the designated arbitrator.
	ErrNotArbitrator = errors.New("dispute: caller is not the designated arbitrator")

	// ErrReasoningRequired is returned when a verdict carries no written
	// reasoning.
	ErrReasoningRequired = errors.New("dispute: verdict reasoning is mandatory")

	// ErrInvalidShare is returned for PARTIAL verdicts without a share in
	// 0..100.
	ErrInvalidShare = errors.New("dispute: freelancer share must be between 0 and 100")
)

// Recommendation is the automated scorer's advisory output.
type Recommendation struct {
	Outcome    payment.Decision `json:"outcome"`
	Confidence int              `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
}

// Vote is one expert's advisory recommendation. SharePct is meaningful
// only for PARTIAL votes.
type Vote struct {
	ExpertID  string           `json:"expertId"`
	Outcome   payment.Decision `json:"outcome"`
	SharePct  int              `json:"sharePct,omitempty"`
	Reasoning string           `json:"reasoning"`
	CastAt    time.Time        `json:"castAt"`
}

// Tally is the aggregated advisory result presented to the arbitrator.
// Lean is empty when the panel reached no plurality: the case escalates
// with no lean rather than fabricating a majority.
type Tally struct {
	Counts          map[payment.Decision]int `json:"counts"`
	Lean            payment.Decision         `json:"lean,omitempty"`
	LeanSharePct    int                      `json:"leanSharePct,omitempty"`
	IncompletePanel bool                     `json:"incompletePanel"`
}

// Verdict is the binding admin decision, set exactly once.
type Verdict struct {
	Outcome            payment.Decision `json:"outcome"`
	FreelancerSharePct int              `json:"freelancerSharePct,omitempty"`
	Reasoning          string           `json:"reasoning"`
	ArbitratorID       string           `json:"arbitratorId"`
	IssuedAt           time.Time        `json:"issuedAt"`
}

// Case is one dispute against a specific milestone. A RESOLVED case is
// immutable and retained as an audit record.
type Case struct {
	ID           string   `json:"id"`
	ContractID   string   `json:"contractId"`
	MilestoneID  string   `json:"milestoneId"`
	RaisedBy     string   `json:"raisedBy"`
	RaisedByRole string   `json:"raisedByRole"`
	Reason       string   `json:"reason"`
	Evidence     []string `json:"evidence,omitempty"`

	Status Status          `json:"status"`
	AI     *Recommendation `json:"aiRecommendation,omitempty"`

	Panel          []string   `json:"panel,omitempty"`
	Votes          []Vote     `json:"expertVotes,omitempty"`
	VotingDeadline *time.Time `json:"votingDeadline,omitempty"`
	Tally          *Tally     `json:"tally,omitempty"`

	Arbitrator    string     `json:"arbitrator,omitempty"`
	Verdict       *Verdict   `json:"finalVerdict,omitempty"`
	SettlementRef string     `json:"settlementRef,omitempty"`
	OpenedAt      time.Time  `json:"openedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists dispute cases.
type Store interface {
	Create(ctx context.Context, d *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	Update(ctx context.Context, d *Case) error
	ListByStatus(ctx context.Context, status Status) ([]*Case, error)
}

// Settler executes a binding verdict on the contract engine. The contract
// service provides the implementation; the interface lives here so the
// packages do not import each other.
type Settler interface {
	ExecuteVerdict(ctx context.Context, contractID, milestoneID string, decision payment.Decision, freelancerSharePct int) (string, error)
}

// Scorer is the automated-analysis collaborator. Untrusted, advisory only.
type Scorer interface {
	Score(ctx context.Context, input ScoreInput) (*Recommendation, error)
}

// ScoreInput is what the scorer sees: the complaint and evidence refs,
// never raw file bytes.
type ScoreInput struct {
	ContractID  string
	MilestoneID string
	Reason      string
	Evidence    []string
}

// Emitter publishes domain events. Delivery is fire-and-forget.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any)
}
