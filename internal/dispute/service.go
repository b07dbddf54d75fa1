package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/fairwork/escrowd/internal/events"
	"github.com/fairwork/escrowd/internal/idgen"
	"github.com/fairwork/escrowd/internal/logging"
	"github.com/fairwork/escrowd/internal/metrics"
	"github.com/fairwork/escrowd/internal/payment"
	"github.com/fairwork/escrowd/internal/syncutil"
	"github.com/fairwork/escrowd/internal/traces"
)

// Service drives the dispute sub-state machine. Mutations on one case are
// serialized through a per-case lock so a verdict can never race another
// verdict into a second fund movement.
type Service struct {
	store  Store
	scorer Scorer
	locks  *syncutil.ContextShardedMutex

	settler Settler
	emitter Emitter

	panelSize         int
	votingWindow      time.Duration
	defaultArbitrator string
	analysisTimeout   time.Duration
	now               func() time.Time
}

func NewService(store Store, scorer Scorer, panelSize int, votingWindow time.Duration, defaultArbitrator string, analysisTimeout time.Duration) *Service {
	if panelSize < 1 {
		panelSize = 3
	}
	if votingWindow <= 0 {
		votingWindow = 72 * time.Hour
	}
	if analysisTimeout <= 0 {
		analysisTimeout = 15 * time.Second
	}
	return &Service{
		store:             store,
		scorer:            scorer,
		locks:             syncutil.NewContextShardedMutex(),
		panelSize:         panelSize,
		votingWindow:      votingWindow,
		defaultArbitrator: defaultArbitrator,
		analysisTimeout:   analysisTimeout,
		now:               time.Now,
	}
}

// WithSettler wires the contract engine in. Without it, verdicts cannot
// execute.
func (s *Service) WithSettler(settler Settler) *Service {
	s.settler = settler
	return s
}

// WithEmitter wires the domain event stream in.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

// OpenDispute creates a case in OPEN. Called by the contract engine when a
// milestone is contested; satisfies its DisputeOpener interface.
func (s *Service) OpenDispute(ctx context.Context, contractID, milestoneID, raisedBy, raisedByRole, reason string, evidence []string) (string, error) {
	ctx, span := traces.Start(ctx, "dispute.open")
	defer span.End()

	d := &Case{
		ID:           idgen.WithPrefix("dsp_"),
		ContractID:   contractID,
		MilestoneID:  milestoneID,
		RaisedBy:     raisedBy,
		RaisedByRole: raisedByRole,
		Reason:       reason,
		Evidence:     evidence,
		Status:       StatusOpen,
		Arbitrator:   s.defaultArbitrator,
		OpenedAt:     s.now(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return "", fmt.Errorf("persist dispute: %w", err)
	}
	metrics.DisputesOpen.Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute_id", d.ID, "contract_id", contractID, "milestone_id", milestoneID,
		"raised_by", raisedBy, "role", raisedByRole)
	return d.ID, nil
}

// AddEvidence appends evidence references while the case is still
// collecting them. Evidence is append-only.
func (s *Service) AddEvidence(ctx context.Context, disputeID string, refs []string) (*Case, error) {
	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: evidence closed in %s", ErrInvalidStatus, d.Status)
	}
	d.Evidence = append(d.Evidence, refs...)
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("persist evidence: %w", err)
	}
	return d, nil
}

// Analyze runs the automated scorer once: OPEN -> AI_ANALYZED. A scorer
// failure degrades to "no recommendation available" and never blocks the
// dispute from proceeding.
func (s *Service) Analyze(ctx context.Context, disputeID string) (*Case, error) {
	ctx, span := traces.Start(ctx, "dispute.analyze")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: analyze from %s", ErrInvalidStatus, d.Status)
	}

	if s.scorer != nil {
		sctx, cancel := context.WithTimeout(ctx, s.analysisTimeout)
		rec, serr := s.scorer.Score(sctx, ScoreInput{
			ContractID:  d.ContractID,
			MilestoneID: d.MilestoneID,
			Reason:      d.Reason,
			Evidence:    d.Evidence,
		})
		cancel()
		if serr != nil {
			logging.L(ctx).Warn("automated scorer unavailable, proceeding without recommendation",
				"dispute_id", d.ID, "error", serr)
		} else {
			d.AI = rec
		}
	}

	d.Status = StatusAIAnalyzed
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("persist analysis: %w", err)
	}
	return d, nil
}

// StartVoting invites the expert panel: AI_ANALYZED -> EXPERT_VOTING. The
// voting window starts now; once it elapses the case advances with the
// votes collected.
func (s *Service) StartVoting(ctx context.Context, disputeID string, experts []string) (*Case, error) {
	ctx, span := traces.Start(ctx, "dispute.start_voting")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusAIAnalyzed {
		return nil, fmt.Errorf("%w: start voting from %s", ErrInvalidStatus, d.Status)
	}
	if len(experts) != s.panelSize {
		return nil, fmt.Errorf("%w: panel needs exactly %d experts, got %d",
			ErrInvalidStatus, s.panelSize, len(experts))
	}
	seen := make(map[string]bool, len(experts))
	for _, e := range experts {
		if e == "" || seen[e] {
			return nil, fmt.Errorf("%w: panel experts must be distinct", ErrInvalidStatus)
		}
		seen[e] = true
	}

	deadline := s.now().Add(s.votingWindow)
	d.Status = StatusExpertVoting
	d.Panel = experts
	d.VotingDeadline = &deadline
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("persist panel: %w", err)
	}
	logging.L(ctx).Info("expert voting started",
		"dispute_id", d.ID, "panel_size", len(experts), "deadline", deadline)
	return d, nil
}

// CastVote records one expert's blind advisory vote. Each panelist votes
// at most once; when the last vote lands the case advances to
// ADMIN_REVIEW with the tally computed.
func (s *Service) CastVote(ctx context.Context, disputeID, expertID string, outcome payment.Decision, sharePct int, reasoning string) (*Case, error) {
	ctx, span := traces.Start(ctx, "dispute.cast_vote")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusExpertVoting {
		return nil, fmt.Errorf("%w: vote in %s", ErrInvalidStatus, d.Status)
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidStatus, outcome)
	}
	if outcome == payment.DecisionPartial && (sharePct < 0 || sharePct > 100) {
		return nil, ErrInvalidShare
	}
	onPanel := false
	for _, e := range d.Panel {
		if e == expertID {
			onPanel = true
			break
		}
	}
	if !onPanel {
		return nil, fmt.Errorf("%w: %s", ErrNotPanelist, expertID)
	}
	for _, v := range d.Votes {
		if v.ExpertID == expertID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVote, expertID)
		}
	}

	d.Votes = append(d.Votes, Vote{
		ExpertID:  expertID,
		Outcome:   outcome,
		SharePct:  sharePct,
		Reasoning: reasoning,
		CastAt:    s.now(),
	})
	metrics.VotesCast.WithLabelValues(string(outcome)).Inc()

	if len(d.Votes) == len(d.Panel) {
		s.advanceToReviewLocked(ctx, d)
	}
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("persist vote: %w", err)
	}
	return d, nil
}

// AssignArbitrator designates the identity authorized to issue the
// binding verdict. Allowed until the case is resolved.
func (s *Service) AssignArbitrator(ctx context.Context, disputeID, arbitratorID string) (*Case, error) {
	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	d.Arbitrator = arbitratorID
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("persist arbitrator: %w", err)
	}
	return d, nil
}

// Resolve issues the binding verdict: ADMIN_REVIEW -> RESOLVED. This is
// the only step that triggers a dispute settlement on the payment
// provider, and it can never run twice for one case.
func (s *Service) Resolve(ctx context.Context, disputeID, arbitratorID string, outcome payment.Decision, freelancerSharePct int, reasoning string) (*Case, error) {
	ctx, span := traces.Start(ctx, "dispute.resolve")
	defer span.End()

	if s.settler == nil {
		return nil, fmt.Errorf("dispute: contract engine not configured")
	}

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if d.Status != StatusAdminReview {
		return nil, fmt.Errorf("%w: resolve from %s", ErrInvalidStatus, d.Status)
	}
	if arbitratorID == "" || arbitratorID != d.Arbitrator {
		return nil, fmt.Errorf("%w: %s", ErrNotArbitrator, arbitratorID)
	}
	if reasoning == "" {
		return nil, ErrReasoningRequired
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidStatus, outcome)
	}
	if outcome == payment.DecisionPartial && (freelancerSharePct < 0 || freelancerSharePct > 100) {
		return nil, ErrInvalidShare
	}

	ref, err := s.settler.ExecuteVerdict(ctx, d.ContractID, d.MilestoneID, outcome, freelancerSharePct)
	if err != nil {
		// The verdict did not execute; the case stays in ADMIN_REVIEW so
		// the arbitrator can retry once the settlement path recovers.
		return nil, err
	}

	now := s.now()
	d.Verdict = &Verdict{
		Outcome:            outcome,
		FreelancerSharePct: freelancerSharePct,
		Reasoning:          reasoning,
		ArbitratorID:       arbitratorID,
		IssuedAt:           now,
	}
	d.SettlementRef = ref
	d.Status = StatusResolved
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d); err != nil {
		logging.L(ctx).Error("CRITICAL: verdict settled but dispute update failed",
			"dispute_id", d.ID, "ref", ref, "error", err)
		return nil, fmt.Errorf("persist verdict: %w", err)
	}

	metrics.DisputesOpen.Dec()
	metrics.DisputeResolutions.WithLabelValues(string(outcome)).Inc()
	if s.emitter != nil {
		s.emitter.Emit(ctx, events.DisputeResolved, map[string]any{
			"disputeId":          d.ID,
			"contractId":         d.ContractID,
			"milestoneId":        d.MilestoneID,
			"outcome":            outcome,
			"freelancerSharePct": freelancerSharePct,
			"settlementRef":      ref,
		})
	}
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID, "outcome", outcome, "arbitrator", arbitratorID, "ref", ref)
	return d, nil
}

// Get returns one dispute case.
func (s *Service) Get(ctx context.Context, disputeID string) (*Case, error) {
	return s.store.Get(ctx, disputeID)
}

// ExpireVoting advances every case whose voting deadline has passed to
// ADMIN_REVIEW with the votes collected so far. Missing votes are never
// counted for any outcome; the partial panel is flagged for the
// arbitrator. Called by the background timer.
func (s *Service) ExpireVoting(ctx context.Context) (int, error) {
	cases, err := s.store.ListByStatus(ctx, StatusExpertVoting)
	if err != nil {
		return 0, err
	}
	expired := 0
	now := s.now()
	for _, stale := range cases {
		if stale.VotingDeadline == nil || stale.VotingDeadline.After(now) {
			continue
		}
		unlock, lerr := s.locks.LockContext(ctx, stale.ID)
		if lerr != nil {
			return expired, lerr
		}
		// Re-read under the lock; a last vote may have advanced it.
		d, gerr := s.store.Get(ctx, stale.ID)
		if gerr != nil {
			unlock()
			continue
		}
		if d.Status == StatusExpertVoting && !d.VotingDeadline.After(now) {
			s.advanceToReviewLocked(ctx, d)
			if uerr := s.store.Update(ctx, d); uerr != nil {
				logging.L(ctx).Error("persist voting expiry", "dispute_id", d.ID, "error", uerr)
			} else {
				expired++
			}
		}
		unlock()
	}
	return expired, nil
}

func (s *Service) advanceToReviewLocked(ctx context.Context, d *Case) {
	d.Status = StatusAdminReview
	d.Tally = Aggregate(d.Votes, len(d.Panel))
	logging.L(ctx).Info("dispute escalated to admin review",
		"dispute_id", d.ID, "votes", len(d.Votes), "lean", d.Tally.Lean,
		"incomplete_panel", d.Tally.IncompletePanel)
}
