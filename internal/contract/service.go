package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairwork/escrowd/internal/events"
	"github.com/fairwork/escrowd/internal/idgen"
	"github.com/fairwork/escrowd/internal/logging"
	"github.com/fairwork/escrowd/internal/metrics"
	"github.com/fairwork/escrowd/internal/money"
	"github.com/fairwork/escrowd/internal/payment"
	"github.com/fairwork/escrowd/internal/roles"
	"github.com/fairwork/escrowd/internal/syncutil"
	"github.com/fairwork/escrowd/internal/traces"
)

// Service drives the contract state machine. Mutations on one contract are
// serialized through a per-contract lock; provider calls run under a
// bounded timeout so the lock is never held across an unbounded external
// call.
type Service struct {
	store     Store
	roles     *roles.Service
	providers *payment.Factory
	locks     *syncutil.ContextShardedMutex

	opener  DisputeOpener
	emitter Emitter

	settleTimeout time.Duration
	now           func() time.Time
}

func NewService(store Store, roleSvc *roles.Service, providers *payment.Factory, settleTimeout time.Duration) *Service {
	if settleTimeout <= 0 {
		settleTimeout = 30 * time.Second
	}
	return &Service{
		store:         store,
		roles:         roleSvc,
		providers:     providers,
		locks:         syncutil.NewContextShardedMutex(),
		settleTimeout: settleTimeout,
		now:           time.Now,
	}
}

// WithDisputeOpener wires the dispute engine in. Without it, raiseDispute
// is rejected.
func (s *Service) WithDisputeOpener(o DisputeOpener) *Service {
	s.opener = o
	return s
}

// WithEmitter wires the domain event stream in.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

// MilestoneSpec describes one entry of a contract's milestone schedule.
type MilestoneSpec struct {
	Amount      int64
	Description string
}

// CreateRequest creates a contract in CREATED with its full milestone
// schedule. The schedule must partition TotalAmount exactly so that every
// cent is accounted for when the contract completes.
type CreateRequest struct {
	ClientID     string
	FreelancerID string
	Method       payment.Method
	TotalAmount  int64
	Milestones   []MilestoneSpec
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Contract, []*Milestone, error) {
	ctx, span := traces.Start(ctx, "contract.create")
	defer span.End()

	if req.ClientID == "" || req.FreelancerID == "" {
		return nil, nil, fmt.Errorf("%w: client and freelancer identities required", ErrInvalidTransition)
	}
	if req.ClientID == req.FreelancerID {
		return nil, nil, fmt.Errorf("%w: client and freelancer must differ", ErrInvalidTransition)
	}
	if !req.Method.Valid() {
		return nil, nil, fmt.Errorf("%w: payment method %q", ErrInvalidTransition, req.Method)
	}
	if req.TotalAmount <= 0 {
		return nil, nil, fmt.Errorf("%w: total amount must be positive", ErrInvalidTransition)
	}
	if len(req.Milestones) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one milestone required", ErrInvalidSchedule)
	}
	var sum int64
	for _, m := range req.Milestones {
		if m.Amount <= 0 {
			return nil, nil, fmt.Errorf("%w: milestone amounts must be positive", ErrInvalidSchedule)
		}
		sum += m.Amount
	}
	if sum != req.TotalAmount {
		return nil, nil, fmt.Errorf("%w: schedule sums to %s, total is %s",
			ErrInvalidSchedule, money.Format(sum), money.Format(req.TotalAmount))
	}

	now := s.now()
	c := &Contract{
		ID:             idgen.WithPrefix("ct_"),
		ClientID:       req.ClientID,
		FreelancerID:   req.FreelancerID,
		Method:         req.Method,
		State:          StateCreated,
		TotalAmount:    req.TotalAmount,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	milestones := make([]*Milestone, len(req.Milestones))
	for i, spec := range req.Milestones {
		milestones[i] = &Milestone{
			ID:            idgen.WithPrefix("ms_"),
			ContractID:    c.ID,
			SequenceIndex: i,
			Amount:        spec.Amount,
			Description:   spec.Description,
			Status:        MilestonePending,
		}
	}

	if err := s.store.CreateContract(ctx, c, milestones); err != nil {
		return nil, nil, fmt.Errorf("persist contract: %w", err)
	}

	// Role bindings are created with the contract and are immutable after.
	if _, err := s.roles.Bind(ctx, req.ClientID, c.ID, roles.RoleClient); err != nil {
		return nil, nil, fmt.Errorf("bind client role: %w", err)
	}
	if _, err := s.roles.Bind(ctx, req.FreelancerID, c.ID, roles.RoleFreelancer); err != nil {
		return nil, nil, fmt.Errorf("bind freelancer role: %w", err)
	}

	s.emit(ctx, events.ContractCreated, map[string]any{
		"contractId":  c.ID,
		"clientId":    c.ClientID,
		"totalAmount": money.Format(c.TotalAmount),
		"method":      c.Method,
	})
	logging.L(ctx).Info("contract created",
		"contract_id", c.ID, "method", c.Method, "total", money.Format(c.TotalAmount))
	return c, milestones, nil
}

// Deposit locks the full contract amount in escrow: CREATED -> FUNDED.
func (s *Service) Deposit(ctx context.Context, contractID, callerID string, amount int64) (*Contract, error) {
	ctx, span := traces.Start(ctx, "contract.deposit")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.loadForMutation(ctx, contractID)
	if err != nil {
		return nil, err
	}
	// The role check runs before the idempotency short-circuit: a replay by
	// anyone but the client must not see the stored success.
	if err := s.requireRole(ctx, callerID, c.ID, roles.RoleClient); err != nil {
		return nil, err
	}
	if c.State == StateFunded {
		// Retried deposit: funds are already locked.
		return c, nil
	}
	if c.State != StateCreated {
		return nil, s.reject(c, "deposit")
	}
	if amount < c.TotalAmount {
		return nil, fmt.Errorf("%w: deposit %s is below contract total %s",
			payment.ErrInsufficientFunds, money.Format(amount), money.Format(c.TotalAmount))
	}
	if amount != c.TotalAmount {
		return nil, fmt.Errorf("%w: deposit %s exceeds contract total %s",
			ErrInvalidTransition, money.Format(amount), money.Format(c.TotalAmount))
	}

	provider, err := s.providers.For(c.Method)
	if err != nil {
		return nil, err
	}
	ref, err := s.settle(ctx, c, "deposit", func(cctx context.Context) (string, error) {
		return provider.DepositFunds(cctx, payment.DepositRequest{
			ContractID:   c.ID,
			ClientID:     c.ClientID,
			FreelancerID: c.FreelancerID,
			Amount:       c.TotalAmount,
		})
	})
	if err != nil {
		return nil, err
	}

	prev := c.State
	c.State = StateFunded
	c.ExternalRef = ref
	c.LastActivityAt = s.now()
	if err := s.store.UpdateContract(ctx, c); err != nil {
		logging.L(ctx).Error("CRITICAL: funds locked but contract update failed",
			"contract_id", c.ID, "ref", ref, "error", err)
		return nil, fmt.Errorf("persist funded state: %w", err)
	}

	metrics.ContractTransitions.WithLabelValues(string(prev), string(c.State)).Inc()
	s.emit(ctx, events.ContractFunded, map[string]any{
		"contractId":    c.ID,
		"amount":        money.Format(c.TotalAmount),
		"settlementRef": ref,
	})
	return c, nil
}

// SubmitMilestone records a deliverable submission: FUNDED -> IN_PROGRESS
// (or stays IN_PROGRESS for later milestones). Resubmitting an already
// SUBMITTED milestone is an idempotent no-op.
func (s *Service) SubmitMilestone(ctx context.Context, contractID, milestoneID, callerID string) (*Milestone, error) {
	ctx, span := traces.Start(ctx, "contract.submit_milestone")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.loadForMutation(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.State != StateFunded && c.State != StateInProgress {
		return nil, s.reject(c, "submitMilestone")
	}
	if err := s.requireRole(ctx, callerID, c.ID, roles.RoleFreelancer); err != nil {
		return nil, err
	}

	m, err := s.store.GetMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case MilestoneSubmitted:
		return m, nil
	case MilestonePending:
	default:
		return nil, fmt.Errorf("%w: milestone %s is %s, expected PENDING",
			ErrInvalidTransition, milestoneID, m.Status)
	}

	provider, err := s.providers.For(c.Method)
	if err != nil {
		return nil, err
	}
	if err := provider.SubmitMilestone(ctx, c.ID, m.ID); err != nil {
		return nil, err
	}

	now := s.now()
	m.Status = MilestoneSubmitted
	m.SubmittedAt = &now
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		return nil, fmt.Errorf("persist milestone: %w", err)
	}
	if c.State == StateFunded {
		c.State = StateInProgress
		metrics.ContractTransitions.WithLabelValues(string(StateFunded), string(StateInProgress)).Inc()
	}
	c.LastActivityAt = now
	if err := s.store.UpdateContract(ctx, c); err != nil {
		return nil, fmt.Errorf("persist contract: %w", err)
	}

	s.emit(ctx, events.MilestoneSubmitted, map[string]any{
		"contractId":  c.ID,
		"milestoneId": m.ID,
		"amount":      money.Format(m.Amount),
	})
	return m, nil
}

// ApproveMilestone releases the milestone amount to the freelancer.
// Approving an already APPROVED milestone returns the stored settlement
// reference without a second release.
func (s *Service) ApproveMilestone(ctx context.Context, contractID, milestoneID, callerID string) (*Milestone, error) {
	ctx, span := traces.Start(ctx, "contract.approve_milestone")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.loadForMutation(ctx, contractID)
	if err != nil {
		return nil, err
	}

	// The role check runs before the idempotency short-circuit so the stored
	// settlement reference is only ever replayed to the client.
	if err := s.requireRole(ctx, callerID, c.ID, roles.RoleClient); err != nil {
		return nil, err
	}

	m, err := s.store.GetMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status == MilestoneApproved {
		// Retried approval: the release already happened exactly once.
		return m, nil
	}

	if c.State != StateInProgress {
		return nil, s.reject(c, "approveMilestone")
	}
	if m.Status != MilestoneSubmitted {
		return nil, fmt.Errorf("%w: milestone %s is %s, expected SUBMITTED",
			ErrInvalidTransition, milestoneID, m.Status)
	}

	provider, err := s.providers.For(c.Method)
	if err != nil {
		return nil, err
	}
	ref, err := s.settle(ctx, c, "release", func(cctx context.Context) (string, error) {
		return provider.ApproveMilestone(cctx, c.ID, m.ID, m.Amount)
	})
	if err != nil {
		return nil, err
	}

	if err := s.applyRelease(ctx, c, m, ref, m.Amount, 0); err != nil {
		return nil, err
	}

	s.emit(ctx, events.MilestoneApproved, map[string]any{
		"contractId":    c.ID,
		"milestoneId":   m.ID,
		"amount":        money.Format(m.Amount),
		"settlementRef": ref,
	})
	return m, nil
}

// RaiseDispute contests a submitted milestone: IN_PROGRESS -> DISPUTED.
// Either bound party may raise it.
func (s *Service) RaiseDispute(ctx context.Context, contractID, milestoneID, callerID, reason string, evidence []string) (string, error) {
	ctx, span := traces.Start(ctx, "contract.raise_dispute")
	defer span.End()

	if s.opener == nil {
		return "", errors.New("contract: dispute engine not configured")
	}

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	c, err := s.loadForMutation(ctx, contractID)
	if err != nil {
		return "", err
	}
	if c.State != StateInProgress {
		return "", s.reject(c, "raiseDispute")
	}
	role, err := s.roles.RoleOf(ctx, callerID, c.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not a party to contract %s", roles.ErrRoleConflict, callerID, c.ID)
	}

	m, err := s.store.GetMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return "", err
	}
	if m.Status != MilestoneSubmitted {
		return "", fmt.Errorf("%w: milestone %s is %s, expected SUBMITTED",
			ErrInvalidTransition, milestoneID, m.Status)
	}

	provider, err := s.providers.For(c.Method)
	if err != nil {
		return "", err
	}
	if _, err := provider.RaiseDispute(ctx, c.ID, m.ID, reason); err != nil {
		return "", err
	}

	now := s.now()
	prev := c.State
	m.Status = MilestoneDisputed
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		m.Status = MilestoneSubmitted
		return "", fmt.Errorf("persist milestone: %w", err)
	}
	c.State = StateDisputed
	c.LastActivityAt = now
	if err := s.store.UpdateContract(ctx, c); err != nil {
		c.State = prev
		m.Status = MilestoneSubmitted
		if uerr := s.store.UpdateMilestone(ctx, m); uerr != nil {
			logging.L(ctx).Error("CRITICAL: milestone left DISPUTED after contract persist failure",
				"contract_id", c.ID, "milestone_id", m.ID, "error", uerr)
		}
		return "", fmt.Errorf("persist contract: %w", err)
	}

	// The case is opened only once the disputed state is durable, so a
	// store failure can never strand an OPEN case without a matching
	// DISPUTED milestone. An opener failure rolls the records back.
	disputeID, err := s.opener.OpenDispute(ctx, c.ID, m.ID, callerID, string(role), reason, evidence)
	if err != nil {
		m.Status = MilestoneSubmitted
		if uerr := s.store.UpdateMilestone(ctx, m); uerr != nil {
			logging.L(ctx).Error("CRITICAL: milestone stuck DISPUTED after dispute open failure",
				"contract_id", c.ID, "milestone_id", m.ID, "error", uerr)
		}
		c.State = prev
		if uerr := s.store.UpdateContract(ctx, c); uerr != nil {
			logging.L(ctx).Error("CRITICAL: contract stuck DISPUTED after dispute open failure",
				"contract_id", c.ID, "error", uerr)
		}
		return "", fmt.Errorf("open dispute case: %w", err)
	}

	metrics.ContractTransitions.WithLabelValues(string(prev), string(StateDisputed)).Inc()
	s.emit(ctx, events.DisputeOpened, map[string]any{
		"contractId":  c.ID,
		"milestoneId": m.ID,
		"disputeId":   disputeID,
		"raisedBy":    callerID,
		"role":        role,
	})
	return disputeID, nil
}

// ExecuteVerdict applies a binding dispute verdict: DISPUTED ->
// IN_PROGRESS, or COMPLETED when this was the last open milestone. Called
// by the dispute engine only.
func (s *Service) ExecuteVerdict(ctx context.Context, contractID, milestoneID string, decision payment.Decision, freelancerSharePct int) (string, error) {
	ctx, span := traces.Start(ctx, "contract.execute_verdict")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	c, err := s.loadForMutation(ctx, contractID)
	if err != nil {
		return "", err
	}
	if c.State != StateDisputed {
		return "", s.reject(c, "resolveDispute")
	}
	m, err := s.store.GetMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return "", err
	}
	if m.Status != MilestoneDisputed {
		return "", fmt.Errorf("%w: milestone %s is %s, expected DISPUTED",
			ErrInvalidTransition, milestoneID, m.Status)
	}

	provider, err := s.providers.For(c.Method)
	if err != nil {
		return "", err
	}
	ref, err := s.settle(ctx, c, "resolve", func(cctx context.Context) (string, error) {
		return provider.ResolveDispute(cctx, c.ID, m.ID, decision, freelancerSharePct, m.Amount)
	})
	if err != nil {
		return "", err
	}

	var share, rest int64
	switch decision {
	case payment.DecisionFreelancer:
		share, rest = m.Amount, 0
	case payment.DecisionClient:
		share, rest = 0, m.Amount
	case payment.DecisionPartial:
		share, rest = money.Split(m.Amount, freelancerSharePct)
	}
	if err := s.applyRelease(ctx, c, m, ref, share, rest); err != nil {
		return "", err
	}

	s.emit(ctx, events.MilestoneApproved, map[string]any{
		"contractId":      c.ID,
		"milestoneId":     m.ID,
		"decision":        decision,
		"freelancerShare": money.Format(share),
		"clientRefund":    money.Format(rest),
		"settlementRef":   ref,
	})
	return ref, nil
}

// Cancel aborts a contract before any milestone work begins: CREATED or
// FUNDED -> CANCELLED, refunding any deposited funds. Once a milestone has
// been released the contract can no longer be cancelled.
func (s *Service) Cancel(ctx context.Context, contractID, callerID string) (*Contract, error) {
	ctx, span := traces.Start(ctx, "contract.cancel")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.loadForMutation(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.State != StateCreated && c.State != StateFunded {
		return nil, s.reject(c, "cancel")
	}
	if err := s.requireRole(ctx, callerID, c.ID, roles.RoleClient); err != nil {
		return nil, err
	}

	refunded := int64(0)
	if c.State == StateFunded {
		provider, perr := s.providers.For(c.Method)
		if perr != nil {
			return nil, perr
		}
		if _, err := s.settle(ctx, c, "cancel", func(cctx context.Context) (string, error) {
			return provider.CancelContract(cctx, c.ID)
		}); err != nil {
			return nil, err
		}
		refunded = c.TotalAmount - c.ReleasedAmount - c.RefundedAmount
	}

	prev := c.State
	c.State = StateCancelled
	c.RefundedAmount += refunded
	c.LastActivityAt = s.now()
	if err := s.store.UpdateContract(ctx, c); err != nil {
		if refunded > 0 {
			logging.L(ctx).Error("CRITICAL: refund settled but contract update failed",
				"contract_id", c.ID, "refunded", money.Format(refunded), "error", err)
		}
		return nil, fmt.Errorf("persist cancelled state: %w", err)
	}

	metrics.ContractTransitions.WithLabelValues(string(prev), string(StateCancelled)).Inc()
	s.emit(ctx, events.ContractCancelled, map[string]any{
		"contractId": c.ID,
		"refunded":   money.Format(refunded),
	})
	return c, nil
}

// Get returns a contract with its milestone ledger.
func (s *Service) Get(ctx context.Context, contractID string) (*Contract, []*Milestone, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	ms, err := s.store.ListMilestones(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	return c, ms, nil
}

// ReconcileReport compares the stored ledger with the provider's committed
// view after an ambiguous settlement outcome.
type ReconcileReport struct {
	Contract   *Contract         `json:"contract"`
	Provider   *payment.Snapshot `json:"provider"`
	Consistent bool              `json:"consistent"`
}

// Reconcile fetches the provider's committed snapshot and compares it with
// the stored ledger. When both agree, the reconciliation flag is cleared
// and normal operation resumes.
func (s *Service) Reconcile(ctx context.Context, contractID string) (*ReconcileReport, error) {
	ctx, span := traces.Start(ctx, "contract.reconcile")
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	provider, err := s.providers.For(c.Method)
	if err != nil {
		return nil, err
	}
	snap, err := provider.ProjectStatus(ctx, contractID)
	if errors.Is(err, payment.ErrUnknownContract) {
		// Never reached the provider: the ambiguous call did not apply.
		snap = &payment.Snapshot{ContractID: contractID, Method: c.Method}
	} else if err != nil {
		return nil, err
	}

	consistent := snap.Released == c.ReleasedAmount &&
		snap.Refunded == c.RefundedAmount &&
		snap.PendingTx == ""
	if consistent && c.RequiresReconciliation {
		c.RequiresReconciliation = false
		c.LastActivityAt = s.now()
		if err := s.store.UpdateContract(ctx, c); err != nil {
			return nil, fmt.Errorf("clear reconciliation flag: %w", err)
		}
		logging.L(ctx).Info("reconciliation cleared", "contract_id", c.ID)
	}
	return &ReconcileReport{Contract: c, Provider: snap, Consistent: consistent}, nil
}

// applyRelease commits a settled fund movement to the ledger and advances
// the contract to COMPLETED when every milestone is closed out.
func (s *Service) applyRelease(ctx context.Context, c *Contract, m *Milestone, ref string, released, refunded int64) error {
	now := s.now()
	m.Status = MilestoneApproved
	m.SettlementRef = ref
	m.ApprovedAt = &now
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		logging.L(ctx).Error("CRITICAL: funds released but milestone update failed",
			"contract_id", c.ID, "milestone_id", m.ID, "ref", ref, "error", err)
		return fmt.Errorf("persist milestone: %w", err)
	}

	c.ReleasedAmount += released
	c.RefundedAmount += refunded
	c.LastActivityAt = now

	prev := c.State
	all, err := s.store.ListMilestones(ctx, c.ID)
	if err != nil {
		return err
	}
	done := true
	for _, other := range all {
		if other.Status != MilestoneApproved {
			done = false
			break
		}
	}
	if done {
		c.State = StateCompleted
	} else {
		c.State = StateInProgress
	}

	if err := s.store.UpdateContract(ctx, c); err != nil {
		logging.L(ctx).Error("CRITICAL: funds released but contract update failed",
			"contract_id", c.ID, "ref", ref, "error", err)
		return fmt.Errorf("persist contract: %w", err)
	}
	if prev != c.State {
		metrics.ContractTransitions.WithLabelValues(string(prev), string(c.State)).Inc()
	}
	if c.State == StateCompleted {
		s.emit(ctx, events.ContractCompleted, map[string]any{
			"contractId": c.ID,
			"released":   money.Format(c.ReleasedAmount),
			"refunded":   money.Format(c.RefundedAmount),
		})
	}
	return nil
}

// settle runs one provider call under the settlement timeout. A deadline
// hit is ambiguous: the provider may or may not have applied the call, so
// the contract is flagged for manual reconciliation and further mutations
// stay blocked.
func (s *Service) settle(ctx context.Context, c *Contract, op string, fn func(context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	defer cancel()

	ref, err := fn(cctx)
	if err == nil {
		return ref, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.RequiresReconciliation = true
		c.LastActivityAt = s.now()
		if uerr := s.store.UpdateContract(ctx, c); uerr != nil {
			logging.L(ctx).Error("CRITICAL: failed to flag contract for reconciliation",
				"contract_id", c.ID, "op", op, "error", uerr)
		}
		metrics.ReconciliationFlags.Inc()
		logging.L(ctx).Error("settlement timed out, contract flagged for reconciliation",
			"contract_id", c.ID, "op", op)
		return "", fmt.Errorf("%w: %s timed out after %s, reconcile before retrying",
			payment.ErrSettlementFailed, op, s.settleTimeout)
	}
	return "", err
}

func (s *Service) loadForMutation(ctx context.Context, contractID string) (*Contract, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.RequiresReconciliation {
		return nil, fmt.Errorf("%w: contract %s", ErrReconciliationRequired, contractID)
	}
	return c, nil
}

func (s *Service) requireRole(ctx context.Context, identity, contractID string, role roles.Role) error {
	ok, err := s.roles.CanAct(ctx, identity, contractID, role)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not authorized as %s on contract %s",
			roles.ErrRoleConflict, identity, role, contractID)
	}
	return nil
}

func (s *Service) reject(c *Contract, trigger string) error {
	metrics.InvalidTransitions.WithLabelValues(trigger).Inc()
	return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, trigger, c.State)
}

func (s *Service) emit(ctx context.Context, eventType string, payload any) {
	if s.emitter != nil {
		s.emitter.Emit(ctx, eventType, payload)
	}
}
