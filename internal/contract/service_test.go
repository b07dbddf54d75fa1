package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fairwork/escrowd/internal/circuitbreaker"
	"github.com/fairwork/escrowd/internal/payment"
	"github.com/fairwork/escrowd/internal/roles"
)

// stubGateway settles instantly and counts fund movements. A positive
// delay simulates a slow provider for timeout tests.
type stubGateway struct {
	mu          sync.Mutex
	payouts     int
	payoutTotal int64
	refundTotal int64
	delay       time.Duration
	seq         int
}

func (g *stubGateway) call(ctx context.Context, kind string, amount int64) (string, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	switch kind {
	case "payout":
		g.payouts++
		g.payoutTotal += amount
	case "refund":
		g.refundTotal += amount
	}
	return fmt.Sprintf("gw_%s_%d", kind, g.seq), nil
}

func (g *stubGateway) Collect(ctx context.Context, _ string, amount int64, _ string) (string, error) {
	return g.call(ctx, "collect", amount)
}
func (g *stubGateway) Payout(ctx context.Context, _ string, amount int64, _ string) (string, error) {
	return g.call(ctx, "payout", amount)
}
func (g *stubGateway) Refund(ctx context.Context, _ string, amount int64, _ string) (string, error) {
	return g.call(ctx, "refund", amount)
}

type stubOpener struct {
	mu     sync.Mutex
	opened int
	fail   error
}

func (o *stubOpener) OpenDispute(_ context.Context, _, _, _, _, _ string, _ []string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return "", o.fail
	}
	o.opened++
	return fmt.Sprintf("dsp_%d", o.opened), nil
}

type testEnv struct {
	svc     *Service
	store   *MemoryStore
	gateway *stubGateway
	opener  *stubOpener
}

func newTestEnv(t *testing.T, settleTimeout time.Duration) *testEnv {
	t.Helper()
	gw := &stubGateway{}
	factory := payment.NewFactory()
	factory.Register(payment.MethodCustodial,
		payment.NewCustodial(gw, circuitbreaker.New(100, time.Minute), 1, time.Millisecond))
	store := NewMemoryStore()
	opener := &stubOpener{}
	svc := NewService(store, roles.NewService(roles.NewMemoryStore()), factory, settleTimeout).
		WithDisputeOpener(opener)
	return &testEnv{svc: svc, store: store, gateway: gw, opener: opener}
}

// newContract creates alice->bob, 1000.00 total, milestones 400.00/600.00.
func newContract(t *testing.T, env *testEnv) (*Contract, []*Milestone) {
	t.Helper()
	c, ms, err := env.svc.Create(context.Background(), CreateRequest{
		ClientID:     "alice",
		FreelancerID: "bob",
		Method:       payment.MethodCustodial,
		TotalAmount:  100000,
		Milestones: []MilestoneSpec{
			{Amount: 40000, Description: "first deliverable"},
			{Amount: 60000, Description: "final deliverable"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c, ms
}

func TestScheduleMustPartitionTotal(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	_, _, err := env.svc.Create(context.Background(), CreateRequest{
		ClientID: "alice", FreelancerID: "bob",
		Method: payment.MethodCustodial, TotalAmount: 100000,
		Milestones: []MilestoneSpec{{Amount: 40000}, {Amount: 50000}},
	})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}

func TestClientAndFreelancerMustDiffer(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	_, _, err := env.svc.Create(context.Background(), CreateRequest{
		ClientID: "alice", FreelancerID: "alice",
		Method: payment.MethodCustodial, TotalAmount: 100,
		Milestones: []MilestoneSpec{{Amount: 100}},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

// Full lifecycle: fund, approve milestone 1, dispute milestone 2, settle
// PARTIAL(70) and verify exact conservation at COMPLETED.
func TestFullLifecycleWithPartialVerdict(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)

	c2, err := env.svc.Deposit(ctx, c.ID, "alice", 100000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if c2.State != StateFunded || c2.ExternalRef == "" {
		t.Fatalf("expected FUNDED with external ref, got %+v", c2)
	}

	if _, err := env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob"); err != nil {
		t.Fatalf("submit ms1: %v", err)
	}
	c3, _ := env.store.GetContract(ctx, c.ID)
	if c3.State != StateInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", c3.State)
	}

	m1, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "alice")
	if err != nil {
		t.Fatalf("approve ms1: %v", err)
	}
	if m1.Status != MilestoneApproved || m1.SettlementRef == "" {
		t.Fatalf("unexpected milestone after approval: %+v", m1)
	}
	c4, _ := env.store.GetContract(ctx, c.ID)
	if c4.State != StateInProgress || c4.ReleasedAmount != 40000 {
		t.Fatalf("expected IN_PROGRESS with 40000 released, got %+v", c4)
	}

	if _, err := env.svc.SubmitMilestone(ctx, c.ID, ms[1].ID, "bob"); err != nil {
		t.Fatalf("submit ms2: %v", err)
	}
	disputeID, err := env.svc.RaiseDispute(ctx, c.ID, ms[1].ID, "alice", "not as specified", nil)
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if disputeID == "" || env.opener.opened != 1 {
		t.Fatalf("dispute case not opened")
	}
	c5, _ := env.store.GetContract(ctx, c.ID)
	if c5.State != StateDisputed {
		t.Fatalf("expected DISPUTED, got %s", c5.State)
	}

	// Ordinary approval is rejected while the milestone is disputed.
	if _, err := env.svc.ApproveMilestone(ctx, c.ID, ms[1].ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected approval rejected during dispute, got %v", err)
	}

	ref, err := env.svc.ExecuteVerdict(ctx, c.ID, ms[1].ID, payment.DecisionPartial, 70)
	if err != nil {
		t.Fatalf("execute verdict: %v", err)
	}
	if ref == "" {
		t.Fatal("missing settlement ref")
	}

	final, _ := env.store.GetContract(ctx, c.ID)
	if final.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.State)
	}
	if final.ReleasedAmount != 40000+42000 {
		t.Errorf("expected released 82000, got %d", final.ReleasedAmount)
	}
	if final.RefundedAmount != 18000 {
		t.Errorf("expected refunded 18000, got %d", final.RefundedAmount)
	}
	if final.ReleasedAmount+final.RefundedAmount != final.TotalAmount {
		t.Errorf("conservation violated at COMPLETED: %d + %d != %d",
			final.ReleasedAmount, final.RefundedAmount, final.TotalAmount)
	}
	if env.gateway.payoutTotal != 82000 || env.gateway.refundTotal != 18000 {
		t.Errorf("gateway totals diverge from ledger: payouts %d refunds %d",
			env.gateway.payoutTotal, env.gateway.refundTotal)
	}
}

// Two racing approvals: exactly one release, both observe the same ref.
func TestConcurrentApprovalsReleaseOnce(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)
	if _, err := env.svc.Deposit(ctx, c.ID, "alice", 100000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	const n = 8
	refs := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "alice")
			if err == nil {
				refs[i] = m.SettlementRef
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("approval %d failed: %v", i, errs[i])
		}
		if refs[i] != refs[0] {
			t.Errorf("approval %d returned ref %q, want %q", i, refs[i], refs[0])
		}
	}
	if env.gateway.payouts != 1 {
		t.Errorf("expected exactly 1 fund release, got %d", env.gateway.payouts)
	}
	final, _ := env.store.GetContract(ctx, c.ID)
	if final.ReleasedAmount != 40000 {
		t.Errorf("expected released 40000, got %d", final.ReleasedAmount)
	}
}

// Short deposit is rejected with InsufficientFunds, contract stays CREATED.
func TestShortDepositRejected(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, _ := newContract(t, env)

	_, err := env.svc.Deposit(ctx, c.ID, "alice", 90000)
	if !errors.Is(err, payment.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	stored, _ := env.store.GetContract(ctx, c.ID)
	if stored.State != StateCreated {
		t.Errorf("contract must remain CREATED, got %s", stored.State)
	}
}

// Cancel after a milestone release is rejected mid-flight.
func TestCannotCancelAfterRelease(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)
	_, _ = env.svc.Deposit(ctx, c.ID, "alice", 100000)
	_, _ = env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob")
	if _, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err := env.svc.Cancel(ctx, c.ID, "alice")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	stored, _ := env.store.GetContract(ctx, c.ID)
	if stored.State != StateInProgress {
		t.Errorf("contract must remain IN_PROGRESS, got %s", stored.State)
	}
}

func TestCancelFromFundedRefundsEverything(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, _ := newContract(t, env)
	_, _ = env.svc.Deposit(ctx, c.ID, "alice", 100000)

	cancelled, err := env.svc.Cancel(ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != StateCancelled || cancelled.RefundedAmount != 100000 {
		t.Fatalf("unexpected contract after cancel: %+v", cancelled)
	}
	if cancelled.ReleasedAmount+cancelled.RefundedAmount != cancelled.TotalAmount {
		t.Errorf("conservation violated at CANCELLED")
	}
	if env.gateway.refundTotal != 100000 {
		t.Errorf("expected full gateway refund, got %d", env.gateway.refundTotal)
	}
}

func TestRoleGuards(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)

	// Freelancer cannot deposit; outsider cannot deposit.
	if _, err := env.svc.Deposit(ctx, c.ID, "bob", 100000); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("expected role conflict for freelancer deposit, got %v", err)
	}
	if _, err := env.svc.Deposit(ctx, c.ID, "mallory", 100000); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("expected role conflict for outsider deposit, got %v", err)
	}

	_, _ = env.svc.Deposit(ctx, c.ID, "alice", 100000)

	// Client cannot submit work; freelancer cannot approve.
	if _, err := env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "alice"); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("expected role conflict for client submit, got %v", err)
	}
	_, _ = env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob")
	if _, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "bob"); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("expected role conflict for freelancer approve, got %v", err)
	}

	// Outsider cannot raise a dispute.
	if _, err := env.svc.RaiseDispute(ctx, c.ID, ms[0].ID, "mallory", "reason", nil); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("expected role conflict for outsider dispute, got %v", err)
	}
}

// Every off-table (state, trigger) pair fails and leaves state untouched.
func TestStateMachineSoundness(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)

	// CREATED: approve, submit, dispute all rejected.
	if _, err := env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("submit in CREATED: got %v", err)
	}
	if _, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("approve in CREATED: got %v", err)
	}
	if _, err := env.svc.RaiseDispute(ctx, c.ID, ms[0].ID, "alice", "r", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("dispute in CREATED: got %v", err)
	}

	// Terminal states are immutable.
	_, _ = env.svc.Deposit(ctx, c.ID, "alice", 100000)
	if _, err := env.svc.Cancel(ctx, c.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.svc.Deposit(ctx, c.ID, "alice", 100000); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("deposit after CANCELLED: got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, c.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel after CANCELLED: got %v", err)
	}
	stored, _ := env.store.GetContract(ctx, c.ID)
	if stored.State != StateCancelled {
		t.Errorf("state mutated by rejected transitions: %s", stored.State)
	}
}

func TestDepositRetryIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, _ := newContract(t, env)

	first, err := env.svc.Deposit(ctx, c.ID, "alice", 100000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	second, err := env.svc.Deposit(ctx, c.ID, "alice", 100000)
	if err != nil {
		t.Fatalf("retried deposit: %v", err)
	}
	if second.ExternalRef != first.ExternalRef {
		t.Errorf("external ref changed across retry")
	}
}

// A provider call that exceeds the settlement timeout flags the contract
// for manual reconciliation and blocks further mutations until cleared.
func TestSettlementTimeoutFlagsReconciliation(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	env.gateway.delay = 500 * time.Millisecond
	ctx := context.Background()
	c, ms := newContract(t, env)

	_, err := env.svc.Deposit(ctx, c.ID, "alice", 100000)
	if !errors.Is(err, payment.ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed on timeout, got %v", err)
	}
	stored, _ := env.store.GetContract(ctx, c.ID)
	if !stored.RequiresReconciliation {
		t.Fatal("contract must be flagged for reconciliation")
	}

	// Further mutations are blocked while flagged.
	if _, err := env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob"); !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("expected ErrReconciliationRequired, got %v", err)
	}

	// Reconcile: the gateway never recorded the deposit, records agree,
	// flag clears and the retry goes through.
	env.gateway.delay = 0
	report, err := env.svc.Reconcile(ctx, c.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("expected consistent report, got %+v", report)
	}
	if _, err := env.svc.Deposit(ctx, c.ID, "alice", 100000); err != nil {
		t.Fatalf("deposit after reconciliation: %v", err)
	}
}

// Replaying an already-applied transition as the wrong party must be
// rejected, not answered with the stored success and its settlement ref.
func TestIdempotentRetriesStillCheckRole(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)

	if _, err := env.svc.Deposit(ctx, c.ID, "alice", 100000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := env.svc.Deposit(ctx, c.ID, "mallory", 100000); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("outsider deposit replay: expected ErrRoleConflict, got %v", err)
	}
	if _, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "mallory"); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("outsider approve replay: expected ErrRoleConflict, got %v", err)
	}
	if _, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "bob"); !errors.Is(err, roles.ErrRoleConflict) {
		t.Errorf("freelancer approve replay: expected ErrRoleConflict, got %v", err)
	}

	// The client's own retry still short-circuits without a second release.
	m, err := env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "alice")
	if err != nil {
		t.Fatalf("client approve retry: %v", err)
	}
	if m.Status != MilestoneApproved || m.SettlementRef == "" {
		t.Fatalf("unexpected milestone after retry: %+v", m)
	}
	if env.gateway.payouts != 1 {
		t.Errorf("expected exactly 1 payout, got %d", env.gateway.payouts)
	}
}

// A failure opening the dispute case rolls the milestone and contract back,
// so no DISPUTED records survive without a case behind them.
func TestDisputeOpenFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)
	_, _ = env.svc.Deposit(ctx, c.ID, "alice", 100000)
	_, _ = env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob")

	env.opener.fail = errors.New("dispute engine unavailable")
	if _, err := env.svc.RaiseDispute(ctx, c.ID, ms[0].ID, "alice", "not as specified", nil); err == nil {
		t.Fatal("expected dispute open failure to surface")
	}

	stored, _ := env.store.GetContract(ctx, c.ID)
	if stored.State != StateInProgress {
		t.Errorf("contract must roll back to IN_PROGRESS, got %s", stored.State)
	}
	m, _ := env.store.GetMilestone(ctx, c.ID, ms[0].ID)
	if m.Status != MilestoneSubmitted {
		t.Errorf("milestone must roll back to SUBMITTED, got %s", m.Status)
	}
	if env.opener.opened != 0 {
		t.Errorf("no case must be recorded, got %d", env.opener.opened)
	}

	// Once the engine recovers, raising the dispute again succeeds.
	env.opener.fail = nil
	disputeID, err := env.svc.RaiseDispute(ctx, c.ID, ms[0].ID, "alice", "not as specified", nil)
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if disputeID == "" || env.opener.opened != 1 {
		t.Fatalf("dispute case not opened on retry")
	}
	stored, _ = env.store.GetContract(ctx, c.ID)
	if stored.State != StateDisputed {
		t.Errorf("expected DISPUTED after retry, got %s", stored.State)
	}
}

func TestExternalRefImmutableAfterFunding(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	ctx := context.Background()
	c, ms := newContract(t, env)
	funded, _ := env.svc.Deposit(ctx, c.ID, "alice", 100000)
	ref := funded.ExternalRef

	_, _ = env.svc.SubmitMilestone(ctx, c.ID, ms[0].ID, "bob")
	_, _ = env.svc.ApproveMilestone(ctx, c.ID, ms[0].ID, "alice")

	stored, _ := env.store.GetContract(ctx, c.ID)
	if stored.ExternalRef != ref {
		t.Errorf("external ref mutated after funding: %q -> %q", ref, stored.ExternalRef)
	}
}
