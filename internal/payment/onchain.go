package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fairwork/escrowd/internal/idgen"
	"github.com/fairwork/escrowd/internal/logging"
	"github.com/fairwork/escrowd/internal/metrics"
	"github.com/fairwork/escrowd/internal/money"
	"github.com/fairwork/escrowd/internal/syncutil"
)

// ChainOpKind identifies the on-chain escrow operation a transaction performs.
type ChainOpKind string

const (
	ChainOpDeposit ChainOpKind = "deposit"
	ChainOpRelease ChainOpKind = "release"
	ChainOpResolve ChainOpKind = "resolve"
	ChainOpCancel  ChainOpKind = "cancel"
)

// ChainOp describes one escrow transaction to submit.
type ChainOp struct {
	Kind         ChainOpKind
	ContractID   string
	MilestoneID  string
	LockAmount   int64
	PayoutAmount int64
	RefundAmount int64
}

// ChainBackend submits escrow transactions and reports their confirmation.
// Confirmed returns (false, nil) while the transaction is in flight and an
// error wrapping ErrSettlementFailed once it has definitively reverted.
type ChainBackend interface {
	Submit(ctx context.Context, op ChainOp) (txHash string, err error)
	Confirmed(ctx context.Context, txHash string) (bool, error)
}

// OnChain is the blockchain escrow backend. Settlement is asynchronous: a
// mutating call submits a transaction and returns ErrSettlementPending; the
// record advances only once the transaction confirms. While a transaction
// is pending, every other mutating call on the contract is rejected with
// ErrSettlementPending so conflicting transactions never race on chain.
//
// Each contract is serialized through a per-contract lock held across the
// chain call, so unrelated contracts submit and reconcile in parallel. The
// map mutex only guards record lookup and insertion.
type OnChain struct {
	chain ChainBackend

	locks *syncutil.ContextShardedMutex

	mu      sync.Mutex
	records map[string]*onchainRecord
	now     func() time.Time
}

type onchainRecord struct {
	clientID     string
	freelancerID string

	locked   int64
	released int64
	refunded int64

	frozenMilestones map[string]string
	submitted        map[string]bool
	results          map[string]string // op key -> settlement ref (tx hash)
	pending          *pendingOp

	updatedAt time.Time
}

type pendingOp struct {
	op     ChainOp
	txHash string
}

var _ Provider = (*OnChain)(nil)

func NewOnChain(chain ChainBackend) *OnChain {
	return &OnChain{
		chain:   chain,
		locks:   syncutil.NewContextShardedMutex(),
		records: make(map[string]*onchainRecord),
		now:     time.Now,
	}
}

// record looks up the settlement record for contractID. Record fields are
// only touched while holding the contract's lock.
func (o *OnChain) record(contractID string) (*onchainRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[contractID]
	return rec, ok
}

func opKey(op ChainOp) string {
	return string(op.Kind) + ":" + op.ContractID + ":" + op.MilestoneID
}

func (o *OnChain) DepositFunds(ctx context.Context, req DepositRequest) (string, error) {
	unlock, err := o.locks.LockContext(ctx, req.ContractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	o.mu.Lock()
	rec, ok := o.records[req.ContractID]
	if !ok {
		rec = &onchainRecord{
			clientID:         req.ClientID,
			freelancerID:     req.FreelancerID,
			frozenMilestones: make(map[string]string),
			submitted:        make(map[string]bool),
			results:          make(map[string]string),
			updatedAt:        o.now(),
		}
		o.records[req.ContractID] = rec
	}
	o.mu.Unlock()

	return o.mutateLocked(ctx, rec, ChainOp{
		Kind:       ChainOpDeposit,
		ContractID: req.ContractID,
		LockAmount: req.Amount,
	})
}

func (o *OnChain) SubmitMilestone(ctx context.Context, contractID, milestoneID string) error {
	unlock, err := o.locks.LockContext(ctx, contractID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := o.record(contractID)
	if !ok {
		return ErrUnknownContract
	}
	if rec.locked == 0 && rec.pending != nil {
		return fmt.Errorf("%w: deposit tx %s", ErrSettlementPending, rec.pending.txHash)
	}
	rec.submitted[milestoneID] = true
	rec.updatedAt = o.now()
	return nil
}

func (o *OnChain) ApproveMilestone(ctx context.Context, contractID, milestoneID string, amount int64) (string, error) {
	unlock, err := o.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := o.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}
	op := ChainOp{
		Kind:         ChainOpRelease,
		ContractID:   contractID,
		MilestoneID:  milestoneID,
		PayoutAmount: amount,
	}
	if ref, done := rec.results[opKey(op)]; done {
		return ref, nil
	}
	if _, frozen := rec.frozenMilestones[milestoneID]; frozen {
		return "", fmt.Errorf("%w: milestone %s", ErrFrozen, milestoneID)
	}
	return o.mutateLocked(ctx, rec, op)
}

func (o *OnChain) RaiseDispute(ctx context.Context, contractID, milestoneID, _ string) (string, error) {
	unlock, err := o.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := o.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}
	if ref, frozen := rec.frozenMilestones[milestoneID]; frozen {
		return ref, nil
	}
	ref := idgen.WithPrefix("frz_")
	rec.frozenMilestones[milestoneID] = ref
	rec.updatedAt = o.now()
	return ref, nil
}

func (o *OnChain) ResolveDispute(ctx context.Context, contractID, milestoneID string, decision Decision, freelancerSharePct int, amount int64) (string, error) {
	unlock, err := o.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := o.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}

	var share, rest int64
	switch decision {
	case DecisionFreelancer:
		share, rest = amount, 0
	case DecisionClient:
		share, rest = 0, amount
	case DecisionPartial:
		share, rest = money.Split(amount, freelancerSharePct)
	default:
		return "", fmt.Errorf("%w: decision %q", ErrInvalidState, decision)
	}

	op := ChainOp{
		Kind:         ChainOpResolve,
		ContractID:   contractID,
		MilestoneID:  milestoneID,
		PayoutAmount: share,
		RefundAmount: rest,
	}
	if ref, done := rec.results[opKey(op)]; done {
		return ref, nil
	}
	if _, frozen := rec.frozenMilestones[milestoneID]; !frozen {
		return "", fmt.Errorf("%w: milestone %s has no open dispute", ErrInvalidState, milestoneID)
	}
	return o.mutateLocked(ctx, rec, op)
}

func (o *OnChain) CancelContract(ctx context.Context, contractID string) (string, error) {
	unlock, err := o.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := o.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}
	op := ChainOp{
		Kind:         ChainOpCancel,
		ContractID:   contractID,
		RefundAmount: rec.locked,
	}
	// The refund amount is fixed when the cancel is first submitted; use
	// the stored key so a retry after confirmation finds its result.
	if ref, done := rec.results[string(ChainOpCancel)+":"+contractID+":"]; done {
		return ref, nil
	}
	return o.mutateLocked(ctx, rec, op)
}

func (o *OnChain) ProjectStatus(ctx context.Context, contractID string) (*Snapshot, error) {
	unlock, err := o.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, ok := o.record(contractID)
	if !ok {
		return nil, ErrUnknownContract
	}
	if rec.pending != nil {
		// Best-effort reconcile; a still-pending tx is not an error for a
		// read, the snapshot just carries the pending hash.
		if err := o.reconcileLocked(ctx, rec); err != nil &&
			!errors.Is(err, ErrSettlementPending) && !errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}
	}

	snap := &Snapshot{
		ContractID: contractID,
		Method:     MethodOnChain,
		Locked:     rec.locked,
		Released:   rec.released,
		Refunded:   rec.refunded,
		Frozen:     len(rec.frozenMilestones) > 0,
		UpdatedAt:  rec.updatedAt,
	}
	if rec.pending != nil {
		snap.PendingTx = rec.pending.txHash
	}
	return snap, nil
}

// Reconcile checks the pending transaction for contractID, applying its
// effect if confirmed. Returns ErrSettlementPending while still in flight.
func (o *OnChain) Reconcile(ctx context.Context, contractID string) error {
	unlock, err := o.locks.LockContext(ctx, contractID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := o.record(contractID)
	if !ok {
		return ErrUnknownContract
	}
	if rec.pending == nil {
		return nil
	}
	return o.reconcileLocked(ctx, rec)
}

// mutateLocked submits op unless a prior transaction is still pending.
// Caller holds the contract lock and has already checked idempotency and
// freeze guards.
func (o *OnChain) mutateLocked(ctx context.Context, rec *onchainRecord, op ChainOp) (string, error) {
	if rec.pending != nil {
		if err := o.reconcileLocked(ctx, rec); err != nil {
			return "", err
		}
		// The pending op may have been this very op, now confirmed.
		if ref, done := rec.results[opKey(op)]; done {
			return ref, nil
		}
	}

	if op.Kind == ChainOpRelease || op.Kind == ChainOpResolve {
		total := op.PayoutAmount + op.RefundAmount
		if total > rec.locked {
			return "", fmt.Errorf("%w: split %d exceeds locked %d", ErrInvalidState, total, rec.locked)
		}
	}

	start := time.Now()
	hash, err := o.chain.Submit(ctx, op)
	metrics.SettlementDuration.WithLabelValues(string(MethodOnChain), string(op.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SettlementFailures.WithLabelValues(string(MethodOnChain), string(op.Kind)).Inc()
		return "", fmt.Errorf("%w: submit %s: %w", ErrProviderUnavailable, op.Kind, err)
	}

	rec.pending = &pendingOp{op: op, txHash: hash}
	rec.updatedAt = o.now()
	logging.L(ctx).Info("chain tx submitted",
		"contract_id", op.ContractID, "kind", op.Kind, "tx", hash)
	return hash, fmt.Errorf("%w: tx %s", ErrSettlementPending, hash)
}

// reconcileLocked resolves rec.pending: applies the effect on confirmation,
// drops it on revert, or reports it still pending. Caller holds the
// contract lock.
func (o *OnChain) reconcileLocked(ctx context.Context, rec *onchainRecord) error {
	p := rec.pending
	confirmed, err := o.chain.Confirmed(ctx, p.txHash)
	if err != nil {
		if errors.Is(err, ErrSettlementFailed) {
			// Reverted on chain: no funds moved, clear the pending slot.
			rec.pending = nil
			rec.updatedAt = o.now()
			metrics.SettlementFailures.WithLabelValues(string(MethodOnChain), string(p.op.Kind)).Inc()
			logging.L(ctx).Error("chain tx reverted",
				"contract_id", p.op.ContractID, "kind", p.op.Kind, "tx", p.txHash)
			return err
		}
		return fmt.Errorf("%w: check tx %s: %v", ErrProviderUnavailable, p.txHash, err)
	}
	if !confirmed {
		return fmt.Errorf("%w: tx %s", ErrSettlementPending, p.txHash)
	}

	switch p.op.Kind {
	case ChainOpDeposit:
		rec.locked += p.op.LockAmount
	case ChainOpRelease:
		rec.locked -= p.op.PayoutAmount
		rec.released += p.op.PayoutAmount
	case ChainOpResolve:
		rec.locked -= p.op.PayoutAmount + p.op.RefundAmount
		rec.released += p.op.PayoutAmount
		rec.refunded += p.op.RefundAmount
		delete(rec.frozenMilestones, p.op.MilestoneID)
	case ChainOpCancel:
		rec.locked -= p.op.RefundAmount
		rec.refunded += p.op.RefundAmount
	}
	rec.results[opKey(p.op)] = p.txHash
	rec.pending = nil
	rec.updatedAt = o.now()
	logging.L(ctx).Info("chain tx confirmed",
		"contract_id", p.op.ContractID, "kind", p.op.Kind, "tx", p.txHash)
	return nil
}
