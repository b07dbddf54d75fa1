package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fairwork/escrowd/internal/circuitbreaker"
	"github.com/fairwork/escrowd/internal/idgen"
	"github.com/fairwork/escrowd/internal/logging"
	"github.com/fairwork/escrowd/internal/metrics"
	"github.com/fairwork/escrowd/internal/money"
	"github.com/fairwork/escrowd/internal/retry"
	"github.com/fairwork/escrowd/internal/syncutil"
)

// Gateway is the external money-movement API behind the custodial backend.
// Implementations must honor idemKey: repeating a call with the same key
// must not move funds twice.
type Gateway interface {
	// Collect charges payerID into the platform escrow account.
	Collect(ctx context.Context, payerID string, amount int64, idemKey string) (string, error)
	// Payout transfers amount from the platform escrow account to payeeID.
	Payout(ctx context.Context, payeeID string, amount int64, idemKey string) (string, error)
	// Refund returns amount from the charge identified by depositRef.
	Refund(ctx context.Context, depositRef string, amount int64, idemKey string) (string, error)
}

const breakerKey = "custodial-gateway"

// Custodial is the platform-managed escrow backend. Settlement is
// synchronous: a nil error means funds moved. Transient gateway failures
// are retried with bounded backoff behind a circuit breaker; exhausted
// retries surface as ErrSettlementFailed without advancing the record.
//
// Each contract is serialized through a per-contract lock held across the
// gateway call, so settlements on unrelated contracts proceed in parallel.
// The map mutex only guards record lookup and insertion.
type Custodial struct {
	gateway Gateway
	breaker *circuitbreaker.Breaker

	retryAttempts  int
	retryBaseDelay time.Duration

	locks *syncutil.ContextShardedMutex

	mu      sync.Mutex
	records map[string]*custodialRecord
	now     func() time.Time
}

type custodialRecord struct {
	clientID     string
	freelancerID string
	depositRef   string

	locked   int64
	released int64
	refunded int64

	frozenMilestones map[string]string // milestoneID -> dispute ref
	submitted        map[string]bool
	approveRefs      map[string]string // milestoneID -> settlement ref
	resolveRefs      map[string]string
	cancelRef        string

	updatedAt time.Time
}

var _ Provider = (*Custodial)(nil)

func NewCustodial(gateway Gateway, breaker *circuitbreaker.Breaker, retryAttempts int, retryBaseDelay time.Duration) *Custodial {
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = 200 * time.Millisecond
	}
	return &Custodial{
		gateway:        gateway,
		breaker:        breaker,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		locks:          syncutil.NewContextShardedMutex(),
		records:        make(map[string]*custodialRecord),
		now:            time.Now,
	}
}

// record looks up the settlement record for contractID. Record fields are
// only touched while holding the contract's lock.
func (c *Custodial) record(contractID string) (*custodialRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[contractID]
	return rec, ok
}

func (c *Custodial) DepositFunds(ctx context.Context, req DepositRequest) (string, error) {
	unlock, err := c.locks.LockContext(ctx, req.ContractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if rec, ok := c.record(req.ContractID); ok {
		// Retried deposit: funds already locked.
		return rec.depositRef, nil
	}

	ref, err := c.call(ctx, "deposit", func(idemKey string) (string, error) {
		return c.gateway.Collect(ctx, req.ClientID, req.Amount, idemKey)
	}, "dep:"+req.ContractID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.records[req.ContractID] = &custodialRecord{
		clientID:         req.ClientID,
		freelancerID:     req.FreelancerID,
		depositRef:       ref,
		locked:           req.Amount,
		frozenMilestones: make(map[string]string),
		submitted:        make(map[string]bool),
		approveRefs:      make(map[string]string),
		resolveRefs:      make(map[string]string),
		updatedAt:        c.now(),
	}
	c.mu.Unlock()
	logging.L(ctx).Info("custodial deposit settled",
		"contract_id", req.ContractID, "amount", money.Format(req.Amount), "ref", ref)
	return ref, nil
}

func (c *Custodial) SubmitMilestone(ctx context.Context, contractID, milestoneID string) error {
	unlock, err := c.locks.LockContext(ctx, contractID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := c.record(contractID)
	if !ok {
		return ErrUnknownContract
	}
	rec.submitted[milestoneID] = true
	rec.updatedAt = c.now()
	return nil
}

func (c *Custodial) ApproveMilestone(ctx context.Context, contractID, milestoneID string, amount int64) (string, error) {
	unlock, err := c.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := c.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}
	if ref, done := rec.approveRefs[milestoneID]; done {
		// Idempotent: second approval returns the original reference.
		return ref, nil
	}
	if _, frozen := rec.frozenMilestones[milestoneID]; frozen {
		return "", fmt.Errorf("%w: milestone %s", ErrFrozen, milestoneID)
	}
	if amount > rec.locked {
		return "", fmt.Errorf("%w: release %d exceeds locked %d", ErrInvalidState, amount, rec.locked)
	}

	ref, err := c.call(ctx, "release", func(idemKey string) (string, error) {
		return c.gateway.Payout(ctx, rec.freelancerID, amount, idemKey)
	}, "rel:"+milestoneID)
	if err != nil {
		return "", err
	}

	rec.locked -= amount
	rec.released += amount
	rec.approveRefs[milestoneID] = ref
	rec.updatedAt = c.now()
	logging.L(ctx).Info("custodial release settled",
		"contract_id", contractID, "milestone_id", milestoneID,
		"amount", money.Format(amount), "ref", ref)
	return ref, nil
}

func (c *Custodial) RaiseDispute(ctx context.Context, contractID, milestoneID, _ string) (string, error) {
	unlock, err := c.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := c.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}
	if ref, frozen := rec.frozenMilestones[milestoneID]; frozen {
		return ref, nil
	}
	ref := idgen.WithPrefix("frz_")
	rec.frozenMilestones[milestoneID] = ref
	rec.updatedAt = c.now()
	return ref, nil
}

func (c *Custodial) ResolveDispute(ctx context.Context, contractID, milestoneID string, decision Decision, freelancerSharePct int, amount int64) (string, error) {
	unlock, err := c.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := c.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}
	if ref, done := rec.resolveRefs[milestoneID]; done {
		return ref, nil
	}
	if _, frozen := rec.frozenMilestones[milestoneID]; !frozen {
		return "", fmt.Errorf("%w: milestone %s has no open dispute", ErrInvalidState, milestoneID)
	}
	if amount > rec.locked {
		return "", fmt.Errorf("%w: split %d exceeds locked %d", ErrInvalidState, amount, rec.locked)
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

	ref, err := c.call(ctx, "resolve", func(idemKey string) (string, error) {
		if share > 0 {
			if _, perr := c.gateway.Payout(ctx, rec.freelancerID, share, idemKey+":payout"); perr != nil {
				return "", perr
			}
		}
		if rest > 0 {
			if _, rerr := c.gateway.Refund(ctx, rec.depositRef, rest, idemKey+":refund"); rerr != nil {
				return "", rerr
			}
		}
		return idgen.WithPrefix("stl_"), nil
	}, "res:"+milestoneID)
	if err != nil {
		return "", err
	}

	rec.locked -= amount
	rec.released += share
	rec.refunded += rest
	delete(rec.frozenMilestones, milestoneID)
	rec.resolveRefs[milestoneID] = ref
	rec.updatedAt = c.now()
	logging.L(ctx).Info("custodial dispute split settled",
		"contract_id", contractID, "milestone_id", milestoneID,
		"decision", decision, "freelancer_share", money.Format(share),
		"client_refund", money.Format(rest), "ref", ref)
	return ref, nil
}

func (c *Custodial) CancelContract(ctx context.Context, contractID string) (string, error) {
	unlock, err := c.locks.LockContext(ctx, contractID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, ok := c.record(contractID)
	if !ok {
		return "", ErrUnknownContract
	}
	if rec.cancelRef != "" {
		return rec.cancelRef, nil
	}

	refundAmount := rec.locked
	ref, err := c.call(ctx, "cancel", func(idemKey string) (string, error) {
		if refundAmount == 0 {
			return idgen.WithPrefix("stl_"), nil
		}
		return c.gateway.Refund(ctx, rec.depositRef, refundAmount, idemKey)
	}, "cxl:"+contractID)
	if err != nil {
		return "", err
	}

	rec.locked = 0
	rec.refunded += refundAmount
	rec.cancelRef = ref
	rec.updatedAt = c.now()
	logging.L(ctx).Info("custodial cancel settled",
		"contract_id", contractID, "refunded", money.Format(refundAmount), "ref", ref)
	return ref, nil
}

func (c *Custodial) ProjectStatus(ctx context.Context, contractID string) (*Snapshot, error) {
	unlock, err := c.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, ok := c.record(contractID)
	if !ok {
		return nil, ErrUnknownContract
	}
	return &Snapshot{
		ContractID: contractID,
		Method:     MethodCustodial,
		Locked:     rec.locked,
		Released:   rec.released,
		Refunded:   rec.refunded,
		Frozen:     len(rec.frozenMilestones) > 0,
		UpdatedAt:  rec.updatedAt,
	}, nil
}

// call runs one gateway operation behind the circuit breaker with bounded
// retries. Classification:
//   - breaker open            -> ErrProviderUnavailable (no call made)
//   - ErrInsufficientFunds    -> not retried, surfaced as-is
//   - ErrSettlementFailed     -> not retried, surfaced as-is (fatal)
//   - anything else           -> retried; exhaustion -> ErrSettlementFailed
//
// Only transport-level failures count against the breaker. A payer decline
// or a fatal gateway verdict is a business outcome delivered by a healthy
// gateway and must not open the circuit for unrelated contracts.
func (c *Custodial) call(ctx context.Context, op string, fn func(idemKey string) (string, error), idemKey string) (string, error) {
	if err := c.breaker.Allow(breakerKey); err != nil {
		metrics.SettlementFailures.WithLabelValues(string(MethodCustodial), op).Inc()
		return "", fmt.Errorf("%w: circuit open", ErrProviderUnavailable)
	}

	start := time.Now()
	var ref string
	err := retry.Do(ctx, c.retryAttempts, c.retryBaseDelay, func() error {
		r, gerr := fn(idemKey)
		if gerr != nil {
			if errors.Is(gerr, ErrInsufficientFunds) || errors.Is(gerr, ErrSettlementFailed) {
				return retry.Permanent(gerr)
			}
			return gerr
		}
		ref = r
		return nil
	})
	metrics.SettlementDuration.WithLabelValues(string(MethodCustodial), op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SettlementFailures.WithLabelValues(string(MethodCustodial), op).Inc()
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrSettlementFailed) {
			return "", err
		}
		c.breaker.Failure(breakerKey)
		return "", fmt.Errorf("%w: %s after %d attempts: %w", ErrSettlementFailed, op, c.retryAttempts, err)
	}
	c.breaker.Success(breakerKey)
	return ref, nil
}
