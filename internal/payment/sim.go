package payment

import (
	"context"
	"sync"

	"github.com/fairwork/escrowd/internal/idgen"
)

// SimGateway is an in-process gateway for demo mode: every call succeeds
// instantly and no real money moves. Idempotency keys are honored the same
// way a real gateway would honor them.
type SimGateway struct {
	mu   sync.Mutex
	refs map[string]string // idemKey -> ref
}

var _ Gateway = (*SimGateway)(nil)

func NewSimGateway() *SimGateway {
	return &SimGateway{refs: make(map[string]string)}
}

func (g *SimGateway) Collect(_ context.Context, _ string, _ int64, idemKey string) (string, error) {
	return g.ref(idemKey, "sim_ch_")
}

func (g *SimGateway) Payout(_ context.Context, _ string, _ int64, idemKey string) (string, error) {
	return g.ref(idemKey, "sim_po_")
}

func (g *SimGateway) Refund(_ context.Context, _ string, _ int64, idemKey string) (string, error) {
	return g.ref(idemKey, "sim_re_")
}

func (g *SimGateway) ref(idemKey, prefix string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.refs[idemKey]; ok {
		return ref, nil
	}
	ref := idgen.WithPrefix(prefix)
	g.refs[idemKey] = ref
	return ref, nil
}

// SimChain is an in-process chain backend for demo mode. Submitted
// transactions confirm on the first status check, so the asynchronous
// pending/confirm flow is still exercised end to end.
type SimChain struct {
	mu        sync.Mutex
	submitted map[string]bool
}

var _ ChainBackend = (*SimChain)(nil)

func NewSimChain() *SimChain {
	return &SimChain{submitted: make(map[string]bool)}
}

func (c *SimChain) Submit(_ context.Context, _ ChainOp) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := "0x" + idgen.Hex(32)
	c.submitted[hash] = true
	return hash, nil
}

func (c *SimChain) Confirmed(_ context.Context, txHash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted[txHash], nil
}
