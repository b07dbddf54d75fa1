// Package balance is the derived wallet read-model. Balances are always
// recomputed from the authoritative contract records; there is no
// independently writable balance field to drift from the ledger.
package balance

import (
	"context"

	"github.com/fairwork/escrowd/internal/contract"
	"github.com/fairwork/escrowd/internal/money"
)

// Balance is one identity's escrow position across all contracts.
type Balance struct {
	Identity  string `json:"identity"`
	Available int64  `json:"-"`
	Locked    int64  `json:"-"`

	// Formatted decimal views for API consumers.
	AvailableAmount string `json:"available"`
	LockedAmount    string `json:"locked"`
	TotalAmount     string `json:"total"`
}

// ContractReader is the slice of the contract store this read-model needs.
type ContractReader interface {
	ListByParticipant(ctx context.Context, identity string) ([]*contract.Contract, error)
}

// Service recomputes balances on every query.
type Service struct {
	contracts ContractReader
}

func NewService(contracts ContractReader) *Service {
	return &Service{contracts: contracts}
}

// For computes the identity's balance:
//   - available: released amounts on contracts where they are the
//     freelancer, plus refunded amounts where they are the client
//   - locked: undisbursed escrow across their FUNDED / IN_PROGRESS /
//     DISPUTED contracts
func (s *Service) For(ctx context.Context, identity string) (*Balance, error) {
	contracts, err := s.contracts.ListByParticipant(ctx, identity)
	if err != nil {
		return nil, err
	}

	b := &Balance{Identity: identity}
	for _, c := range contracts {
		if c.FreelancerID == identity {
			b.Available += c.ReleasedAmount
		}
		if c.ClientID == identity {
			b.Available += c.RefundedAmount
		}
		switch c.State {
		case contract.StateFunded, contract.StateInProgress, contract.StateDisputed:
			b.Locked += c.TotalAmount - c.ReleasedAmount - c.RefundedAmount
		}
	}

	b.AvailableAmount = money.Format(b.Available)
	b.LockedAmount = money.Format(b.Locked)
	b.TotalAmount = money.Format(b.Available + b.Locked)
	return b, nil
}
