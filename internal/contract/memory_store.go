package contract

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	contracts  map[string]*Contract
	milestones map[string]map[string]*Milestone // contractID -> milestoneID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:  make(map[string]*Contract),
		milestones: make(map[string]map[string]*Milestone),
	}
}

func (m *MemoryStore) CreateContract(_ context.Context, c *Contract, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.contracts[c.ID] = &cp
	byID := make(map[string]*Milestone, len(milestones))
	for _, ms := range milestones {
		msCopy := *ms
		byID[ms.ID] = &msCopy
	}
	m.milestones[c.ID] = byID
	return nil
}

func (m *MemoryStore) GetContract(_ context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateContract(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetMilestone(_ context.Context, contractID, milestoneID string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.milestones[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	ms, ok := byID[milestoneID]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) ListMilestones(_ context.Context, contractID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.milestones[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Milestone, 0, len(byID))
	for _, ms := range byID {
		cp := *ms
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out, nil
}

func (m *MemoryStore) UpdateMilestone(_ context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.milestones[ms.ContractID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[ms.ID]; !ok {
		return ErrMilestoneNotFound
	}
	cp := *ms
	byID[ms.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParticipant(_ context.Context, identity string) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Contract
	for _, c := range m.contracts {
		if c.ClientID == identity || c.FreelancerID == identity {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
