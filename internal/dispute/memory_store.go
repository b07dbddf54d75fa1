package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

func clone(d *Case) *Case {
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	cp.Panel = append([]string(nil), d.Panel...)
	cp.Votes = append([]Vote(nil), d.Votes...)
	if d.AI != nil {
		ai := *d.AI
		cp.AI = &ai
	}
	if d.Tally != nil {
		tally := *d.Tally
		cp.Tally = &tally
	}
	if d.Verdict != nil {
		v := *d.Verdict
		cp.Verdict = &v
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, d *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[d.ID]; !ok {
		return ErrNotFound
	}
	m.cases[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Case
	for _, d := range m.cases {
		if d.Status == status {
			out = append(out, clone(d))
		}
	}
	return out, nil
}
