package roles

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]*Binding // key: identity + "\x00" + contractID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]*Binding)}
}

func key(identity, contractID string) string {
	return identity + "\x00" + contractID
}

func (m *MemoryStore) Create(_ context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(b.Identity, b.ContractID)
	if _, exists := m.bindings[k]; exists {
		return ErrRoleConflict
	}
	cp := *b
	m.bindings[k] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, identity, contractID string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[key(identity, contractID)]
	if !ok {
		return nil, ErrNotBound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListByContract(_ context.Context, contractID string) ([]*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Binding
	for _, b := range m.bindings {
		if b.ContractID == contractID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}
