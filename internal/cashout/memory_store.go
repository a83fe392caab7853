package cashout

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory cashout store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	cashouts map[string]*Cashout
}

// NewMemoryStore creates a new in-memory cashout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cashouts: make(map[string]*Cashout)}
}

func (m *MemoryStore) Create(ctx context.Context, co *Cashout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *co
	m.cashouts[co.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	co, ok := m.cashouts[id]
	if !ok {
		return nil, ErrCashoutNotFound
	}
	cp := *co
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, co *Cashout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cashouts[co.ID]; !ok {
		return ErrCashoutNotFound
	}
	cp := *co
	m.cashouts[co.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Cashout
	for _, co := range m.cashouts {
		if co.UserID == userID {
			cp := *co
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
