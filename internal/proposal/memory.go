package proposal

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]Proposal
	results   map[string]Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]Proposal),
		results:   make(map[string]Result),
	}
}

func (m *MemoryStore) Create(_ context.Context, p Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; ok {
		return fmt.Errorf("Create %s: duplicate id", p.ID)
	}
	m.proposals[p.ID] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]Proposal, error) {
	m.mu.RLock()
	out := make([]Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.TenantID != "" && p.TenantID != f.TenantID {
			continue
		}
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, p Proposal, from Status, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.proposals[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleStatus, p.ID, cur.Status, from)
	}
	m.proposals[p.ID] = p
	if res != nil {
		m.results[flightKey(res.ProposalID, res.Operation, res.IdempotencyKey)] = *res
	}
	return nil
}

func (m *MemoryStore) Result(_ context.Context, proposalID string, op Operation, key string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[flightKey(proposalID, op, key)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}
