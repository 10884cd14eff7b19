package state

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process SnapshotStore.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps []Snapshot
	diffs map[string]*Diff // keyed by ToDate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{diffs: make(map[string]*Diff)}
}

func (m *MemoryStore) LatestSnapshot(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snaps) == 0 {
		return nil, nil
	}
	s := m.snaps[len(m.snaps)-1].Clone()
	return &s, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot, diff *Diff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snaps {
		if s.SnapshotDate == snap.SnapshotDate {
			return fmt.Errorf("SaveSnapshot %s: %w", snap.SnapshotDate, ErrSnapshotExists)
		}
	}
	if n := len(m.snaps); n > 0 && snap.SnapshotDate < m.snaps[n-1].SnapshotDate {
		return fmt.Errorf("SaveSnapshot %s: older than latest %s", snap.SnapshotDate, m.snaps[n-1].SnapshotDate)
	}
	m.snaps = append(m.snaps, snap.Clone())
	if diff != nil {
		cp := *diff
		m.diffs[snap.SnapshotDate] = &cp
	}
	return nil
}

func (m *MemoryStore) LatestDiff(_ context.Context) (*Diff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snaps) == 0 {
		return nil, nil
	}
	d, ok := m.diffs[m.snaps[len(m.snaps)-1].SnapshotDate]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}
