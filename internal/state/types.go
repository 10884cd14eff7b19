// Package state computes immutable snapshots of derived studio state, diffs
// consecutive snapshots and flags drift between them.
package state

import (
	"context"
	"errors"
	"sort"
	"time"
)

// DateLayout is the layout of Snapshot.SnapshotDate.
const DateLayout = "2006-01-02"

// Completeness says whether every source contributed to a snapshot.
type Completeness string

const (
	CompletenessFull    Completeness = "full"
	CompletenessPartial Completeness = "partial"
)

// Diagnostics describes how a snapshot was produced.
type Diagnostics struct {
	Completeness Completeness     `json:"completeness"`
	Warnings     []string         `json:"warnings"`
	DurationsMs  map[string]int64 `json:"durationsMs"`
}

// Snapshot is the derived view of studio state for one date. Once persisted
// it is never modified; a later date supersedes it.
type Snapshot struct {
	SnapshotDate   string             `json:"snapshotDate"`
	GeneratedAt    time.Time          `json:"generatedAt"`
	SourceIdentity string             `json:"sourceIdentity"`
	SourceHashes   map[string]string  `json:"sourceHashes"`
	Diagnostics    Diagnostics        `json:"diagnostics"`
	Metrics        map[string]float64 `json:"metrics"`
}

// Metric returns the named metric, or 0 when absent.
func (s *Snapshot) Metric(name string) float64 {
	if s == nil {
		return 0
	}
	return s.Metrics[name]
}

// Partial reports whether the snapshot is missing data.
func (s *Snapshot) Partial() bool {
	return s != nil && s.Diagnostics.Completeness == CompletenessPartial
}

// Warn downgrades completeness and records a warning.
func (s *Snapshot) Warn(msg string) {
	s.Diagnostics.Completeness = CompletenessPartial
	s.Diagnostics.Warnings = append(s.Diagnostics.Warnings, msg)
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.SourceHashes = make(map[string]string, len(s.SourceHashes))
	for k, v := range s.SourceHashes {
		out.SourceHashes[k] = v
	}
	out.Metrics = make(map[string]float64, len(s.Metrics))
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	out.Diagnostics.Warnings = append([]string(nil), s.Diagnostics.Warnings...)
	out.Diagnostics.DurationsMs = make(map[string]int64, len(s.Diagnostics.DurationsMs))
	for k, v := range s.Diagnostics.DurationsMs {
		out.Diagnostics.DurationsMs[k] = v
	}
	return out
}

// MetricNames returns the snapshot's metric names, sorted.
func (s *Snapshot) MetricNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Metrics))
	for k := range s.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MetricDelta is one metric's change between two snapshots.
type MetricDelta struct {
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

// Diff holds per-metric deltas between two snapshot dates.
type Diff struct {
	FromDate string                 `json:"fromDate"`
	ToDate   string                 `json:"toDate"`
	Deltas   map[string]MetricDelta `json:"deltas"`
}

// Material reports whether any metric changed.
func (d *Diff) Material() bool {
	if d == nil {
		return false
	}
	for _, m := range d.Deltas {
		if m.Delta != 0 {
			return true
		}
	}
	return false
}

// ErrSnapshotExists is returned when a snapshot for the same date was
// already persisted.
var ErrSnapshotExists = errors.New("snapshot already exists for date")

// SnapshotStore persists snapshots and the diff created with each one.
type SnapshotStore interface {
	// LatestSnapshot returns the most recent snapshot, or nil if none.
	LatestSnapshot(ctx context.Context) (*Snapshot, error)
	// SaveSnapshot persists snap and its diff atomically. It returns
	// ErrSnapshotExists when snap.SnapshotDate is already stored.
	SaveSnapshot(ctx context.Context, snap Snapshot, diff *Diff) error
	// LatestDiff returns the diff created with the latest snapshot, or nil.
	LatestDiff(ctx context.Context) (*Diff, error)
}
