// Package scheduler drives the periodic compute and detector pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/monsoonfire/studio-os/internal/detectors"
	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/monsoonfire/studio-os/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ActionPassCompleted is appended once per successful pass.
const ActionPassCompleted = "studio_state.computed"

// DefaultRecentEvents is how much history detectors see for dedupe.
const DefaultRecentEvents = 500

var (
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "studio_os_pass_duration_seconds",
		Help:    "Duration of one compute and detector pass",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	passFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studio_os_pass_failures_total",
		Help: "Passes that returned an error",
	})
	snapshotCompleteness = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "studio_os_snapshot_partial",
		Help: "1 when the most recent computed snapshot was partial",
	})
)

// Ledger is what a pass needs from the audit log.
type Ledger interface {
	events.Appender
	events.Reader
}

type PassConfig struct {
	Computer       *state.Computer
	Snapshots      state.SnapshotStore
	Drift          *state.DriftDetector
	Runner         *detectors.Runner
	Ledger         Ledger
	SourceIdentity string
	ScanLimit      int
	DedupeWindow   time.Duration
	RecentEvents   int
	Now            func() time.Time
	Logger         *zap.Logger
}

// Pass is one synchronous run: compute, flag drift, run detectors, persist.
type Pass struct {
	cfg PassConfig
	mu  sync.Mutex
}

// Result summarizes a pass.
type Result struct {
	Snapshot  state.Snapshot
	Diff      *state.Diff
	Drift     []state.DriftRow
	Outputs   []detectors.Output
	Persisted bool
	Duration  time.Duration
}

// Drafts counts drafts emitted across detectors.
func (r *Result) Drafts() int {
	n := 0
	for _, o := range r.Outputs {
		n += len(o.Emitted)
	}
	return n
}

func NewPass(cfg PassConfig) *Pass {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = DefaultRecentEvents
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = detectors.DefaultDedupeWindow
	}
	return &Pass{cfg: cfg}
}

// Run executes one pass. Concurrent calls are serialized. A snapshot is
// persisted when there is none yet, or when it falls on a later date than
// the latest one and something material happened: metrics changed, drift
// was flagged or a detector emitted a draft. Snapshots are immutable, so
// repeated passes on one date only add events.
func (p *Pass) Run(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	res, err := p.run(ctx)
	elapsed := time.Since(start)
	passDuration.Observe(elapsed.Seconds())
	if err != nil {
		passFailures.Inc()
		return nil, err
	}
	res.Duration = elapsed
	return res, nil
}

func (p *Pass) run(ctx context.Context) (*Result, error) {
	cfg := p.cfg
	snap, err := cfg.Computer.ComputeState(ctx, cfg.SourceIdentity, cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("Pass.Run: %w", err)
	}

	latest, err := cfg.Snapshots.LatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("Pass.Run: latest snapshot: %w", err)
	}

	res := &Result{Diff: state.ComputeDiff(latest, snap)}

	res.Drift, err = cfg.Drift.Detect(ctx, latest, &snap)
	if err != nil {
		return nil, fmt.Errorf("Pass.Run: %w", err)
	}
	if snap.Partial() {
		snapshotCompleteness.Set(1)
	} else {
		snapshotCompleteness.Set(0)
	}

	recent, err := cfg.Ledger.ListRecent(ctx, cfg.RecentEvents)
	if err != nil {
		return nil, fmt.Errorf("Pass.Run: recent events: %w", err)
	}

	res.Outputs, err = cfg.Runner.Run(ctx, detectors.Input{
		Current:      &snap,
		Previous:     latest,
		Diff:         res.Diff,
		Now:          cfg.Now().UTC(),
		RecentEvents: recent,
		DedupeWindow: cfg.DedupeWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("Pass.Run: %w", err)
	}

	if shouldPersist(latest, snap, res) {
		err := cfg.Snapshots.SaveSnapshot(ctx, snap, res.Diff)
		switch {
		case errors.Is(err, state.ErrSnapshotExists):
			cfg.Logger.Info("snapshot already persisted for date",
				zap.String("snapshot_date", snap.SnapshotDate))
		case err != nil:
			return nil, fmt.Errorf("Pass.Run: %w", err)
		default:
			res.Persisted = true
		}
	}
	res.Snapshot = snap

	if _, err := cfg.Ledger.Append(ctx, events.Entry{
		ActorType:     events.ActorSystem,
		ActorID:       "scheduler",
		Action:        ActionPassCompleted,
		Rationale:     "scheduled state pass",
		Target:        events.TargetLocal,
		ApprovalState: events.ApprovalExempt,
		Input:         map[string]any{"sourceIdentity": cfg.SourceIdentity, "scanLimit": cfg.ScanLimit},
		Output:        snap.SourceHashes,
		Metadata: map[string]any{
			"snapshotDate": snap.SnapshotDate,
			"completeness": string(snap.Diagnostics.Completeness),
			"warnings":     len(snap.Diagnostics.Warnings),
			"driftRows":    len(res.Drift),
			"drafts":       res.Drafts(),
			"persisted":    res.Persisted,
		},
	}); err != nil {
		return nil, fmt.Errorf("Pass.Run: %w", err)
	}

	cfg.Logger.Info("pass completed",
		zap.String("snapshot_date", snap.SnapshotDate),
		zap.String("completeness", string(snap.Diagnostics.Completeness)),
		zap.Int("drift_rows", len(res.Drift)),
		zap.Int("drafts", res.Drafts()),
		zap.Bool("persisted", res.Persisted),
	)
	return res, nil
}

func shouldPersist(latest *state.Snapshot, snap state.Snapshot, res *Result) bool {
	if latest == nil {
		return true
	}
	if snap.SnapshotDate <= latest.SnapshotDate {
		return false
	}
	return res.Diff.Material() || len(res.Drift) > 0 || res.Drafts() > 0
}
