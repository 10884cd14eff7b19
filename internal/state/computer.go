package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/monsoonfire/studio-os/internal/canon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var sourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "studio_os_state_source_failures_total",
	Help: "Source reads that failed during state computation",
}, []string{"source"})

// DefaultSourceTimeout bounds a single source read.
const DefaultSourceTimeout = 10 * time.Second

// ReadRequest is passed to every source.
type ReadRequest struct {
	SourceIdentity string
	ScanLimit      int
}

// Source reads one authoritative source and reports its metrics.
type Source interface {
	Name() string
	Read(ctx context.Context, req ReadRequest) (map[string]float64, error)
}

// ComputerConfig configures a Computer.
type ComputerConfig struct {
	Sources       []Source
	SourceTimeout time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

// Computer builds snapshots. It is the only component that reads
// authoritative sources.
type Computer struct {
	sources []Source
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewComputer(cfg ComputerConfig) *Computer {
	c := &Computer{
		sources: cfg.Sources,
		timeout: cfg.SourceTimeout,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultSourceTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// ComputeState reads every source in order and derives a snapshot. A source
// that fails or times out degrades completeness to partial and adds a
// warning; the computation continues with the remaining sources. An error is
// returned only when ctx is already done.
func (c *Computer) ComputeState(ctx context.Context, sourceIdentity string, scanLimit int) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("ComputeState: %w", err)
	}

	now := c.now().UTC()
	snap := Snapshot{
		SnapshotDate:   now.Format(DateLayout),
		GeneratedAt:    now,
		SourceIdentity: sourceIdentity,
		SourceHashes:   make(map[string]string, len(c.sources)),
		Diagnostics: Diagnostics{
			Completeness: CompletenessFull,
			Warnings:     []string{},
			DurationsMs:  make(map[string]int64, len(c.sources)),
		},
		Metrics: make(map[string]float64),
	}
	if len(c.sources) == 0 {
		snap.Warn("no sources configured")
	}

	req := ReadRequest{SourceIdentity: sourceIdentity, ScanLimit: scanLimit}
	owner := make(map[string]string)

	for _, src := range c.sources {
		name := src.Name()
		start := time.Now()
		metrics, err := c.readOne(ctx, src, req)
		elapsed := time.Since(start)
		snap.Diagnostics.DurationsMs[name] = elapsed.Milliseconds()

		if err != nil {
			sourceFailures.WithLabelValues(name).Inc()
			snap.Warn(fmt.Sprintf("source %s failed: %v", name, err))
			c.logger.Warn("state source failed",
				zap.String("source", name),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
			continue
		}

		hash, err := canon.Hash(metrics)
		if err != nil {
			snap.Warn(fmt.Sprintf("source %s returned unhashable metrics: %v", name, err))
			continue
		}
		snap.SourceHashes[name] = hash

		keys := make([]string, 0, len(metrics))
		for k := range metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if prev, dup := owner[k]; dup {
				snap.Warn(fmt.Sprintf("metric %s from %s overrides %s", k, name, prev))
			}
			owner[k] = name
			snap.Metrics[k] = metrics[k]
		}
	}

	c.logger.Info("state computed",
		zap.String("snapshot_date", snap.SnapshotDate),
		zap.String("completeness", string(snap.Diagnostics.Completeness)),
		zap.Int("metrics", len(snap.Metrics)),
		zap.Int("warnings", len(snap.Diagnostics.Warnings)),
	)
	return snap, nil
}

// readOne runs the read on its own goroutine so a source that ignores ctx
// cannot stall the pass past its timeout.
func (c *Computer) readOne(ctx context.Context, src Source, req ReadRequest) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		metrics map[string]float64
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		m, err := src.Read(ctx, req)
		ch <- result{metrics: m, err: err}
	}()

	select {
	case r := <-ch:
		return r.metrics, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out after %s: %w", c.timeout, ctx.Err())
	}
}

// ComputeDiff compares two snapshots. It returns nil exactly when previous
// is nil. Metrics missing on one side count as 0.
func ComputeDiff(previous *Snapshot, current Snapshot) *Diff {
	if previous == nil {
		return nil
	}
	d := &Diff{
		FromDate: previous.SnapshotDate,
		ToDate:   current.SnapshotDate,
		Deltas:   make(map[string]MetricDelta, len(current.Metrics)),
	}
	for k := range previous.Metrics {
		d.Deltas[k] = MetricDelta{}
	}
	for k := range current.Metrics {
		d.Deltas[k] = MetricDelta{}
	}
	for k := range d.Deltas {
		p, c := previous.Metrics[k], current.Metrics[k]
		d.Deltas[k] = MetricDelta{Previous: p, Current: c, Delta: c - p}
	}
	return d
}
