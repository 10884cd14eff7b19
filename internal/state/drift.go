package state

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/monsoonfire/studio-os/internal/events"
	"go.uber.org/zap"
)

// ActionDriftDetected is the ledger action appended when drift is found.
const ActionDriftDetected = "studio_state.drift_detected"

// maxDriftWarnings bounds the summary lines folded into diagnostics.
const maxDriftWarnings = 10

// Thresholds configure drift detection. A metric is flagged only when both
// its absolute delta exceeds Absolute and its ratio exceeds Ratio.
type Thresholds struct {
	Absolute float64 `json:"absolute"`
	Ratio    float64 `json:"ratio"`
}

// DefaultThresholds returns the thresholds used when configuration is silent.
func DefaultThresholds() Thresholds {
	return Thresholds{Absolute: 5, Ratio: 0.2}
}

// DriftRow is one flagged metric.
type DriftRow struct {
	Metric     string  `json:"metric"`
	Expected   float64 `json:"expected"`
	Observed   float64 `json:"observed"`
	Delta      float64 `json:"delta"`
	DeltaRatio float64 `json:"deltaRatio"`
}

// DetectDrift compares the last persisted snapshot with a fresh one and
// returns rows ordered by metric name. Ratio is |delta| / |expected|, with
// |expected| below 1 treated as 1. A nil latest yields no rows.
func DetectDrift(latest *Snapshot, fresh Snapshot, th Thresholds) []DriftRow {
	if latest == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(fresh.Metrics))
	var names []string
	for _, n := range latest.MetricNames() {
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for _, n := range fresh.MetricNames() {
		if _, ok := seen[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var rows []DriftRow
	for _, n := range names {
		expected := latest.Metrics[n]
		observed := fresh.Metrics[n]
		delta := observed - expected
		denom := math.Max(math.Abs(expected), 1)
		ratio := math.Abs(delta) / denom
		if math.Abs(delta) > th.Absolute && ratio > th.Ratio {
			rows = append(rows, DriftRow{
				Metric:     n,
				Expected:   expected,
				Observed:   observed,
				Delta:      delta,
				DeltaRatio: ratio,
			})
		}
	}
	return rows
}

// DriftDetector folds drift rows into a fresh snapshot's diagnostics and
// records them in the ledger.
type DriftDetector struct {
	ledger     events.Appender
	thresholds Thresholds
	logger     *zap.Logger
}

func NewDriftDetector(ledger events.Appender, th Thresholds, logger *zap.Logger) *DriftDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriftDetector{ledger: ledger, thresholds: th, logger: logger}
}

// Detect computes drift between latest and fresh. When any row is found,
// fresh is downgraded to partial, gains up to 10 summary warnings, and one
// drift event carrying every row is appended.
func (d *DriftDetector) Detect(ctx context.Context, latest *Snapshot, fresh *Snapshot) ([]DriftRow, error) {
	rows := DetectDrift(latest, *fresh, d.thresholds)
	if len(rows) == 0 {
		return nil, nil
	}

	for i, r := range rows {
		if i == maxDriftWarnings {
			break
		}
		fresh.Warn(fmt.Sprintf("drift: %s expected %g observed %g (delta %g, ratio %.2f)",
			r.Metric, r.Expected, r.Observed, r.Delta, r.DeltaRatio))
	}

	_, err := d.ledger.Append(ctx, events.Entry{
		ActorType:     events.ActorSystem,
		ActorID:       "drift-detector",
		Action:        ActionDriftDetected,
		Rationale:     fmt.Sprintf("%d metric(s) drifted beyond thresholds", len(rows)),
		ApprovalState: events.ApprovalExempt,
		Input: map[string]any{
			"fromDate":   latest.SnapshotDate,
			"toDate":     fresh.SnapshotDate,
			"thresholds": d.thresholds,
		},
		Output: rows,
		Metadata: map[string]any{
			"rows":         rows,
			"rowCount":     len(rows),
			"snapshotDate": fresh.SnapshotDate,
		},
	})
	if err != nil {
		return rows, fmt.Errorf("DriftDetector.Detect: %w", err)
	}

	d.logger.Warn("drift detected",
		zap.String("snapshot_date", fresh.SnapshotDate),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}
