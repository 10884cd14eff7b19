package detectors

import (
	"fmt"
	"strings"

	"github.com/monsoonfire/studio-os/internal/state"
)

const (
	openOrdersSpikeRatio = 0.5
	openOrdersSpikeMin   = 5
	staleReservationsMin = 3
)

// OpsAnomalyDetector flags operational anomalies in the kiln and order
// pipeline.
type OpsAnomalyDetector struct {
	ruleSet
}

func NewOpsAnomalyDetector() *OpsAnomalyDetector {
	return &OpsAnomalyDetector{ruleSet{
		name:      "anomaly",
		namespace: "studio_ops",
		rules: []Rule{
			{ID: "ops.open_orders_spike", CapabilityID: "ops.acknowledge_anomaly", Evaluate: openOrdersSpike},
			{ID: "ops.kiln_offline", CapabilityID: "ops.acknowledge_anomaly", Evaluate: kilnOffline},
			{ID: "ops.firings_overdue", CapabilityID: "kiln.schedule_firing", Evaluate: firingsOverdue},
			{ID: "ops.stale_reservations", CapabilityID: "reservations.send_reminder", Evaluate: staleReservations},
			{ID: "ops.partial_snapshot", CapabilityID: "ops.acknowledge_anomaly", Evaluate: partialSnapshot},
		},
	}}
}

func openOrdersSpike(in Input) (Finding, bool) {
	prev, ok := previous(in, "openOrders")
	if !ok {
		return Finding{}, false
	}
	cur := current(in, "openOrders")
	grew := cur - prev
	if grew < openOrdersSpikeMin {
		return Finding{}, false
	}
	if prev > 0 && grew/prev < openOrdersSpikeRatio {
		return Finding{}, false
	}
	return Finding{
		Title:     "Open orders spiked",
		Rationale: fmt.Sprintf("open orders rose from %g to %g since the previous snapshot", prev, cur),
		Evidence:  map[string]float64{"previous": prev, "current": cur, "delta": grew},
	}, true
}

func kilnOffline(in Input) (Finding, bool) {
	n := current(in, "kilnsOffline")
	if n <= 0 {
		return Finding{}, false
	}
	return Finding{
		Title:     "Kilns offline",
		Rationale: fmt.Sprintf("%g kiln(s) report offline", n),
		Severity:  SeverityCritical,
		Evidence:  map[string]float64{"kilnsOffline": n},
	}, true
}

func firingsOverdue(in Input) (Finding, bool) {
	n := current(in, "firingsOverdue")
	if n <= 0 {
		return Finding{}, false
	}
	return Finding{
		Title:     "Firings overdue",
		Rationale: fmt.Sprintf("%g scheduled firing(s) are past their end time", n),
		Evidence:  map[string]float64{"firingsOverdue": n},
	}, true
}

func staleReservations(in Input) (Finding, bool) {
	n := current(in, "reservationsStale")
	if n < staleReservationsMin {
		return Finding{}, false
	}
	return Finding{
		Title:     "Pieces waiting for pickup",
		Rationale: fmt.Sprintf("%g reservation(s) have been ready for pickup for over two weeks", n),
		Severity:  SeverityInfo,
		Evidence:  map[string]float64{"reservationsStale": n},
		Input:     map[string]any{"template": "overdue_pickup"},
	}, true
}

func partialSnapshot(in Input) (Finding, bool) {
	if in.Current.Diagnostics.Completeness != state.CompletenessPartial {
		return Finding{}, false
	}
	warnings := in.Current.Diagnostics.Warnings
	summary := strings.Join(firstN(warnings, 3), "; ")
	return Finding{
		Title:     "Snapshot is partial",
		Rationale: "state computation was incomplete: " + summary,
		Evidence:  map[string]float64{"warnings": float64(len(warnings))},
	}, true
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
