// Package detectors turns snapshots into draft recommendations. Detectors
// are pure rule sets; the Runner audits their output.
package detectors

import (
	"time"

	"github.com/monsoonfire/studio-os/internal/canon"
	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/monsoonfire/studio-os/internal/state"
)

// DefaultDedupeWindow is how long an emitted draft suppresses the same rule
// for the same snapshot date.
const DefaultDedupeWindow = 360 * time.Minute

// Severity ranks a draft for the staff console.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Detector is the interface every rule engine implements.
// Detect must be pure: no I/O, no writes, no clock reads beyond Input.Now.
type Detector interface {
	// Name returns the detector's identifier (e.g. "anomaly").
	Name() string

	// Namespace returns the event namespace the detector audits into.
	Namespace() string

	Detect(in Input) Output
}

// Input is everything a detector may look at.
type Input struct {
	Current      *state.Snapshot
	Previous     *state.Snapshot
	Diff         *state.Diff
	Now          time.Time
	RecentEvents []events.Record
	DedupeWindow time.Duration // DefaultDedupeWindow when zero
}

// Draft is a recommendation that needs a proposal and approval before
// anything changes.
type Draft struct {
	RuleID       string             `json:"ruleId"`
	Title        string             `json:"title"`
	Rationale    string             `json:"rationale"`
	Severity     Severity           `json:"severity"`
	CapabilityID string             `json:"capabilityId,omitempty"`
	Input        map[string]any     `json:"input,omitempty"`
	Evidence     map[string]float64 `json:"evidence"`
	SnapshotDate string             `json:"snapshotDate"`
	DedupeHash   string             `json:"dedupeHash"`
}

// Output is the result of one detector run.
type Output struct {
	Detector        string   `json:"detector"`
	Namespace       string   `json:"namespace"`
	Emitted         []Draft  `json:"emitted"`
	SuppressedCount int      `json:"suppressedCount"`
	RuleHits        []string `json:"ruleHits"`
}

// Finding is what a rule reports when it fires.
type Finding struct {
	Title     string
	Rationale string
	Severity  Severity
	Evidence  map[string]float64
	Input     map[string]any
}

// Rule is one independent check. CapabilityID names the capability a
// resulting proposal would exercise.
type Rule struct {
	ID           string
	CapabilityID string
	Evaluate     func(in Input) (Finding, bool)
}

// DraftAction is the event action for drafts emitted by a detector.
func DraftAction(d Detector) string {
	return d.Namespace() + "." + d.Name() + "_draft_created"
}

// RanAction is the event action for a detector's run summary.
func RanAction(d Detector) string {
	return d.Namespace() + "." + d.Name() + "_ran"
}

// DedupeHash identifies a rule firing for a snapshot date.
func DedupeHash(ruleID, snapshotDate string) string {
	return canon.MustHash(map[string]any{"ruleId": ruleID, "snapshotDate": snapshotDate})
}

// ruleSet is the shared Detect implementation for the studio detectors.
type ruleSet struct {
	name      string
	namespace string
	rules     []Rule
}

func (r *ruleSet) Name() string      { return r.name }
func (r *ruleSet) Namespace() string { return r.namespace }

func (r *ruleSet) Detect(in Input) Output {
	out := Output{
		Detector:  r.name,
		Namespace: r.namespace,
		Emitted:   []Draft{},
		RuleHits:  []string{},
	}
	if in.Current == nil {
		return out
	}
	window := in.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	action := DraftAction(r)

	for _, rule := range r.rules {
		f, hit := rule.Evaluate(in)
		if !hit {
			continue
		}
		out.RuleHits = append(out.RuleHits, rule.ID)

		hash := DedupeHash(rule.ID, in.Current.SnapshotDate)
		if _, dup := events.FindRecent(in.RecentEvents, action, hash, window, in.Now); dup {
			out.SuppressedCount++
			continue
		}
		sev := f.Severity
		if sev == "" {
			sev = SeverityWarning
		}
		out.Emitted = append(out.Emitted, Draft{
			RuleID:       rule.ID,
			Title:        f.Title,
			Rationale:    f.Rationale,
			Severity:     sev,
			CapabilityID: rule.CapabilityID,
			Input:        f.Input,
			Evidence:     f.Evidence,
			SnapshotDate: in.Current.SnapshotDate,
			DedupeHash:   hash,
		})
	}
	return out
}

// metric helpers shared by the rule sets

func current(in Input, name string) float64 { return in.Current.Metric(name) }

func previous(in Input, name string) (float64, bool) {
	if in.Previous == nil {
		return 0, false
	}
	v, ok := in.Previous.Metrics[name]
	return v, ok
}

// delta prefers the computed diff and falls back to the two snapshots.
func delta(in Input, name string) (float64, bool) {
	if in.Diff != nil {
		if d, ok := in.Diff.Deltas[name]; ok {
			return d.Delta, true
		}
	}
	p, ok := previous(in, name)
	if !ok {
		return 0, false
	}
	return current(in, name) - p, true
}
