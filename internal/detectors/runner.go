package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	draftsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_os_detector_drafts_total",
		Help: "Draft recommendations emitted by detector and rule",
	}, []string{"detector", "rule"})

	draftsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_os_detector_suppressed_total",
		Help: "Rule hits suppressed by the dedupe window",
	}, []string{"detector"})
)

// DefaultDetectors returns the studio's ops, finance and marketing detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		NewOpsAnomalyDetector(),
		NewFinanceReconciliationDetector(),
		NewMarketingDraftDetector(),
	}
}

// Runner runs detectors concurrently and audits every output.
type Runner struct {
	detectors []Detector
	ledger    events.Appender
	logger    *zap.Logger
}

func NewRunner(ledger events.Appender, logger *zap.Logger, detectors ...Detector) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{detectors: detectors, ledger: ledger, logger: logger}
}

// Run executes every detector against in. Each emitted draft becomes one
// *_draft_created event and each detector always gets one *_ran summary,
// even when it emitted nothing or panicked. Outputs are returned in
// detector order; the first audit failure is returned after all detectors
// finish.
func (r *Runner) Run(ctx context.Context, in Input) ([]Output, error) {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	outs := make([]Output, len(r.detectors))

	var g errgroup.Group
	for i, d := range r.detectors {
		g.Go(func() error {
			out, derr := safeDetect(d, in)
			outs[i] = out
			return r.audit(ctx, d, in, out, derr)
		})
	}
	if err := g.Wait(); err != nil {
		return outs, fmt.Errorf("Run: %w", err)
	}
	return outs, nil
}

func safeDetect(d Detector, in Input) (out Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = Output{Detector: d.Name(), Namespace: d.Namespace(), Emitted: []Draft{}, RuleHits: []string{}}
			err = fmt.Errorf("detector %s panicked: %v", d.Name(), p)
		}
	}()
	return d.Detect(in), nil
}

func (r *Runner) audit(ctx context.Context, d Detector, in Input, out Output, derr error) error {
	snapshotDate := ""
	if in.Current != nil {
		snapshotDate = in.Current.SnapshotDate
	}
	actor := "detector:" + d.Name()

	for _, draft := range out.Emitted {
		_, err := r.ledger.Append(ctx, events.Entry{
			ActorType: events.ActorSystem,
			ActorID:   actor,
			Action:    DraftAction(d),
			Rationale: draft.Rationale,
			InputHash: draft.DedupeHash,
			Output:    draft,
			Metadata: map[string]any{
				"ruleId":       draft.RuleID,
				"title":        draft.Title,
				"severity":     string(draft.Severity),
				"capabilityId": draft.CapabilityID,
				"snapshotDate": snapshotDate,
			},
		})
		if err != nil {
			return fmt.Errorf("append draft %s: %w", draft.RuleID, err)
		}
		draftsEmitted.WithLabelValues(d.Name(), draft.RuleID).Inc()
	}
	if out.SuppressedCount > 0 {
		draftsSuppressed.WithLabelValues(d.Name()).Add(float64(out.SuppressedCount))
	}

	meta := map[string]any{
		"emittedCount":    len(out.Emitted),
		"suppressedCount": out.SuppressedCount,
		"ruleHits":        out.RuleHits,
		"snapshotDate":    snapshotDate,
	}
	if derr != nil {
		meta["error"] = derr.Error()
	}
	_, err := r.ledger.Append(ctx, events.Entry{
		ActorType: events.ActorSystem,
		ActorID:   actor,
		Action:    RanAction(d),
		Rationale: fmt.Sprintf("%d emitted, %d suppressed", len(out.Emitted), out.SuppressedCount),
		Input:     map[string]any{"detector": d.Name(), "snapshotDate": snapshotDate},
		Output:    map[string]any{"emitted": len(out.Emitted), "suppressed": out.SuppressedCount, "ruleHits": out.RuleHits},
		Metadata:  meta,
	})
	if err != nil {
		return fmt.Errorf("append %s summary: %w", d.Name(), err)
	}

	if derr != nil {
		r.logger.Error("detector failed", zap.String("detector", d.Name()), zap.Error(derr))
		return nil
	}
	r.logger.Info("detector ran",
		zap.String("detector", d.Name()),
		zap.Int("emitted", len(out.Emitted)),
		zap.Int("suppressed", out.SuppressedCount),
		zap.Strings("rule_hits", out.RuleHits),
	)
	return nil
}
