package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfire/studio-os/internal/canon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var appendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "studio_os_events_appended_total",
	Help: "Audit records appended, by action namespace",
}, []string{"namespace"})

var (
	ErrMissingAction    = errors.New("event action is required")
	ErrInvalidActorType = errors.New("invalid actor type")
	ErrInvalidApproval  = errors.New("invalid approval state")
	ErrInvalidTarget    = errors.New("invalid target")
)

// Backend persists ledger records. Implementations must refuse a second
// record with an already-used Seq; they never update or delete.
type Backend interface {
	// Head returns the sequence number and hash of the newest record,
	// or (0, "") when the ledger is empty.
	Head(ctx context.Context) (int64, string, error)
	Insert(ctx context.Context, rec Record) error
	// ListRecent returns up to n records, newest first.
	ListRecent(ctx context.Context, n int) ([]Record, error)
	// ListSince returns up to limit records with Seq > afterSeq, oldest first.
	ListSince(ctx context.Context, afterSeq int64, limit int) ([]Record, error)
}

// Mirror receives a copy of every appended record for analytics.
// Write must never block the caller.
type Mirror interface {
	Write(rec *Record)
	Close()
}

// Appender is what producers of audit records depend on.
type Appender interface {
	Append(ctx context.Context, e Entry) (Record, error)
}

// Reader is what consumers of recent history depend on.
type Reader interface {
	ListRecent(ctx context.Context, n int) ([]Record, error)
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Backend Backend
	Mirror  Mirror // optional
	Logger  *zap.Logger
	Now     func() time.Time // defaults to time.Now
}

// Ledger is the append-only, hash-chained audit log. Append is safe for
// concurrent use; records are chained in the order their appends acquire
// the ledger lock.
type Ledger struct {
	backend Backend
	mirror  Mirror
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewLedger creates a Ledger over the given backend.
func NewLedger(cfg LedgerConfig) *Ledger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		backend: cfg.Backend,
		mirror:  cfg.Mirror,
		logger:  logger,
		now:     now,
	}
}

// Append writes one immutable record and returns it with its identity,
// sequence number and chain hash filled in.
func (l *Ledger) Append(ctx context.Context, e Entry) (Record, error) {
	if strings.TrimSpace(e.Action) == "" {
		return Record{}, fmt.Errorf("Append: %w", ErrMissingAction)
	}
	if e.ApprovalState == "" {
		e.ApprovalState = ApprovalExempt
	}
	if e.Target == "" {
		e.Target = TargetLocal
	}
	if err := validateEntry(e); err != nil {
		return Record{}, fmt.Errorf("Append: %w", err)
	}

	inputHash := e.InputHash
	if inputHash == "" {
		h, err := canon.Hash(e.Input)
		if err != nil {
			return Record{}, fmt.Errorf("Append: input hash: %w", err)
		}
		inputHash = h
	}
	outputHash := e.OutputHash
	if outputHash == "" {
		h, err := canon.Hash(e.Output)
		if err != nil {
			return Record{}, fmt.Errorf("Append: output hash: %w", err)
		}
		outputHash = h
	}

	meta, err := normalizeMetadata(Redact(e.Metadata))
	if err != nil {
		return Record{}, fmt.Errorf("Append: metadata: %w", err)
	}

	l.mu.Lock()
	seq, prev, err := l.backend.Head(ctx)
	if err != nil {
		l.mu.Unlock()
		return Record{}, fmt.Errorf("Append: head: %w", err)
	}

	rec := Record{
		ID:            uuid.New().String(),
		Seq:           seq + 1,
		ActorType:     e.ActorType,
		ActorID:       e.ActorID,
		Action:        e.Action,
		Rationale:     e.Rationale,
		Target:        e.Target,
		ApprovalState: e.ApprovalState,
		InputHash:     inputHash,
		OutputHash:    outputHash,
		Metadata:      meta,
		CreatedAt:     l.now().UTC(),
		PrevHash:      prev,
	}
	rec.Hash, err = ComputeHash(rec)
	if err != nil {
		l.mu.Unlock()
		return Record{}, fmt.Errorf("Append: %w", err)
	}
	if err := l.backend.Insert(ctx, rec); err != nil {
		l.mu.Unlock()
		return Record{}, fmt.Errorf("Append: insert: %w", err)
	}
	l.mu.Unlock()

	appendedTotal.WithLabelValues(namespaceOf(rec.Action)).Inc()
	if l.mirror != nil {
		l.mirror.Write(&rec)
	}
	l.logger.Debug("event appended",
		zap.Int64("seq", rec.Seq),
		zap.String("action", rec.Action),
		zap.String("approval_state", string(rec.ApprovalState)),
	)
	return rec, nil
}

// ListRecent returns the newest n records, newest first.
func (l *Ledger) ListRecent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	recs, err := l.backend.ListRecent(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	return recs, nil
}

// Verify replays the whole chain from the backend in pages.
// It returns the number of records checked.
func (l *Ledger) Verify(ctx context.Context) (int, error) {
	const page = 500
	var (
		after   int64
		prev    string
		checked int
	)
	for {
		recs, err := l.backend.ListSince(ctx, after, page)
		if err != nil {
			return checked, fmt.Errorf("Verify: %w", err)
		}
		if len(recs) == 0 {
			return checked, nil
		}
		if err := verifyFrom(prev, after, recs); err != nil {
			return checked, err
		}
		checked += len(recs)
		last := recs[len(recs)-1]
		after, prev = last.Seq, last.Hash
		if len(recs) < page {
			return checked, nil
		}
	}
}

// Close flushes the mirror, if any.
func (l *Ledger) Close() {
	if l.mirror != nil {
		l.mirror.Close()
	}
}

// ComputeHash returns the chain hash of rec: the canonical hash of every
// field except Hash itself.
func ComputeHash(rec Record) (string, error) {
	rec.Hash = ""
	h, err := canon.Hash(rec)
	if err != nil {
		return "", fmt.Errorf("ComputeHash: %w", err)
	}
	return h, nil
}

// ChainError reports the first record that breaks the hash chain.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// VerifyChain checks a contiguous, oldest-first run of records starting at
// the beginning of the ledger.
func VerifyChain(records []Record) error {
	return verifyFrom("", 0, records)
}

func verifyFrom(prevHash string, prevSeq int64, records []Record) error {
	for _, rec := range records {
		if rec.Seq != prevSeq+1 {
			return &ChainError{Seq: rec.Seq, Reason: fmt.Sprintf("expected seq %d", prevSeq+1)}
		}
		if rec.PrevHash != prevHash {
			return &ChainError{Seq: rec.Seq, Reason: "prev hash mismatch"}
		}
		want, err := ComputeHash(rec)
		if err != nil {
			return err
		}
		if want != rec.Hash {
			return &ChainError{Seq: rec.Seq, Reason: "record hash mismatch"}
		}
		prevHash, prevSeq = rec.Hash, rec.Seq
	}
	return nil
}

// FindRecent scans newest-first records for one with the given action and
// input hash created within window of now.
func FindRecent(records []Record, action, inputHash string, window time.Duration, now time.Time) (Record, bool) {
	cutoff := now.Add(-window)
	for _, rec := range records {
		if rec.Action != action || rec.InputHash != inputHash {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			continue
		}
		return rec, true
	}
	return Record{}, false
}

func validateEntry(e Entry) error {
	switch e.ActorType {
	case ActorSystem, ActorStaff, ActorAgent:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidActorType, e.ActorType)
	}
	switch e.ApprovalState {
	case ApprovalExempt, ApprovalPending, ApprovalApproved, ApprovalRejected:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidApproval, e.ApprovalState)
	}
	switch e.Target {
	case TargetLocal, TargetCloud:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTarget, e.Target)
	}
	return nil
}

// normalizeMetadata round-trips metadata through JSON so that the stored
// form and the hashed form are identical after any backend round trip.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(raw)
}

// DecodeMetadata decodes stored metadata JSON, keeping numbers as json.Number.
func DecodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func namespaceOf(action string) string {
	if i := strings.IndexByte(action, '.'); i > 0 {
		return action[:i]
	}
	return action
}
