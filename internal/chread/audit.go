// Package chread runs analytics queries over the audit_events table that
// the ledger mirrors into ClickHouse.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// AuditEventsDDL creates the mirror table.
const AuditEventsDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             String,
	seq            Int64,
	created_at     DateTime64(3, 'UTC'),
	actor_type     LowCardinality(String),
	actor_id       String,
	action         LowCardinality(String),
	namespace      LowCardinality(String),
	rationale      String,
	target         LowCardinality(String),
	approval_state LowCardinality(String),
	input_hash     String,
	output_hash    String,
	metadata       String,
	prev_hash      String,
	hash           String
) ENGINE = ReplacingMergeTree
ORDER BY (namespace, created_at, seq)`

// Reader provides read access to ClickHouse audit_events.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
	now    func() time.Time
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil && strings.HasPrefix(dsn, "clickhouses://") {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger, now: time.Now}, nil
}

// EnsureSchema creates audit_events when missing.
func (r *Reader) EnsureSchema(ctx context.Context) error {
	if err := r.conn.Exec(ctx, AuditEventsDDL); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow is one mirrored audit record.
type EventRow struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	CreatedAt     time.Time `json:"createdAt"`
	ActorType     string    `json:"actorType"`
	ActorID       string    `json:"actorId"`
	Action        string    `json:"action"`
	Namespace     string    `json:"namespace"`
	Rationale     string    `json:"rationale"`
	Target        string    `json:"target"`
	ApprovalState string    `json:"approvalState"`
	InputHash     string    `json:"inputHash"`
	OutputHash    string    `json:"outputHash"`
	Metadata      string    `json:"metadata"`
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	Namespace     *string
	Action        *string
	ActorID       *string
	ApprovalState *string
	StartTime     *time.Time
	EndTime       *time.Time
	Page          int
	PageSize      int
}

func buildFilter(p ListEventsParams) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any
	add := func(cond, name string, v any) {
		conditions = append(conditions, cond)
		args = append(args, clickhouse.Named(name, v))
	}
	if p.Namespace != nil {
		add("namespace = @namespace", "namespace", *p.Namespace)
	}
	if p.Action != nil {
		add("action = @action", "action", *p.Action)
	}
	if p.ActorID != nil {
		add("actor_id = @actor_id", "actor_id", *p.ActorID)
	}
	if p.ApprovalState != nil {
		add("approval_state = @approval_state", "approval_state", *p.ApprovalState)
	}
	if p.StartTime != nil {
		add("created_at >= @start_time", "start_time", *p.StartTime)
	}
	if p.EndTime != nil {
		add("created_at <= @end_time", "end_time", *p.EndTime)
	}
	return strings.Join(conditions, " AND "), args
}

const eventColumns = "id, seq, created_at, actor_type, actor_id, action, namespace, " +
	"rationale, target, approval_state, input_hash, output_hash, metadata"

// ListEvents returns paginated, filtered audit events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	where, args := buildFilter(params)

	var total uint64
	if err := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM audit_events FINAL WHERE %s", where), args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32((params.Page-1)*params.PageSize)),
	)
	rows, err := r.conn.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM audit_events FINAL WHERE %s ORDER BY seq DESC LIMIT @limit OFFSET @offset",
		eventColumns, where), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.ID, &e.Seq, &e.CreatedAt, &e.ActorType, &e.ActorID, &e.Action,
			&e.Namespace, &e.Rationale, &e.Target, &e.ApprovalState, &e.InputHash,
			&e.OutputHash, &e.Metadata); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		out = append(out, e)
	}
	return out, int(total), rows.Err()
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	Total      int `json:"total"`
	Drafts     int `json:"drafts"`
	Executions int `json:"executions"`
	Rollbacks  int `json:"rollbacks"`
	Refusals   int `json:"refusals"`
	Drift      int `json:"drift"`
}

// TimeSeriesBucket holds a daily count.
type TimeSeriesBucket struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// NamedCount is a label and its count.
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ApprovalLatency is the time from proposal creation to execution.
type ApprovalLatency struct {
	P50Seconds float64 `json:"p50Seconds"`
	P95Seconds float64 `json:"p95Seconds"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary          SummaryStats       `json:"summary"`
	DraftsOverTime   []TimeSeriesBucket `json:"draftsOverTime"`
	TopRules         []NamedCount       `json:"topRules"`
	TopActors        []NamedCount       `json:"topActors"`
	ApprovalStates   []NamedCount       `json:"approvalStates"`
	ExecutionLatency ApprovalLatency    `json:"executionLatency"`
}

// GetAnalytics aggregates the last days of audit activity.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	if days < 1 {
		days = 7
	}
	rangeStart := r.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	args := []any{clickhouse.Named("range_start", rangeStart)}
	res := &AnalyticsResult{}

	var total, drafts, execs, rollbacks, refusals, drift uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(endsWith(action, '_draft_created')), "+
			"countIf(action = 'studio_proposal.executed'), "+
			"countIf(action = 'studio_proposal.rolled_back'), "+
			"countIf(action = 'studio_proposal.transition_rejected'), "+
			"countIf(action = 'studio_state.drift_detected') "+
			"FROM audit_events FINAL WHERE created_at >= @range_start",
		args...,
	).Scan(&total, &drafts, &execs, &rollbacks, &refusals, &drift)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	res.Summary = SummaryStats{
		Total: int(total), Drafts: int(drafts), Executions: int(execs),
		Rollbacks: int(rollbacks), Refusals: int(refusals), Drift: int(drift),
	}

	res.DraftsOverTime, err = r.buckets(ctx,
		"SELECT toStartOfDay(created_at) AS day, count() "+
			"FROM audit_events FINAL "+
			"WHERE endsWith(action, '_draft_created') AND created_at >= @range_start "+
			"GROUP BY day ORDER BY day", args)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics drafts_over_time: %w", err)
	}

	res.TopRules, err = r.counts(ctx,
		"SELECT JSONExtractString(metadata, 'ruleId') AS rule, count() AS n "+
			"FROM audit_events FINAL "+
			"WHERE endsWith(action, '_draft_created') AND created_at >= @range_start "+
			"GROUP BY rule ORDER BY n DESC LIMIT 10", args)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_rules: %w", err)
	}

	res.TopActors, err = r.counts(ctx,
		"SELECT actor_id, count() AS n FROM audit_events FINAL "+
			"WHERE actor_type = 'staff' AND created_at >= @range_start "+
			"GROUP BY actor_id ORDER BY n DESC LIMIT 10", args)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_actors: %w", err)
	}

	res.ApprovalStates, err = r.counts(ctx,
		"SELECT approval_state, count() AS n FROM audit_events FINAL "+
			"WHERE created_at >= @range_start "+
			"GROUP BY approval_state ORDER BY n DESC", args)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics approval_states: %w", err)
	}

	var p50, p95 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(d), quantile(0.95)(d) FROM ("+
			"SELECT dateDiff('second', "+
			"minIf(created_at, action = 'studio_proposal.created'), "+
			"maxIf(created_at, action = 'studio_proposal.executed')) AS d "+
			"FROM audit_events FINAL "+
			"WHERE startsWith(action, 'studio_proposal.') AND created_at >= @range_start "+
			"GROUP BY JSONExtractString(metadata, 'proposalId') "+
			"HAVING countIf(action = 'studio_proposal.executed') > 0)",
		args...,
	).Scan(&p50, &p95)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics execution_latency: %w", err)
	}
	res.ExecutionLatency = ApprovalLatency{P50Seconds: safeFloat(p50), P95Seconds: safeFloat(p95)}

	return res, nil
}

func (r *Reader) buckets(ctx context.Context, query string, args []any) ([]TimeSeriesBucket, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []TimeSeriesBucket{}
	for rows.Next() {
		var (
			day   time.Time
			count uint64
		)
		if err := rows.Scan(&day, &count); err != nil {
			return nil, err
		}
		out = append(out, TimeSeriesBucket{Day: day.Format(time.DateOnly), Count: int(count)})
	}
	return out, rows.Err()
}

func (r *Reader) counts(ctx context.Context, query string, args []any) ([]NamedCount, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []NamedCount{}
	for rows.Next() {
		var (
			name  string
			count uint64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out = append(out, NamedCount{Name: name, Count: int(count)})
	}
	return out, rows.Err()
}

// safeFloat replaces NaN/Inf with 0. ClickHouse returns NaN for
// quantile() over an empty set.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
