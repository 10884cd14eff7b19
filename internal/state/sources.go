package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/monsoonfire/studio-os/internal/connector"
)

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	name string
	fn   func(ctx context.Context, req ReadRequest) (map[string]float64, error)
}

func NewSourceFunc(name string, fn func(ctx context.Context, req ReadRequest) (map[string]float64, error)) *SourceFunc {
	return &SourceFunc{name: name, fn: fn}
}

func (s *SourceFunc) Name() string { return s.name }

func (s *SourceFunc) Read(ctx context.Context, req ReadRequest) (map[string]float64, error) {
	return s.fn(ctx, req)
}

// ConnectorSource reads metrics through a read-only connector's ReadStatus.
// Numeric fields of the payload's "metrics" object (or of the payload itself
// when there is none) become snapshot metrics.
type ConnectorSource struct {
	conn connector.Connector
}

// NewConnectorSource refuses connectors that can write.
func NewConnectorSource(conn connector.Connector) (*ConnectorSource, error) {
	d := conn.Descriptor()
	if !d.ReadOnly {
		return nil, fmt.Errorf("NewConnectorSource: connector %s is not read-only", d.ID)
	}
	return &ConnectorSource{conn: conn}, nil
}

func (s *ConnectorSource) Name() string { return "connector:" + s.conn.Descriptor().ID }

func (s *ConnectorSource) Read(ctx context.Context, req ReadRequest) (map[string]float64, error) {
	resp, err := s.conn.ReadStatus(ctx, map[string]any{
		"sourceIdentity": req.SourceIdentity,
		"scanLimit":      req.ScanLimit,
	})
	if err != nil {
		return nil, err
	}
	payload := resp.Payload
	if nested, ok := payload["metrics"].(map[string]any); ok {
		payload = nested
	}
	return numericFields(payload), nil
}

func numericFields(m map[string]any) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case float32:
			out[k] = float64(n)
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				out[k] = f
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				out[k] = f
			}
		}
	}
	return out
}

// Query is one aggregate metric read by SQLSource. The statement must return
// a single numeric column in a single row. When ScanLimit is set the
// statement receives the request's scan limit as its only argument.
type Query struct {
	Metric    string
	SQL       string
	ScanLimit bool
}

// SQLSource runs aggregate count queries against the authoritative store.
type SQLSource struct {
	name    string
	db      *sql.DB
	queries []Query
}

func NewSQLSource(name string, db *sql.DB, queries []Query) *SQLSource {
	q := append([]Query(nil), queries...)
	sort.SliceStable(q, func(i, j int) bool { return q[i].Metric < q[j].Metric })
	return &SQLSource{name: name, db: db, queries: q}
}

func (s *SQLSource) Name() string { return s.name }

// Read runs every query. The first failing query fails the whole source, so
// a snapshot never mixes fresh and missing metrics from one source.
func (s *SQLSource) Read(ctx context.Context, req ReadRequest) (map[string]float64, error) {
	out := make(map[string]float64, len(s.queries))
	for _, q := range s.queries {
		var args []any
		if q.ScanLimit {
			args = append(args, req.ScanLimit)
		}
		var v sql.NullFloat64
		if err := s.db.QueryRowContext(ctx, q.SQL, args...).Scan(&v); err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Metric, err)
		}
		out[q.Metric] = v.Float64
	}
	return out, nil
}

// StudioQueries are the Postgres aggregates over the studio's authoritative
// tables. Row scans are bounded by the scan limit.
var StudioQueries = []Query{
	{Metric: "openOrders", ScanLimit: true, SQL: `
		SELECT count(*) FROM (
			SELECT 1 FROM orders WHERE status = 'open' LIMIT $1
		) t`},
	{Metric: "kilnsOffline", SQL: `
		SELECT count(*) FROM kilns WHERE status = 'offline'`},
	{Metric: "firingsOverdue", ScanLimit: true, SQL: `
		SELECT count(*) FROM (
			SELECT 1 FROM firings
			WHERE status = 'scheduled' AND scheduled_end < now()
			LIMIT $1
		) t`},
	{Metric: "reservationsStale", ScanLimit: true, SQL: `
		SELECT count(*) FROM (
			SELECT 1 FROM reservations
			WHERE status = 'ready_for_pickup' AND updated_at < now() - interval '14 days'
			LIMIT $1
		) t`},
	{Metric: "reservationsPending", ScanLimit: true, SQL: `
		SELECT count(*) FROM (
			SELECT 1 FROM reservations WHERE status = 'pending' LIMIT $1
		) t`},
	{Metric: "paymentsUnreconciled", ScanLimit: true, SQL: `
		SELECT count(*) FROM (
			SELECT 1 FROM payments
			WHERE status = 'succeeded' AND reconciled_at IS NULL
			  AND created_at < now() - interval '1 day'
			LIMIT $1
		) t`},
	{Metric: "paymentsFailed", ScanLimit: true, SQL: `
		SELECT count(*) FROM (
			SELECT 1 FROM payments
			WHERE status = 'failed' AND created_at >= now() - interval '1 day'
			LIMIT $1
		) t`},
	{Metric: "refundsPending", SQL: `
		SELECT count(*) FROM refunds WHERE status = 'pending'`},
	{Metric: "revenueCents", SQL: `
		SELECT COALESCE(SUM(amount_cents), 0) FROM payments
		WHERE status = 'succeeded' AND created_at >= now() - interval '1 day'`},
	{Metric: "eventsLowSignup", SQL: `
		SELECT count(*) FROM studio_events
		WHERE starts_at BETWEEN now() AND now() + interval '14 days'
		  AND capacity > 0 AND signups * 4 < capacity`},
	{Metric: "kilnCapacityOpen", SQL: `
		SELECT COALESCE(AVG(1 - load_fraction), 0) FROM kiln_schedule
		WHERE firing_date BETWEEN current_date AND current_date + 7`},
	{Metric: "membershipsLapsed", SQL: `
		SELECT count(*) FROM memberships
		WHERE status = 'lapsed' AND lapsed_at >= now() - interval '30 days'`},
}
