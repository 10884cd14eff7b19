package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monsoonfire/studio-os/internal/events"
)

// Events is the SQL events.Backend. The seq primary key rejects a second
// writer racing for the same position.
type Events struct {
	s *Store
}

func (s *Store) Events() *Events { return &Events{s: s} }

const eventColumns = `seq, id, actor_type, actor_id, action, rationale, target, approval_state,
	input_hash, output_hash, metadata, created_at, prev_hash, hash`

func (e *Events) Head(ctx context.Context) (int64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := e.s.db.QueryRowContext(ctx,
		`SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("Events.Head: %w", err)
	}
	return seq, hash, nil
}

func (e *Events) Insert(ctx context.Context, rec events.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("Events.Insert: %w", err)
	}
	_, err = e.s.db.ExecContext(ctx, e.s.rebind(`
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.Seq, rec.ID, string(rec.ActorType), rec.ActorID, rec.Action, rec.Rationale,
		string(rec.Target), string(rec.ApprovalState), rec.InputHash, rec.OutputHash,
		string(meta), formatTime(rec.CreatedAt), rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("Events.Insert: %w", err)
	}
	return nil
}

func (e *Events) ListRecent(ctx context.Context, n int) ([]events.Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := e.s.db.QueryContext(ctx, e.s.rebind(
		`SELECT `+eventColumns+` FROM audit_events ORDER BY seq DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("Events.ListRecent: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (e *Events) ListSince(ctx context.Context, afterSeq int64, limit int) ([]events.Record, error) {
	rows, err := e.s.db.QueryContext(ctx, e.s.rebind(
		`SELECT `+eventColumns+` FROM audit_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("Events.ListSince: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByAction returns the newest n records for one action.
func (e *Events) ListByAction(ctx context.Context, action string, n int) ([]events.Record, error) {
	rows, err := e.s.db.QueryContext(ctx, e.s.rebind(
		`SELECT `+eventColumns+` FROM audit_events WHERE action = ? ORDER BY seq DESC LIMIT ?`), action, n)
	if err != nil {
		return nil, fmt.Errorf("Events.ListByAction: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]events.Record, error) {
	var out []events.Record
	for rows.Next() {
		var (
			rec                         events.Record
			actorType, target, approval string
			meta, createdAt             string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &actorType, &rec.ActorID, &rec.Action, &rec.Rationale,
			&target, &approval, &rec.InputHash, &rec.OutputHash, &meta, &createdAt,
			&rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scanEvents: %w", err)
		}
		rec.ActorType = events.ActorType(actorType)
		rec.Target = events.Target(target)
		rec.ApprovalState = events.ApprovalState(approval)
		md, err := events.DecodeMetadata([]byte(meta))
		if err != nil {
			return nil, fmt.Errorf("scanEvents: metadata of seq %d: %w", rec.Seq, err)
		}
		rec.Metadata = md
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("scanEvents: created_at of seq %d: %w", rec.Seq, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
