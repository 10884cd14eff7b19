package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monsoonfire/studio-os/internal/state"
)

// Snapshots is the SQL state.SnapshotStore.
type Snapshots struct {
	s *Store
}

func (s *Store) Snapshots() *Snapshots { return &Snapshots{s: s} }

func (st *Snapshots) LatestSnapshot(ctx context.Context) (*state.Snapshot, error) {
	var body string
	err := st.s.db.QueryRowContext(ctx,
		`SELECT body FROM state_snapshots ORDER BY snapshot_date DESC LIMIT 1`,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot writes the snapshot and its diff in one transaction.
func (st *Snapshots) SaveSnapshot(ctx context.Context, snap state.Snapshot, diff *state.Diff) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("SaveSnapshot: %w", err)
	}

	tx, err := st.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveSnapshot: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var latest string
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot_date FROM state_snapshots ORDER BY snapshot_date DESC LIMIT 1`,
	).Scan(&latest)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("SaveSnapshot: %w", err)
	case latest == snap.SnapshotDate:
		return fmt.Errorf("SaveSnapshot %s: %w", snap.SnapshotDate, state.ErrSnapshotExists)
	case snap.SnapshotDate < latest:
		return fmt.Errorf("SaveSnapshot %s: older than latest %s", snap.SnapshotDate, latest)
	}

	_, err = tx.ExecContext(ctx, st.s.rebind(
		`INSERT INTO state_snapshots (snapshot_date, generated_at, body) VALUES (?, ?, ?)`),
		snap.SnapshotDate, formatTime(snap.GeneratedAt), string(body))
	if isUniqueViolation(err) {
		return fmt.Errorf("SaveSnapshot %s: %w", snap.SnapshotDate, state.ErrSnapshotExists)
	}
	if err != nil {
		return fmt.Errorf("SaveSnapshot: insert snapshot: %w", err)
	}

	if diff != nil {
		dbody, err := json.Marshal(diff)
		if err != nil {
			return fmt.Errorf("SaveSnapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, st.s.rebind(
			`INSERT INTO state_diffs (to_date, from_date, body) VALUES (?, ?, ?)`),
			snap.SnapshotDate, diff.FromDate, string(dbody)); err != nil {
			return fmt.Errorf("SaveSnapshot: insert diff: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveSnapshot: commit: %w", err)
	}
	return nil
}

func (st *Snapshots) LatestDiff(ctx context.Context) (*state.Diff, error) {
	var body sql.NullString
	err := st.s.db.QueryRowContext(ctx, `
		SELECT d.body FROM state_snapshots s
		LEFT JOIN state_diffs d ON d.to_date = s.snapshot_date
		ORDER BY s.snapshot_date DESC LIMIT 1`,
	).Scan(&body)
	if err == sql.ErrNoRows || (err == nil && !body.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestDiff: %w", err)
	}
	var d state.Diff
	if err := json.Unmarshal([]byte(body.String), &d); err != nil {
		return nil, fmt.Errorf("LatestDiff: %w", err)
	}
	return &d, nil
}
