package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monsoonfire/studio-os/internal/proposal"
)

// Proposals is the SQL proposal.Store. Indexed columns are duplicated out
// of the JSON body for filtering; the body is authoritative.
type Proposals struct {
	s *Store
}

func (s *Store) Proposals() *Proposals { return &Proposals{s: s} }

func (ps *Proposals) Create(ctx context.Context, p proposal.Proposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	_, err = ps.s.db.ExecContext(ctx, ps.s.rebind(`
		INSERT INTO proposals (id, capability_id, status, owner_uid, tenant_id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.CapabilityID, string(p.Status), p.OwnerUID, p.TenantID, string(body),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("Create %s: duplicate id", p.ID)
	}
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (ps *Proposals) Get(ctx context.Context, id string) (proposal.Proposal, error) {
	var body string
	err := ps.s.db.QueryRowContext(ctx, ps.s.rebind(
		`SELECT body FROM proposals WHERE id = ?`), id).Scan(&body)
	if err == sql.ErrNoRows {
		return proposal.Proposal{}, proposal.ErrNotFound
	}
	if err != nil {
		return proposal.Proposal{}, fmt.Errorf("Get: %w", err)
	}
	var p proposal.Proposal
	if err := decodeJSON(body, &p); err != nil {
		return proposal.Proposal{}, fmt.Errorf("Get %s: %w", id, err)
	}
	return p, nil
}

func (ps *Proposals) List(ctx context.Context, f proposal.ListFilter) ([]proposal.Proposal, error) {
	q := `SELECT body FROM proposals WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.TenantID != "" {
		q += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := ps.s.db.QueryContext(ctx, ps.s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []proposal.Proposal
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		var p proposal.Proposal
		if err := decodeJSON(body, &p); err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Transition updates p only while the stored status still equals from,
// and records res in the same transaction.
func (ps *Proposals) Transition(ctx context.Context, p proposal.Proposal, from proposal.Status, res *proposal.Result) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}

	tx, err := ps.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Transition: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := tx.ExecContext(ctx, ps.s.rebind(`
		UPDATE proposals SET status = ?, body = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(p.Status), string(body), formatTime(p.UpdatedAt), p.ID, string(from))
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}
	if n == 0 {
		var cur string
		err := tx.QueryRowContext(ctx, ps.s.rebind(`SELECT status FROM proposals WHERE id = ?`), p.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return proposal.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Transition: %w", err)
		}
		return fmt.Errorf("%w: %s is %s, expected %s", proposal.ErrStaleStatus, p.ID, cur, from)
	}

	if res != nil {
		rbody, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("Transition: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ps.s.rebind(`
			INSERT INTO proposal_results (proposal_id, operation, idempotency_key, body, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			res.ProposalID, string(res.Operation), res.IdempotencyKey, string(rbody),
			formatTime(res.CompletedAt)); err != nil {
			return fmt.Errorf("Transition: result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Transition: commit: %w", err)
	}
	return nil
}

func (ps *Proposals) Result(ctx context.Context, proposalID string, op proposal.Operation, key string) (*proposal.Result, error) {
	var body string
	err := ps.s.db.QueryRowContext(ctx, ps.s.rebind(`
		SELECT body FROM proposal_results
		WHERE proposal_id = ? AND operation = ? AND idempotency_key = ?`),
		proposalID, string(op), key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Result: %w", err)
	}
	var res proposal.Result
	if err := decodeJSON(body, &res); err != nil {
		return nil, fmt.Errorf("Result: %w", err)
	}
	return &res, nil
}

// decodeJSON keeps numbers in payload maps as json.Number so integers
// survive a round trip exactly.
func decodeJSON(body string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	return dec.Decode(v)
}
