package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// StaffTokenPrefixLen is how much of a token is stored in clear for lookup.
const StaffTokenPrefixLen = 12

// StaffToken is a bearer credential issued to one staff member.
type StaffToken struct {
	ID          string
	StaffUID    string
	Name        string
	TokenHash   string
	TokenPrefix string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// GenerateStaffToken creates a new sos_ token with its bcrypt hash and prefix.
// Returns (fullToken, hash, prefix, error). The fullToken is shown once.
func GenerateStaffToken() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateStaffToken: %w", err)
	}
	full := "sos_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(full), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateStaffToken: %w", err)
	}
	return full, string(hash), full[:StaffTokenPrefixLen], nil
}

// CreateStaffToken issues a token for staffUID. The plaintext token is
// returned once and never stored.
func (s *Store) CreateStaffToken(ctx context.Context, staffUID, name string) (*StaffToken, string, error) {
	full, hash, prefix, err := GenerateStaffToken()
	if err != nil {
		return nil, "", fmt.Errorf("CreateStaffToken: %w", err)
	}
	t := &StaffToken{
		ID:          uuid.NewString(),
		StaffUID:    staffUID,
		Name:        name,
		TokenHash:   hash,
		TokenPrefix: prefix,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO staff_tokens (id, staff_uid, name, token_hash, token_prefix, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		t.ID, t.StaffUID, t.Name, t.TokenHash, t.TokenPrefix, formatTime(t.CreatedAt))
	if err != nil {
		return nil, "", fmt.Errorf("CreateStaffToken: %w", err)
	}
	return t, full, nil
}

// LookupStaffToken returns the active token with the given prefix, or nil.
func (s *Store) LookupStaffToken(ctx context.Context, prefix string) (*StaffToken, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, staff_uid, name, token_hash, token_prefix, created_at, revoked_at
		FROM staff_tokens WHERE token_prefix = ? AND revoked_at IS NULL`), prefix)
	t, err := scanStaffToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupStaffToken: %w", err)
	}
	return t, nil
}

// ListStaffTokens returns every token issued to staffUID, newest first.
func (s *Store) ListStaffTokens(ctx context.Context, staffUID string) ([]StaffToken, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, staff_uid, name, token_hash, token_prefix, created_at, revoked_at
		FROM staff_tokens WHERE staff_uid = ? ORDER BY created_at DESC`), staffUID)
	if err != nil {
		return nil, fmt.Errorf("ListStaffTokens: %w", err)
	}
	defer rows.Close()
	var out []StaffToken
	for rows.Next() {
		t, err := scanStaffToken(rows)
		if err != nil {
			return nil, fmt.Errorf("ListStaffTokens: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// RevokeStaffToken marks a token revoked. Revoking twice is a no-op.
func (s *Store) RevokeStaffToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE staff_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`),
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("RevokeStaffToken: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaffToken(r rowScanner) (*StaffToken, error) {
	var (
		t         StaffToken
		createdAt string
		revokedAt sql.NullString
	)
	if err := r.Scan(&t.ID, &t.StaffUID, &t.Name, &t.TokenHash, &t.TokenPrefix, &createdAt, &revokedAt); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		ts, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		t.RevokedAt = &ts
	}
	return &t, nil
}
