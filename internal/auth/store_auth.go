package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/monsoonfire/studio-os/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TokenStore looks up active staff tokens by their clear prefix.
type TokenStore interface {
	LookupStaffToken(ctx context.Context, prefix string) (*store.StaffToken, error)
}

// TokenAuthenticator validates tokens issued into the staff_tokens table.
// Revocation takes effect once the cached entry goes stale and its
// background refresh fails.
type TokenAuthenticator struct {
	store  TokenStore
	cache  *Cache
	logger *zap.Logger
}

type TokenAuthConfig struct {
	Store    TokenStore
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

func NewTokenAuthenticator(cfg TokenAuthConfig) *TokenAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenAuthenticator{store: cfg.Store, cache: NewCache(ttl), logger: logger}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if r := a.cache.Get(token); r.Hit {
		if r.NeedsRefresh {
			go a.backgroundRefresh(token)
		}
		return r.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, ErrInvalidToken
		}
		a.logger.Warn("token store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	a.cache.Set(token, p)
	return p, nil
}

func (a *TokenAuthenticator) backgroundRefresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		a.logger.Warn("background token refresh failed", zap.Error(err))
		a.cache.Delete(token)
		return
	}
	a.cache.Set(token, p)
}

func (a *TokenAuthenticator) lookupAndVerify(ctx context.Context, token string) (*Principal, error) {
	if len(token) < store.StaffTokenPrefixLen {
		return nil, ErrInvalidToken
	}
	row, err := a.store.LookupStaffToken(ctx, token[:store.StaffTokenPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		return nil, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.TokenHash), []byte(token)); err != nil {
		return nil, ErrInvalidToken
	}
	return &Principal{StaffUID: row.StaffUID, TokenID: row.ID}, nil
}
