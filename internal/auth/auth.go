// Package auth resolves staff bearer tokens to principals.
package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken    = errors.New("missing authorization header")
	ErrInvalidToken    = errors.New("invalid staff token")
	ErrAuthUnavailable = errors.New("token store unavailable")
)

// TokenPrefix marks staff tokens.
const TokenPrefix = "sos_"

// Principal is an authenticated staff member.
type Principal struct {
	StaffUID string
	TokenID  string
}

// Authenticator validates a raw bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", ErrMissingToken
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", ErrInvalidToken
	}
	return token, nil
}

// StaticToken is a token configured out of band, stored only as its
// bcrypt hash.
type StaticToken struct {
	StaffUID string
	Hash     string
}

// StaticAuthenticator checks tokens against a fixed list from config.
// It exists for bootstrap: issuing the first database token needs a
// credential.
type StaticAuthenticator struct {
	tokens []StaticToken
}

func NewStaticAuthenticator(tokens []StaticToken) *StaticAuthenticator {
	return &StaticAuthenticator{tokens: tokens}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	for _, t := range a.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(token)) == nil {
			return &Principal{StaffUID: t.StaffUID, TokenID: "static:" + t.StaffUID}, nil
		}
	}
	return nil, ErrInvalidToken
}

// Chain tries each authenticator in order. ErrInvalidToken moves on to
// the next one; any other error stops the chain.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (*Principal, error) {
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrInvalidToken) {
			return nil, err
		}
	}
	return nil, ErrInvalidToken
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached by WithPrincipal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
