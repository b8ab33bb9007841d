// Package auth verifies bearer tokens issued by the identity provider.
// Tokens are consumed here, never minted: the gateway only checks the
// signature and expiry against the issuer's public key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every verification failure: bad signature, expiry,
// malformed token, or a token without a subject.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the subset of token claims the gateway cares about.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Verifier checks a raw bearer token and extracts its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// TokenVerifier validates issuer-signed JWTs against a fixed public key.
type TokenVerifier struct {
	key    any
	leeway time.Duration
}

// NewTokenVerifier parses an Ed25519 or RSA public key in PEM form.
func NewTokenVerifier(publicKeyPEM []byte, leeway time.Duration) (*TokenVerifier, error) {
	if len(publicKeyPEM) == 0 {
		return nil, errors.New("public key is required")
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(publicKeyPEM); err == nil {
		return &TokenVerifier{key: key, leeway: leeway}, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse issuer public key: %w", err)
	}
	return &TokenVerifier{key: key, leeway: leeway}, nil
}

// Verify checks the token signature and expiry and returns its claims.
func (v *TokenVerifier) Verify(_ context.Context, token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{"EdDSA", "RS256"}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Claims{
		UserID:    claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
