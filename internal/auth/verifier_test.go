package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newKeyPair(t *testing.T) (ed25519.PrivateKey, []byte) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pemBytes
}

func signToken(t *testing.T, priv ed25519.PrivateKey, subject string, exp time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

// TestVerifyValidToken checks the happy path extracts the subject.
func TestVerifyValidToken(t *testing.T) {
	t.Parallel()

	priv, pubPEM := newKeyPair(t)
	verifier, err := NewTokenVerifier(pubPEM, 0)
	require.NoError(t, err)

	claims, err := verifier.Verify(context.Background(), signToken(t, priv, "user-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
}

// TestVerifyExpiredToken ensures expiry failures map to ErrInvalidToken.
func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	priv, pubPEM := newKeyPair(t)
	verifier, err := NewTokenVerifier(pubPEM, 0)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), signToken(t, priv, "user-1", time.Now().Add(-time.Hour)))
	require.ErrorIs(t, err, ErrInvalidToken)
}

// TestVerifyWrongKey ensures tokens signed by another issuer are rejected.
func TestVerifyWrongKey(t *testing.T) {
	t.Parallel()

	otherPriv, _ := newKeyPair(t)
	_, pubPEM := newKeyPair(t)
	verifier, err := NewTokenVerifier(pubPEM, 0)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), signToken(t, otherPriv, "user-1", time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, ErrInvalidToken)
}

// TestVerifyMissingSubject rejects tokens without a user id.
func TestVerifyMissingSubject(t *testing.T) {
	t.Parallel()

	priv, pubPEM := newKeyPair(t)
	verifier, err := NewTokenVerifier(pubPEM, 0)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), signToken(t, priv, "", time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, ErrInvalidToken)
}

// TestVerifyGarbage rejects strings that are not tokens at all.
func TestVerifyGarbage(t *testing.T) {
	t.Parallel()

	_, pubPEM := newKeyPair(t)
	verifier, err := NewTokenVerifier(pubPEM, 0)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
