package webhook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignProducesVerifiableSignature(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"event":"job.completed","job_id":"42"}`)
	sig := Sign("whsec_topsecret", payload)

	require.True(t, len(sig) > len("sha256="))
	require.Contains(t, sig, "sha256=")
	require.True(t, VerifySignature("whsec_topsecret", payload, sig))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"event":"job.completed"}`)
	sig := Sign("whsec_topsecret", payload)

	require.False(t, VerifySignature("whsec_topsecret", []byte(`{"event":"job.failed"}`), sig))
	require.False(t, VerifySignature("wrong-secret", payload, sig))
	require.False(t, VerifySignature("whsec_topsecret", payload, "sha256=deadbeef"))
	require.False(t, VerifySignature("whsec_topsecret", payload, "md5=whatever"))
	require.False(t, VerifySignature("whsec_topsecret", payload, ""))
}

func TestSignIsDeterministic(t *testing.T) {
	t.Parallel()

	payload := []byte("same bytes")
	require.Equal(t, Sign("k", payload), Sign("k", payload))
	require.NotEqual(t, Sign("k1", payload), Sign("k2", payload))
}
