package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	Store
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Put(context.Context, string, time.Duration) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyStore) Authenticate(context.Context, string, string, time.Duration) error {
	f.calls++
	return f.err
}

// TestRetryingRecoversTransientFailure verifies a write that fails twice and
// then succeeds is retried to success.
func TestRetryingRecoversTransientFailure(t *testing.T) {
	t.Parallel()

	inner := &flakyStore{failures: 2, err: errors.New("backend unavailable")}
	reg := NewRetrying(inner, 3, time.Millisecond, nil)

	require.NoError(t, reg.Put(context.Background(), "c1", time.Minute))
	require.Equal(t, 3, inner.calls)
}

// TestRetryingExhaustionPropagates verifies an unrecoverable failure is
// surfaced to the caller after the attempt budget, never swallowed.
func TestRetryingExhaustionPropagates(t *testing.T) {
	t.Parallel()

	backendErr := errors.New("backend unavailable")
	inner := &flakyStore{failures: 100, err: backendErr}
	reg := NewRetrying(inner, 3, time.Millisecond, nil)

	err := reg.Put(context.Background(), "c1", time.Minute)
	require.ErrorIs(t, err, backendErr)
	require.Equal(t, 3, inner.calls)
}

// TestRetryingDoesNotRetryDomainErrors verifies rule violations pass through
// on the first call.
func TestRetryingDoesNotRetryDomainErrors(t *testing.T) {
	t.Parallel()

	inner := &flakyStore{err: ErrAlreadyAuthenticated}
	reg := NewRetrying(inner, 3, time.Millisecond, nil)

	err := reg.Authenticate(context.Background(), "c1", "user-1", time.Minute)
	require.ErrorIs(t, err, ErrAlreadyAuthenticated)
	require.Equal(t, 1, inner.calls)
}
