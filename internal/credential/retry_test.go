package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

type scriptedProvider struct {
	errs  []error
	calls int
}

func (p *scriptedProvider) Acquire(context.Context) (harvest.SessionCredential, error) {
	p.calls++
	if p.calls <= len(p.errs) {
		return harvest.SessionCredential{}, p.errs[p.calls-1]
	}
	return harvest.NewSessionCredential(map[string]string{"session": "ok"}, nil, time.Unix(0, 0)), nil
}

type recordingPauser struct{ delays []time.Duration }

func (p *recordingPauser) Pause(_ context.Context, d time.Duration) { p.delays = append(p.delays, d) }

func TestRetryingSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	inner := &scriptedProvider{errs: []error{errors.New("iframe missing"), errors.New("solver busy")}}
	pauser := &recordingPauser{}
	r := WithRetry("browser", inner, harvest.NewExponentialBackoff(3, time.Second, 10*time.Second), pauser, nil)

	cred, err := r.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, cred.Empty())
	require.Equal(t, 3, inner.calls)
	require.Len(t, pauser.delays, 2)
}

func TestRetryingGivesUpWithCredentialError(t *testing.T) {
	t.Parallel()

	cause := errors.New("solver timeout")
	inner := &scriptedProvider{errs: []error{cause, cause, cause, cause}}
	r := WithRetry("browser", inner, harvest.NewExponentialBackoff(2, time.Millisecond, time.Millisecond), &recordingPauser{}, nil)

	_, err := r.Acquire(context.Background())
	require.ErrorIs(t, err, harvest.ErrCredentialUnavailable)
	require.ErrorIs(t, err, cause)
	var credErr *harvest.CredentialError
	require.ErrorAs(t, err, &credErr)
	require.Equal(t, 2, credErr.Attempts)
	require.Equal(t, "browser", credErr.Provider)
	require.Equal(t, 2, inner.calls)
}

func TestRetryingStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &scriptedProvider{errs: []error{errors.New("x"), errors.New("y")}}
	r := WithRetry("static", inner, harvest.NewExponentialBackoff(5, time.Millisecond, time.Millisecond), &recordingPauser{}, nil)

	_, err := r.Acquire(ctx)
	require.ErrorIs(t, err, harvest.ErrCredentialUnavailable)
	require.Equal(t, 1, inner.calls)
}
