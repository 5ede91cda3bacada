// Package credential wraps credential providers with retry.
package credential

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
	"github.com/JakeFAU/registry-harvester/internal/metrics"
)

// Retrying retries a provider with backoff and reports the final failure as
// a *harvest.CredentialError.
type Retrying struct {
	name     string
	provider harvest.CredentialProvider
	backoff  *harvest.ExponentialBackoff
	pauser   harvest.Pauser
	logger   *zap.Logger
}

// WithRetry wraps provider. pauser may be nil.
func WithRetry(
	name string,
	provider harvest.CredentialProvider,
	backoff *harvest.ExponentialBackoff,
	pauser harvest.Pauser,
	logger *zap.Logger,
) *Retrying {
	if backoff == nil {
		backoff = harvest.NewExponentialBackoff(0, 0, 0)
	}
	if pauser == nil {
		pauser = harvest.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		name:     name,
		provider: provider,
		backoff:  backoff,
		pauser:   pauser,
		logger:   logger.Named("credential"),
	}
}

// Acquire calls the wrapped provider until it succeeds or the attempt budget runs out.
func (r *Retrying) Acquire(ctx context.Context) (harvest.SessionCredential, error) {
	var lastErr error
	attempt := 0
	for {
		attempt++
		cred, err := r.provider.Acquire(ctx)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		if !r.backoff.ShouldRetry(err, attempt) || ctx.Err() != nil {
			break
		}
		delay := r.backoff.Backoff(attempt - 1)
		metrics.ObserveCredential("retry")
		r.logger.Warn("credential acquisition failed, retrying",
			zap.String("provider", r.name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		r.pauser.Pause(ctx, delay)
	}

	var credErr *harvest.CredentialError
	if errors.As(lastErr, &credErr) {
		return harvest.SessionCredential{}, &harvest.CredentialError{Provider: r.name, Attempts: attempt, Err: credErr.Err}
	}
	return harvest.SessionCredential{}, &harvest.CredentialError{Provider: r.name, Attempts: attempt, Err: lastErr}
}
