package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// ResilienceConfig configures Resilient.
type ResilienceConfig struct {
	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after a transient failure.
	MaxRetries int
	RetryDelay time.Duration

	// RequestsPerSecond and Burst shape the token bucket. Zero disables
	// rate limiting.
	RequestsPerSecond float64
	Burst             int

	CircuitMaxFailures  int
	CircuitResetTimeout time.Duration
}

// DefaultResilienceConfig returns the deployed defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Timeout:             60 * time.Second,
		MaxRetries:          2,
		RetryDelay:          500 * time.Millisecond,
		RequestsPerSecond:   4,
		Burst:               4,
		CircuitMaxFailures:  5,
		CircuitResetTimeout: 30 * time.Second,
	}
}

// Resilient wraps a Generator. The circuit breaker sees one outcome per
// Complete call: retries happen inside it, so an open circuit fails fast
// without retrying.
type Resilient struct {
	inner   Generator
	config  ResilienceConfig
	limiter *rate.Limiter
	breaker *rerrors.CircuitBreaker
}

var _ Generator = (*Resilient)(nil)

// NewResilient wraps inner. Zero fields in cfg take defaults, except
// RequestsPerSecond where zero means unlimited.
func NewResilient(name string, inner Generator, cfg ResilienceConfig) *Resilient {
	d := DefaultResilienceConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RequestsPerSecond))
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Resilient{
		inner:   inner,
		config:  cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: rerrors.NewCircuitBreaker(name,
			rerrors.WithMaxFailures(cfg.CircuitMaxFailures),
			rerrors.WithResetTimeout(cfg.CircuitResetTimeout),
			// Rejected requests say nothing about upstream health
			rerrors.WithTripOn(func(err error) bool {
				return rerrors.IsRetryable(err) && !errors.Is(err, context.Canceled)
			}),
		),
	}
}

// Breaker exposes the circuit breaker so callers can tell an outage from a
// one-off failure.
func (r *Resilient) Breaker() *rerrors.CircuitBreaker { return r.breaker }

// Complete runs req through the breaker, the rate limiter and the retry loop.
func (r *Resilient) Complete(ctx context.Context, req Request) (string, error) {
	retry := rerrors.RetryConfig{
		MaxRetries:   r.config.MaxRetries,
		InitialDelay: r.config.RetryDelay,
		MaxDelay:     8 * r.config.RetryDelay,
		Multiplier:   2,
		Jitter:       true,
	}

	out, err := rerrors.CircuitCall(r.breaker, func() (string, error) {
		attempt := 0
		return rerrors.RetryWithResult(ctx, retry, func() (string, error) {
			attempt++
			if err := r.limiter.Wait(ctx); err != nil {
				return "", err
			}

			attemptCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
			defer cancel()

			text, err := r.inner.Complete(attemptCtx, req)
			if err != nil {
				if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && rerrors.GetCode(err) == "" {
					err = rerrors.New(rerrors.ErrCodeNetworkTimeout, "generation timed out", err)
				}
				slog.Debug("generation_attempt_failed",
					slog.String("breaker", r.breaker.Name()),
					slog.Int("attempt", attempt),
					slog.String("format", req.Format.String()),
					slog.String("error", err.Error()))
				return "", err
			}
			return text, nil
		})
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
