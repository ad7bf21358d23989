package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/models"
)

// RetryPolicy decides how long a failed stage waits and how often it may fail.
type RetryPolicy struct {
	InitialInterval      time.Duration
	MaxInterval          time.Duration
	Multiplier           float64
	RandomizationFactor  float64
	MaxStageAttempts     int
	MaxRateLimitAttempts int
	MaxIntegrityAttempts int
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialInterval:      cfg.InitialInterval,
		MaxInterval:          cfg.MaxInterval,
		Multiplier:           cfg.Multiplier,
		RandomizationFactor:  cfg.RandomizationFactor,
		MaxStageAttempts:     cfg.MaxStageAttempts,
		MaxRateLimitAttempts: cfg.MaxRateLimitAttempts,
		MaxIntegrityAttempts: cfg.MaxIntegrityAttempts,
	}
}

// Delay returns the wait before the retry that follows the n-th failure (1-indexed),
// never less than the provider's Retry-After hint.
func (p RetryPolicy) Delay(failures int, hint time.Duration) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < max(failures, 1); i++ {
		d = b.NextBackOff()
	}
	if hint > d {
		d = hint
	}
	return d
}

// Ceiling is the number of failures of kind allowed on one stage before the event
// is failed permanently.
func (p RetryPolicy) Ceiling(kind models.ErrorKind) int {
	switch {
	case kind == models.ErrRateLimited:
		return p.MaxRateLimitAttempts
	case kind.Class() == models.ClassIntegrity:
		return p.MaxIntegrityAttempts
	default:
		return p.MaxStageAttempts
	}
}

// Exhausted reports whether failures of kind have reached the ceiling.
func (p RetryPolicy) Exhausted(kind models.ErrorKind, failures int) bool {
	return failures >= p.Ceiling(kind)
}
