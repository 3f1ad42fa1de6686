package scheduler

import (
	"math"
	"time"

	"github.com/teranos/pulse/errors"
)

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy bounds the attempts of one logical execution and the delay
// inserted between them. The engine is consulted only between attempts,
// never before the first.
type RetryPolicy struct {
	Strategy     RetryStrategy `json:"strategy"`
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty"`
	// Multiplier is the exponential growth factor; ignored by other
	// strategies.
	Multiplier float64 `json:"multiplier,omitempty"`
}

// DefaultRetryPolicy is no retries: a single attempt per execution.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Strategy: RetryNone, MaxAttempts: 1}
}

// ExponentialRetry is a common production policy: attempts with
// initialDelay, initialDelay*2, initialDelay*4, ... capped at maxDelay.
func ExponentialRetry(maxAttempts int, initialDelay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		Strategy:     RetryExponential,
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   2,
	}
}

// Validate rejects malformed policies at registration time.
func (p RetryPolicy) Validate() error {
	switch p.Strategy {
	case RetryNone, RetryFixed, RetryLinear, RetryExponential:
	default:
		return errors.Wrapf(errors.ErrInvalidConfig, "unknown retry strategy %q", p.Strategy)
	}
	if p.MaxAttempts < 1 {
		return errors.Wrap(errors.ErrInvalidConfig, "retry max_attempts must be >= 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "retry delays must not be negative")
	}
	if p.Strategy == RetryExponential && p.Multiplier < 1 {
		return errors.Wrap(errors.ErrInvalidConfig, "exponential retry requires multiplier >= 1")
	}
	return nil
}

// Delay computes the pause before the attempt following attempt (1-based).
// The result is always clamped to [0, MaxDelay] when MaxDelay is set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case RetryNone:
		return 0
	case RetryFixed:
		d = p.InitialDelay
	case RetryLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case RetryExponential:
		factor := math.Pow(p.Multiplier, float64(attempt-1))
		d = time.Duration(float64(p.InitialDelay) * factor)
	default:
		return 0
	}

	if d < 0 {
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
