// SPDX-License-Identifier: Apache-2.0
// Package resilience provides retry and circuit breaker patterns for Relay.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jllopis/relay/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first one (must be >= 1).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// IsRecoverable determines if an error should be retried.
	// If nil, configuration errors stop immediately and everything else is retried
	// unless it is a RelayError explicitly marked non-recoverable.
	IsRecoverable func(error) bool

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1; 0.1 means ±10% jitter.
	Jitter float64

	// OnRetry is called before each retry sleep with the retry number (1-based),
	// the delay about to be applied and the error that caused it.
	OnRetry func(retry int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMaxDelay returns a new config with MaxDelay set.
func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

// WithMultiplier returns a new config with Multiplier set.
func (rc RetryConfig) WithMultiplier(m float64) RetryConfig {
	rc.Multiplier = m
	return rc
}

// WithIsRecoverable returns a new config with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do executes fn with retry logic, returning the last error if all attempts fail.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	_, err := rc.DoAttempts(ctx, func(int) error { return fn() })
	return err
}

// DoAttempts executes fn with retry logic, passing the 1-based attempt number.
// It returns the number of attempts made and the last error.
func (rc RetryConfig) DoAttempts(ctx context.Context, fn func(attempt int) error) (int, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = isRecoverableDefault
	}
	if rc.Sleep == nil {
		rc.Sleep = sleepContext
	}

	var lastErr error
	attempt := 0
	for attempt < rc.MaxAttempts {
		if attempt > 0 {
			delay := rc.Backoff(attempt)
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, delay, lastErr)
			}
			if err := rc.Sleep(ctx, delay); err != nil {
				return attempt, errors.New(errors.CodeContextLost, "context canceled during retry", err).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts).
					WithContext("last_error", errString(lastErr))
			}
		}
		attempt++

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || !rc.IsRecoverable(err) {
			return attempt, err
		}
	}

	return attempt, lastErr
}

// DoWithResult executes fn with retry logic, returning both result and error.
func DoWithResult[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := rc.Do(ctx, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

// Backoff returns the delay applied before the n-th retry (n >= 1):
// InitialDelay * Multiplier^(n-1), capped at MaxDelay and jittered.
func (rc RetryConfig) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(mult, float64(retry-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}

	if rc.Jitter > 0 {
		spread := float64(delay) * rc.Jitter
		delay = time.Duration(float64(delay) + 2*spread*(rand.Float64()-0.5))
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isRecoverableDefault defers to the error taxonomy.
func isRecoverableDefault(err error) bool {
	return errors.IsRecoverable(err)
}
