package dispatch

import (
	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/resilience"
)

// Chain is the assembled dispatcher stack: Multi(Resilient(Single)).
// Resilient is nil when dispatch retries are disabled.
type Chain struct {
	Dispatcher
	Single    *SingleDispatcher
	Resilient *ResilientDispatcher
}

// NewChain layers decorators around single according to cfg.
func NewChain(single *SingleDispatcher, cfg *config.Config) *Chain {
	c := &Chain{Single: single}
	var inner Dispatcher = single
	if cfg.Dispatch.Retry {
		c.Resilient = NewResilient(single, single, RetryFromConfig(cfg.Retry), resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Dispatch.BreakerThreshold,
			Timeout:          cfg.Dispatch.BreakerTimeout,
		})
		inner = c.Resilient
	}
	c.Dispatcher = NewMulti(inner, cfg.Dispatch.MaxParallel)
	return c
}

// RetryFromConfig maps retry settings to a policy. Attempts counts retries
// after the first call.
func RetryFromConfig(rc config.RetryConfig) resilience.RetryConfig {
	attempts := rc.Attempts
	if attempts < 0 {
		attempts = 0
	}
	return resilience.RetryConfig{
		MaxAttempts:  attempts + 1,
		InitialDelay: rc.Delay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
	}
}

// ResetBreakers closes every agent breaker. It is a no-op without retries.
func (c *Chain) ResetBreakers() {
	if c.Resilient != nil {
		c.Resilient.ResetBreakers()
	}
}

// OpenBreakers lists agents with an open breaker.
func (c *Chain) OpenBreakers() []string {
	if c.Resilient == nil {
		return nil
	}
	return c.Resilient.OpenBreakers()
}

// Breakers snapshots the per-agent breakers.
func (c *Chain) Breakers() []resilience.BreakerSnapshot {
	if c.Resilient == nil {
		return nil
	}
	return c.Resilient.Breakers()
}
