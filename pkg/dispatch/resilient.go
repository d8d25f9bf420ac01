// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/resilience"
	"github.com/jllopis/relay/pkg/telemetry"
)

// ResilientDispatcher retries recoverable failures and keeps one circuit
// breaker per agent. Auto targets are resolved once so retries and breaker
// accounting stay on the same agent.
type ResilientDispatcher struct {
	inner    Dispatcher
	resolver Resolver
	retry    resilience.RetryConfig
	breaker  resilience.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewResilient wraps inner. A zero breaker threshold disables breakers.
func NewResilient(inner Dispatcher, resolver Resolver, retry resilience.RetryConfig, breaker resilience.CircuitBreakerConfig) *ResilientDispatcher {
	return &ResilientDispatcher{
		inner:    inner,
		resolver: resolver,
		retry:    retry,
		breaker:  breaker,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Dispatch implements Dispatcher.
func (r *ResilientDispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.Target.IsMulti() {
		return r.inner.Dispatch(ctx, req)
	}
	d, err := r.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	req.Target = Single(d.Name)
	cb := r.breakerFor(d.Name)
	log := slog.Default()

	rc := r.retry
	if req.NoRetry {
		rc.MaxAttempts = 1
	}
	rc.IsRecoverable = func(err error) bool {
		return errors.IsRecoverable(err) && !errors.HasCode(err, errors.CodeCircuitOpen)
	}
	rc.OnRetry = func(retry int, delay time.Duration, err error) {
		log.WarnContext(ctx, "dispatch.retry",
			slog.String("agent", d.Name),
			slog.Int("retry", retry),
			slog.Duration("delay", delay),
			telemetry.ErrAttr(err),
		)
	}

	var res *Result
	_, err = rc.DoAttempts(ctx, func(int) error {
		call := func() error {
			out, err := r.inner.Dispatch(ctx, req)
			if err == nil {
				res = out
			}
			return err
		}
		if cb == nil {
			return call()
		}
		return cb.Call(ctx, call)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *ResilientDispatcher) breakerFor(name string) *resilience.CircuitBreaker {
	if r.breaker.FailureThreshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cfg := r.breaker
		cfg.Name = name
		cfg.OnStateChange = r.breakerChanged
		cb = resilience.NewCircuitBreaker(cfg)
		r.breakers[name] = cb
	}
	return cb
}

// Breakers snapshots every breaker created so far, sorted by agent.
func (r *ResilientDispatcher) Breakers() []resilience.BreakerSnapshot {
	r.mu.Lock()
	out := make([]resilience.BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenBreakers lists agents whose breaker is currently open, sorted.
func (r *ResilientDispatcher) OpenBreakers() []string {
	var open []string
	for _, s := range r.Breakers() {
		if s.State == resilience.StateOpen {
			open = append(open, s.Name)
		}
	}
	return open
}

// ResetBreakers closes every breaker.
func (r *ResilientDispatcher) ResetBreakers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

func (r *ResilientDispatcher) breakerChanged(name string, from, to resilience.CircuitBreakerState) {
	level := slog.LevelInfo
	if to == resilience.StateOpen {
		level = slog.LevelWarn
	}
	ctx := context.Background()
	slog.Default().Log(ctx, level, "dispatch.breaker.transition",
		slog.String("agent", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	telemetry.Metrics().RecordBreakerState(ctx, name, breakerGauge(to))
	if r.breaker.OnStateChange != nil {
		r.breaker.OnStateChange(name, from, to)
	}
}

func breakerGauge(s resilience.CircuitBreakerState) int64 {
	switch s {
	case resilience.StateOpen:
		return 2
	case resilience.StateHalfOpen:
		return 1
	}
	return 0
}
