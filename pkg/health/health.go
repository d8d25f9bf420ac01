// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package health checks relay components and aggregates their status.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/relay/pkg/errors"
)

// Status represents the health state of a component.
type Status string

const (
	// Healthy indicates the component is fully operational.
	Healthy Status = "HEALTHY"

	// Degraded indicates the component works with reduced capacity.
	Degraded Status = "DEGRADED"

	// Unhealthy indicates the component is not operational.
	Unhealthy Status = "UNHEALTHY"
)

func (s Status) rank() int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Result is the outcome of one check.
type Result struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Details   []string  `json:"details,omitempty"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// Checker checks the health of a component.
type Checker interface {
	// Check returns the current status. The context bounds slow probes.
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) Result {
	res := f(ctx)
	if res.LastCheck.IsZero() {
		res.LastCheck = time.Now()
	}
	return res
}

// Static returns a checker that always reports status.
func Static(status Status, message string) Checker {
	return CheckerFunc(func(context.Context) Result {
		return Result{Status: status, Message: message}
	})
}

// Report aggregates every registered component.
type Report struct {
	Status     Status    `json:"status"`
	Components []Result  `json:"components"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Provider runs registered checkers. Results are reused for cacheTTL.
type Provider struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	cache    map[string]Result
	cacheTTL time.Duration
	now      func() time.Time
}

// NewProvider creates a provider. A zero cacheTTL disables result caching.
func NewProvider(cacheTTL time.Duration) *Provider {
	return &Provider{
		checkers: make(map[string]Checker),
		cache:    make(map[string]Result),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Register adds or replaces the checker for name.
func (p *Provider) Register(name string, checker Checker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkers[name] = checker
	delete(p.cache, name)
}

// Names returns registered component names, sorted.
func (p *Provider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.checkers))
	for name := range p.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs the checker for one component.
func (p *Provider) Check(ctx context.Context, name string) (Result, error) {
	p.mu.RLock()
	checker, ok := p.checkers[name]
	cached, hit := p.cache[name]
	p.mu.RUnlock()
	if !ok {
		return Result{}, errors.New(errors.CodeInvalidInput, "health checker not registered", nil).
			WithContext("component", name)
	}
	if hit && p.cacheTTL > 0 && p.now().Sub(cached.LastCheck) < p.cacheTTL {
		return cached, nil
	}

	res := checker.Check(ctx)
	res.Component = name
	if res.LastCheck.IsZero() {
		res.LastCheck = p.now()
	}
	if res.Status == "" {
		res.Status = Unhealthy
	}
	p.mu.Lock()
	p.cache[name] = res
	p.mu.Unlock()
	return res, nil
}

// CheckAll checks every component. The overall status is the worst one:
// healthy only when every component is healthy.
func (p *Provider) CheckAll(ctx context.Context) Report {
	report := Report{Status: Healthy, CheckedAt: p.now()}
	for _, name := range p.Names() {
		res, err := p.Check(ctx, name)
		if err != nil {
			continue
		}
		report.Components = append(report.Components, res)
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
	}
	return report
}
