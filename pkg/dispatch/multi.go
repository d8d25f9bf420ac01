// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/telemetry"
)

// MultiDispatcher fans list targets out to inner, one branch per agent, and
// aggregates them by mode. Single targets pass through.
type MultiDispatcher struct {
	inner       Dispatcher
	maxParallel int
}

// NewMulti wraps inner. maxParallel <= 0 runs every branch at once.
func NewMulti(inner Dispatcher, maxParallel int) *MultiDispatcher {
	return &MultiDispatcher{inner: inner, maxParallel: maxParallel}
}

type settled struct {
	index   int
	outcome Outcome
}

// Dispatch implements Dispatcher.
func (m *MultiDispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if !req.Target.IsMulti() {
		return m.inner.Dispatch(ctx, req)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeRace
	}
	targets := append(Target(nil), req.Target...)

	ctx, span := otel.Tracer("relay/dispatch").Start(ctx, "dispatch.multi",
		trace.WithAttributes(
			attribute.String(telemetry.AttrDispatchMode, string(mode)),
			attribute.StringSlice(telemetry.AttrDispatchTargets, targets),
		),
	)
	defer span.End()

	branchCtx, cancel := context.WithCancel(ctx)
	ch := make(chan settled, len(targets))
	g := new(errgroup.Group)
	if m.maxParallel > 0 {
		g.SetLimit(m.maxParallel)
	}

	go func() {
		for i, name := range targets {
			sub := req
			sub.Target = Single(name)
			g.Go(func() error {
				start := time.Now()
				if err := branchCtx.Err(); err != nil {
					ch <- settled{index: i, outcome: outcomeFrom(name, nil,
						errors.New(errors.CodeContextLost, "branch canceled before start", err), 0)}
					return nil
				}
				res, err := m.inner.Dispatch(branchCtx, sub)
				ch <- settled{index: i, outcome: outcomeFrom(name, res, err, time.Since(start))}
				return nil
			})
		}
		_ = g.Wait()
		cancel()
	}()

	var (
		res *Result
		err error
	)
	switch mode {
	case ModeRace:
		res, err = race(ch, len(targets), cancel)
	case ModeVote:
		res, err = vote(ch, len(targets))
	case ModeAll:
		res, err = all(ch, len(targets))
	default:
		cancel()
		return nil, errors.New(errors.CodeInvalidInput, "unknown dispatch mode", nil).WithContext("mode", string(mode))
	}
	if res != nil {
		res.Mode = mode
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	slog.Default().InfoContext(ctx, "dispatch.multi.complete",
		slog.String("mode", string(mode)),
		slog.String("targets", targets.String()),
		slog.Bool("ok", err == nil),
	)
	return res, err
}

// race returns the first successful branch and cancels the rest. When every
// branch fails the first settled error is returned.
func race(ch <-chan settled, n int, cancel context.CancelFunc) (*Result, error) {
	var (
		outcomes []Outcome
		firstErr error
	)
	for i := 0; i < n; i++ {
		s := <-ch
		outcomes = append(outcomes, s.outcome)
		if s.outcome.OK() {
			cancel()
			return &Result{
				Agent:    s.outcome.Agent,
				Output:   s.outcome.Output,
				Cached:   s.outcome.Cached,
				Outcomes: outcomes,
			}, nil
		}
		if firstErr == nil {
			firstErr = s.outcome.Err
		}
	}
	return &Result{Outcomes: outcomes}, firstErr
}

// all waits for every branch and returns outcomes in target order. It fails
// only when every branch failed.
func all(ch <-chan settled, n int) (*Result, error) {
	outcomes := make([]Outcome, n)
	var firstErr error
	for i := 0; i < n; i++ {
		s := <-ch
		outcomes[s.index] = s.outcome
		if !s.outcome.OK() && firstErr == nil {
			firstErr = s.outcome.Err
		}
	}

	res := &Result{Outcomes: outcomes}
	var agents, sections []string
	for _, o := range outcomes {
		if !o.OK() {
			continue
		}
		agents = append(agents, o.Agent)
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", o.Agent, strings.TrimSpace(o.Output)))
	}
	if len(agents) == 0 {
		return res, errors.New(errors.CodeProcessExit, "all agents failed", firstErr).
			WithContext("agents", n)
	}
	res.Agent = strings.Join(agents, ",")
	res.Output = strings.Join(sections, "\n\n")
	return res, nil
}

// vote waits for every branch and returns the most frequent trimmed output.
// Ties go to the output whose first occurrence settled earliest.
func vote(ch <-chan settled, n int) (*Result, error) {
	outcomes := make([]Outcome, n)
	type tally struct {
		count int
		first int
		agent string
		raw   string
	}
	tallies := map[string]*tally{}
	var firstErr error
	for seq := 0; seq < n; seq++ {
		s := <-ch
		outcomes[s.index] = s.outcome
		if !s.outcome.OK() {
			if firstErr == nil {
				firstErr = s.outcome.Err
			}
			continue
		}
		key := strings.TrimSpace(s.outcome.Output)
		t, ok := tallies[key]
		if !ok {
			t = &tally{first: seq, agent: s.outcome.Agent, raw: s.outcome.Output}
			tallies[key] = t
		}
		t.count++
	}

	res := &Result{Outcomes: outcomes}
	var winner *tally
	for _, t := range tallies {
		if winner == nil || t.count > winner.count || (t.count == winner.count && t.first < winner.first) {
			winner = t
		}
	}
	if winner == nil {
		return res, errors.New(errors.CodeProcessExit, "no agent produced a vote", firstErr).
			WithContext("agents", n)
	}
	res.Agent = winner.agent
	res.Output = winner.raw
	return res, nil
}
