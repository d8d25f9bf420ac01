// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/cache"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/process"
	"github.com/jllopis/relay/pkg/telemetry"
)

// PromptBuilder wraps a task prompt for a role.
type PromptBuilder func(role agent.Role, prompt string) string

// SingleDispatcher sends one request to one agent, consulting the cache first.
type SingleDispatcher struct {
	registry     *agent.Registry
	selector     *agent.Selector
	cache        *cache.Cache
	invoker      process.Invoker
	prompts      PromptBuilder
	defaultAgent string
}

// SingleOption configures a SingleDispatcher.
type SingleOption func(*SingleDispatcher)

// WithCache enables response caching.
func WithCache(c *cache.Cache) SingleOption {
	return func(s *SingleDispatcher) { s.cache = c }
}

// WithPromptBuilder replaces the role prompt builder.
func WithPromptBuilder(pb PromptBuilder) SingleOption {
	return func(s *SingleDispatcher) { s.prompts = pb }
}

// WithDefaultAgent sets the agent used for requests without a target.
func WithDefaultAgent(name string) SingleOption {
	return func(s *SingleDispatcher) { s.defaultAgent = name }
}

// NewSingle creates the base dispatcher.
func NewSingle(registry *agent.Registry, selector *agent.Selector, invoker process.Invoker, opts ...SingleOption) *SingleDispatcher {
	s := &SingleDispatcher{
		registry: registry,
		selector: selector,
		invoker:  invoker,
		prompts:  RolePrompt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the agent a single or auto request targets.
func (s *SingleDispatcher) Resolve(req Request) (agent.Descriptor, error) {
	switch {
	case req.Target.IsMulti():
		return agent.Descriptor{}, errors.New(errors.CodeInvalidInput, "single dispatcher cannot fan out", nil).
			WithContext("target", req.Target.String())
	case req.Target.IsAuto():
		r := req.Requirements
		// A configured default wins unless the caller asked for something specific.
		if s.defaultAgent != "" && r.Language == "" && r.ContextSize == 0 && r.Complexity == "" {
			return s.registry.MustGet(s.defaultAgent)
		}
		if r.Role == "" {
			r.Role = req.Role
		}
		return s.selector.SelectBest(agent.ForTask(req.Prompt, r))
	case req.Target.IsZero():
		if s.defaultAgent != "" {
			return s.registry.MustGet(s.defaultAgent)
		}
		return s.selector.SelectBest(agent.Requirements{Role: req.Role})
	default:
		return s.registry.MustGet(req.Target[0])
	}
}

// Dispatch implements Dispatcher.
func (s *SingleDispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	d, err := s.Resolve(req)
	if err != nil {
		return nil, err
	}
	role := req.Role
	if role == "" {
		role = agent.RoleExecute
	}

	ctx, span := otel.Tracer("relay/dispatch").Start(ctx, "dispatch.single",
		trace.WithAttributes(telemetry.AgentAttributes(d.Name, string(role))...),
	)
	defer span.End()
	log := slog.Default()
	start := time.Now()

	key := cache.Key(d.Name, string(role), req.Prompt)
	if s.cache != nil && !req.NoCache {
		if out, ok := s.cache.Get(key); ok {
			span.SetAttributes(attribute.Bool(telemetry.AttrDispatchCached, true))
			log.DebugContext(ctx, "dispatch.cache.hit", slog.String("agent", d.Name), slog.String("role", string(role)))
			telemetry.Metrics().RecordDispatch(ctx, d.Name, string(role), true, msSince(start), nil)
			return &Result{Agent: d.Name, Output: out, Cached: true}, nil
		}
	}

	log.InfoContext(ctx, "dispatch.invoke.start",
		slog.String("agent", d.Name),
		slog.String("role", string(role)),
		slog.Int("prompt_bytes", len(req.Prompt)),
	)
	out, err := s.invoker.Invoke(ctx, d.Spec, s.prompts(role, req.Prompt))
	telemetry.Metrics().RecordDispatch(ctx, d.Name, string(role), false, msSince(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke failed")
		telemetry.Metrics().RecordError(ctx, err, "dispatch")
		log.WarnContext(ctx, "dispatch.invoke.error",
			slog.String("agent", d.Name),
			slog.Float64("duration_ms", msSince(start)),
			telemetry.ErrAttr(err),
		)
		return nil, err
	}
	if s.cache != nil && !req.NoCache {
		s.cache.Set(key, out)
	}
	log.InfoContext(ctx, "dispatch.invoke.complete",
		slog.String("agent", d.Name),
		slog.Float64("duration_ms", msSince(start)),
		slog.Int("output_bytes", len(out)),
	)
	return &Result{Agent: d.Name, Output: out}, nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
