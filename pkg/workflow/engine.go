// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/resilience"
	"github.com/jllopis/relay/pkg/telemetry"
)

// DefaultMaxIterations bounds loops and branch cycles when neither the
// workflow nor the engine sets a limit.
const DefaultMaxIterations = 10

// EngineOptions configure an Engine.
type EngineOptions struct {
	MaxIterations int
	// Timeout bounds a whole execution when the workflow sets none. Zero disables it.
	Timeout time.Duration
	History HistoryStore
	// Sleep waits between retries and loop iterations. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// ExecuteOptions override workflow settings for one execution.
type ExecuteOptions struct {
	// Agent replaces the target of every single-agent step.
	Agent string
	// Role replaces the role of every step.
	Role agent.Role

	MaxIterations int
	Timeout       time.Duration
}

// Engine runs workflows from a registry through a dispatcher.
type Engine struct {
	registry   *Registry
	dispatcher dispatch.Dispatcher
	opts       EngineOptions
	tracer     trace.Tracer
}

// NewEngine creates an engine.
func NewEngine(registry *Registry, dispatcher dispatch.Dispatcher, opts EngineOptions) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts,
		tracer:     otel.Tracer("relay/workflow"),
	}
}

// Registry returns the engine's workflow registry.
func (e *Engine) Registry() *Registry { return e.registry }

// History returns the configured history store, or nil.
func (e *Engine) History() HistoryStore { return e.opts.History }

// run is the mutable state of one execution.
type run struct {
	wf         *Workflow
	exec       *Execution
	view       View
	last       *StepResult
	iterations map[string]int
	maxIter    int
	agent      string
	role       agent.Role
	failed     bool
	log        *slog.Logger
}

// Execute runs the named workflow. It only returns an error when the
// workflow cannot be found; run outcomes are reported in the execution status.
func (e *Engine) Execute(ctx context.Context, name, input string, initial map[string]any, opts ExecuteOptions) (*Execution, error) {
	wf, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	r := &run{
		wf:         wf,
		view:       View{},
		iterations: make(map[string]int),
		maxIter:    firstPositive(opts.MaxIterations, wf.Settings.MaxIterations, e.opts.MaxIterations),
		agent:      opts.Agent,
		role:       opts.Role,
	}
	for k, v := range initial {
		r.view[k] = v
	}
	r.view["input"] = input
	r.exec = &Execution{
		ID:        uuid.NewString(),
		Workflow:  wf.Name,
		Input:     input,
		Context:   r.view,
		Status:    StatusRunning,
		StartedAt: e.opts.Now(),
	}
	r.log = slog.Default().With(slog.String("workflow", wf.Name))
	// Dispatch and process logs below this point carry the execution id.
	ctx = telemetry.WithLogAttrs(ctx, slog.String("execution_id", r.exec.ID))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = wf.Settings.Timeout.Std()
	}
	if timeout <= 0 {
		timeout = e.opts.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String(telemetry.AttrWorkflowName, wf.Name),
			attribute.String(telemetry.AttrExecutionID, r.exec.ID),
		),
	)
	defer span.End()
	r.log.InfoContext(ctx, "workflow.start", slog.Int("steps", len(wf.Steps)), slog.Int("max_iterations", r.maxIter))

	e.loop(ctx, r)

	r.exec.Result = r.view.String(firstNonEmpty(wf.Output, "last"))
	span.SetAttributes(attribute.String(telemetry.AttrExecutionState, string(r.exec.Status)))
	if r.exec.Status != StatusCompleted {
		span.SetStatus(codes.Error, string(r.exec.Status))
	}
	telemetry.Metrics().RecordExecution(ctx, wf.Name, string(r.exec.Status))
	r.log.InfoContext(ctx, "workflow.complete",
		slog.String("status", string(r.exec.Status)),
		slog.Int("step_results", len(r.exec.Steps)),
		slog.Duration("duration", r.exec.Duration()),
		slog.Int("warnings", len(r.exec.Warnings)),
	)

	if e.opts.History != nil {
		// The caller's context may already be done; history is best effort.
		if err := e.opts.History.Save(context.WithoutCancel(ctx), r.exec); err != nil {
			r.log.WarnContext(ctx, "workflow.history.error", telemetry.ErrAttr(err))
		}
	}
	return r.exec, nil
}

func (e *Engine) loop(ctx context.Context, r *run) {
	steps := r.wf.Steps
	pc := 0
	for pc < len(steps) {
		if err := ctx.Err(); err != nil {
			e.abort(r, err)
			return
		}
		st := steps[pc]
		cs := r.wf.compiled[pc]

		if r.iterations[st.Name] >= r.maxIter {
			r.warn(ctx, fmt.Sprintf("step %q reached max iterations (%d); skipped", st.Name, r.maxIter))
			pc++
			continue
		}
		if !cs.condition(Env{View: r.view, Last: r.last}) {
			r.log.DebugContext(ctx, "workflow.step.skip", slog.String("step", st.Name), slog.String("condition", st.Condition))
			pc++
			continue
		}

		r.iterations[st.Name]++
		res := e.runStep(ctx, r, st, cs)
		r.exec.Steps = append(r.exec.Steps, res)
		r.last = &r.exec.Steps[len(r.exec.Steps)-1]
		r.merge(st, res)

		if err := ctx.Err(); err != nil {
			e.abort(r, err)
			return
		}

		failed := res.Status == StepFailed
		switch {
		case failed && st.StopOnError:
			r.exec.Error = res.Error
			r.exec.finish(StatusFailed, e.opts.Now())
			return
		case !failed && st.LoopTo != "":
			if r.iterations[st.Name] < r.maxIter {
				if err := e.opts.Sleep(ctx, r.wf.Settings.LoopDelay.Std()); err != nil {
					e.abort(r, err)
					return
				}
				pc, _ = r.wf.StepIndex(st.LoopTo)
				continue
			}
			r.warn(ctx, fmt.Sprintf("%s: step %q looped %d times; continuing past it",
				errors.CodeMaxIterations, st.Name, r.iterations[st.Name]))
		}

		switch {
		case !failed && st.OnSuccess != "":
			pc, _ = r.wf.StepIndex(st.OnSuccess)
		case failed && st.OnFailure != "":
			pc, _ = r.wf.StepIndex(st.OnFailure)
		default:
			if failed {
				r.failed = true
				if r.exec.Error == nil {
					r.exec.Error = res.Error
				}
			}
			pc++
		}
	}

	if r.failed {
		r.exec.finish(StatusFailed, e.opts.Now())
		return
	}
	r.exec.Error = nil
	r.exec.finish(StatusCompleted, e.opts.Now())
}

func (e *Engine) runStep(ctx context.Context, r *run, st Step, cs compiledStep) StepResult {
	start := e.opts.Now()
	if r.role != "" {
		cs.role = r.role
	}
	res := StepResult{
		Step:      st.Name,
		Role:      string(cs.role),
		Iteration: r.iterations[st.Name],
		StartedAt: start,
	}
	ctx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(telemetry.StepAttributes(r.wf.Name, r.exec.ID, st.Name)...),
	)
	defer span.End()
	r.log.InfoContext(ctx, "workflow.step.start",
		slog.String("step", st.Name),
		slog.String("agent", st.Agent.String()),
		slog.Int("iteration", res.Iteration),
	)

	target := st.Agent
	if r.agent != "" && !target.IsZero() && !target.IsMulti() {
		target = dispatch.Single(r.agent)
	}

	rc := resilience.RetryConfig{MaxAttempts: 1, Sleep: e.opts.Sleep}
	if st.Retry != nil {
		rc.MaxAttempts = st.Retry.Attempts + 1
		rc.InitialDelay = st.Retry.Delay.Std()
		rc.Multiplier = st.Retry.BackoffFactor
		if rc.Multiplier <= 0 {
			rc.Multiplier = 1
		}
	}
	rc.OnRetry = func(retry int, delay time.Duration, err error) {
		r.log.WarnContext(ctx, "workflow.step.retry",
			slog.String("step", st.Name),
			slog.Int("retry", retry),
			slog.Duration("delay", delay),
			telemetry.ErrAttr(err),
		)
	}

	var output string
	attempts, err := rc.DoAttempts(ctx, func(int) error {
		out, agentName, cached, err := e.attempt(ctx, r, st, cs, target)
		if agentName != "" {
			res.Agent = agentName
		}
		if err != nil {
			res.AttemptErrors = append(res.AttemptErrors, err.Error())
			return err
		}
		output, res.Cached = out, cached
		return nil
	})
	res.Attempts = attempts
	return e.finishStep(ctx, span, r, res, output, err)
}

// attempt transforms the input, dispatches once and validates the output.
// The step retry policy is the only retry layer, so the dispatcher is asked
// not to retry on its own.
func (e *Engine) attempt(ctx context.Context, r *run, st Step, cs compiledStep, target dispatch.Target) (string, string, bool, error) {
	var (
		out, agentName string
		cached         bool
	)
	prompt := r.view.String("input")
	if cs.transform != nil {
		t, err := cs.transform(prompt, r.view)
		if err != nil {
			return "", "", false, err
		}
		prompt = t
	}
	if target.IsZero() {
		out = prompt
	} else {
		result, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
			Prompt:  prompt,
			Target:  target,
			Role:    cs.role,
			Mode:    cs.mode,
			NoCache: st.NoCache,
			NoRetry: true,
		})
		if err != nil {
			return "", target.String(), false, err
		}
		out, agentName, cached = result.Output, result.Agent, result.Cached
	}
	if cs.validate != nil && !cs.validate(out) {
		return "", agentName, false, errors.New(errors.CodeValidationFailed, "step output rejected by validator", nil).
			WithContext("step", st.Name).
			WithContext("validate", st.Validate).
			WithContext("output_len", len(out))
	}
	return out, agentName, cached, nil
}

func (e *Engine) finishStep(ctx context.Context, span trace.Span, r *run, res StepResult, output string, err error) StepResult {
	res.Duration = e.opts.Now().Sub(res.StartedAt)
	if err != nil {
		res.Status = StepFailed
		res.Error = detailOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		telemetry.Metrics().RecordError(ctx, err, "workflow")
		r.log.WarnContext(ctx, "workflow.step.failed",
			slog.String("step", res.Step),
			slog.Int("attempts", res.Attempts),
			telemetry.ErrAttr(err),
		)
	} else {
		res.Status = StepSuccess
		res.Output = output
		r.log.InfoContext(ctx, "workflow.step.complete",
			slog.String("step", res.Step),
			slog.String("agent", res.Agent),
			slog.Int("attempts", res.Attempts),
			slog.Int("output_bytes", len(output)),
		)
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrStepStatus, string(res.Status)),
		attribute.Int(telemetry.AttrStepAttempts, res.Attempts),
	)
	telemetry.Metrics().RecordStep(ctx, r.wf.Name, res.Step, string(res.Status), float64(res.Duration.Microseconds())/1000)
	return res
}

// merge publishes a step result into the view.
func (r *run) merge(st Step, res StepResult) {
	if res.Status == StepSuccess {
		r.view[st.Name] = res.Output
		r.view["last"] = res.Output
		if st.SaveAs != "" {
			r.view[st.SaveAs] = res.Output
		}
		return
	}
	r.view["last"] = ""
	if res.Error != nil {
		r.view["last_error"] = res.Error.Message
	}
}

func (r *run) warn(ctx context.Context, msg string) {
	r.exec.Warnings = append(r.exec.Warnings, msg)
	r.log.WarnContext(ctx, "workflow.warning", slog.String("warning", msg))
}

func (e *Engine) abort(r *run, cause error) {
	code := errors.CodeContextLost
	msg := "workflow canceled"
	if cause == context.DeadlineExceeded {
		code = errors.CodeProcessTimeout
		msg = "workflow timed out"
	}
	r.exec.Error = &ErrorDetail{Code: code, Message: msg + ": " + cause.Error()}
	r.exec.finish(StatusError, e.opts.Now())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
