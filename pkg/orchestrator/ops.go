package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/monitor"
	"github.com/jllopis/relay/pkg/telemetry"
	"github.com/jllopis/relay/pkg/workflow"
)

// Preferences steer Orchestrate. Every field is optional.
type Preferences struct {
	Workflow string         `json:"workflow,omitempty"`
	Agent    string         `json:"agent,omitempty"`
	Role     string         `json:"role,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// Response is the result of Orchestrate.
type Response struct {
	Success     bool                  `json:"success"`
	Result      string                `json:"result"`
	Agent       string                `json:"agent,omitempty"`
	Workflow    string                `json:"workflow"`
	ExecutionID string                `json:"execution_id,omitempty"`
	Attempts    int                   `json:"attempts"`
	Duration    time.Duration         `json:"duration_ns"`
	Warnings    []string              `json:"warnings,omitempty"`
	Error       *workflow.ErrorDetail `json:"error,omitempty"`
}

// Overrides adjust one OrchestrateWorkflow run.
type Overrides struct {
	Agent         string        `json:"agent,omitempty"`
	Role          string        `json:"role,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// WorkflowResponse carries a full execution record.
type WorkflowResponse struct {
	Execution *workflow.Execution `json:"execution"`
	Duration  time.Duration       `json:"duration_ns"`
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	Name         string             `json:"name"`
	Command      string             `json:"command"`
	Args         []string           `json:"args,omitempty"`
	Input        string             `json:"input"`
	Completion   string             `json:"completion"`
	Timeout      time.Duration      `json:"timeout_ns,omitempty"`
	Default      bool               `json:"default,omitempty"`
	Capabilities agent.Capabilities `json:"capabilities"`
}

// Orchestrate picks a workflow for prompt, runs it and wraps the whole run
// in the recovery retry. Configuration errors are returned immediately; when
// every attempt fails the last error is returned unchanged together with the
// last response.
func (o *Orchestrator) Orchestrate(ctx context.Context, prompt string, prefs Preferences) (*Response, error) {
	if prompt == "" {
		return nil, errors.New(errors.CodeInvalidInput, "prompt is required", nil)
	}
	name := prefs.Workflow
	if name == "" {
		name = o.ChooseWorkflow(prompt)
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.orchestrate",
		trace.WithAttributes(attribute.String(telemetry.AttrWorkflowName, name)),
	)
	defer span.End()

	start := time.Now()
	var resp *Response
	attempts, err := o.withRecovery(ctx, "orchestrate", func(int) error {
		exec, err := o.engine.Execute(ctx, name, prompt, prefs.Context, workflow.ExecuteOptions{
			Agent: prefs.Agent,
			Role:  roleOverride(prefs.Role),
		})
		if err != nil {
			return err
		}
		resp = responseFrom(exec)
		return executionError(exec)
	})
	if resp != nil {
		resp.Attempts = attempts
		resp.Duration = time.Since(start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "orchestrate")
		return resp, err
	}
	return resp, nil
}

func responseFrom(exec *workflow.Execution) *Response {
	resp := &Response{
		Success:     exec.Succeeded(),
		Result:      exec.Result,
		Workflow:    exec.Workflow,
		ExecutionID: exec.ID,
		Warnings:    exec.Warnings,
		Error:       exec.Error,
	}
	for i := len(exec.Steps) - 1; i >= 0; i-- {
		if s := exec.Steps[i]; s.Status == workflow.StepSuccess && s.Agent != "" {
			resp.Agent = s.Agent
			break
		}
	}
	if resp.Error == nil && !resp.Success {
		if last, ok := exec.LastStep(); ok {
			resp.Error = last.Error
		}
	}
	return resp
}

// executionError turns a non-completed execution into an error carrying the
// most specific code available.
func executionError(exec *workflow.Execution) error {
	if exec.Succeeded() {
		return nil
	}
	if exec.Error != nil {
		return exec.Err()
	}
	for i := len(exec.Steps) - 1; i >= 0; i-- {
		if d := exec.Steps[i].Error; d != nil {
			return errors.New(d.Code, d.Message, nil).
				WithContext("workflow", exec.Workflow).
				WithContext("execution_id", exec.ID).
				WithContext("step", exec.Steps[i].Step)
		}
	}
	return exec.Err()
}

// OrchestrateWorkflow runs the named workflow once. It fails only when the
// workflow does not exist; run outcomes are in the execution status.
func (o *Orchestrator) OrchestrateWorkflow(ctx context.Context, name, input string, initial map[string]any, ov Overrides) (*WorkflowResponse, error) {
	start := time.Now()
	exec, err := o.engine.Execute(ctx, name, input, initial, workflow.ExecuteOptions{
		Agent:         ov.Agent,
		Role:          roleOverride(ov.Role),
		MaxIterations: ov.MaxIterations,
		Timeout:       ov.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &WorkflowResponse{Execution: exec, Duration: time.Since(start)}, nil
}

// OrchestrateParallel sends prompt to every named agent using mode.
func (o *Orchestrator) OrchestrateParallel(ctx context.Context, prompt string, agents []string, mode, role string) (*dispatch.Result, error) {
	if prompt == "" {
		return nil, errors.New(errors.CodeInvalidInput, "prompt is required", nil)
	}
	if len(agents) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "at least one agent is required", nil)
	}
	m, err := dispatch.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	for _, name := range agents {
		if _, err := o.agents.MustGet(name); err != nil {
			return nil, err
		}
	}
	return o.chain.Dispatch(ctx, dispatch.Request{
		Prompt: prompt,
		Target: dispatch.Target(agents),
		Role:   agent.ParseRole(role),
		Mode:   m,
	})
}

// ListWorkflows summarises every registered workflow.
func (o *Orchestrator) ListWorkflows() []workflow.Summary {
	return o.workflows.List()
}

// ListAgents describes every registered agent in registration order.
func (o *Orchestrator) ListAgents() []AgentInfo {
	list := o.agents.List()
	out := make([]AgentInfo, 0, len(list))
	for _, d := range list {
		out = append(out, AgentInfo{
			Name:         d.Name,
			Command:      d.Command(),
			Args:         d.Spec.Args,
			Input:        string(d.Spec.Input),
			Completion:   string(d.Spec.Completion),
			Timeout:      d.Spec.Timeout,
			Default:      d.Name == o.cfg.DefaultAgent,
			Capabilities: d.Capabilities,
		})
	}
	return out
}

// GetCapabilities ranks agents for task. Blank requirement fields are
// inferred from the task text.
func (o *Orchestrator) GetCapabilities(task string, req agent.Requirements) []agent.Recommendation {
	return o.selector.Rank(agent.ForTask(task, req))
}

// GetProcessStats returns the monitor snapshot.
func (o *Orchestrator) GetProcessStats() monitor.Stats {
	return o.monitor.Stats()
}

// Health checks every component.
func (o *Orchestrator) Health(ctx context.Context) health.Report {
	return o.health.CheckAll(ctx)
}

// History lists stored executions. It fails when history is disabled.
func (o *Orchestrator) History(ctx context.Context, filter workflow.HistoryFilter) ([]*workflow.Execution, error) {
	if o.history == nil {
		return nil, errors.New(errors.CodeInvalidInput, "execution history is disabled", nil).
			WithContext("hint", "set history.driver to memory or sqlite")
	}
	return o.history.List(ctx, filter)
}

// Execution returns one stored execution.
func (o *Orchestrator) Execution(ctx context.Context, id string) (*workflow.Execution, error) {
	if o.history == nil {
		return nil, errors.New(errors.CodeInvalidInput, "execution history is disabled", nil)
	}
	return o.history.Get(ctx, id)
}

func roleOverride(s string) agent.Role {
	if s == "" {
		return ""
	}
	return agent.ParseRole(s)
}

// restart resets circuit breakers and sweeps processes immediately.
func (o *Orchestrator) restart(ctx context.Context) {
	o.chain.ResetBreakers()
	if _, err := o.monitor.Sweep(ctx); err != nil {
		slog.Default().WarnContext(ctx, "orchestrator.restart.sweep_error", telemetry.ErrAttr(err))
	}
}
