package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
	relaytest "github.com/jllopis/relay/pkg/testing"
)

func testDispatcher(t *testing.T, inv *relaytest.ScriptedInvoker) dispatch.Dispatcher {
	t.Helper()
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(agent.Descriptor{Name: "claude", Capabilities: agent.Capabilities{Plan: 0.95, Execute: 0.85, Review: 0.9, ContextWindow: 200000}}))
	require.NoError(t, reg.Register(agent.Descriptor{Name: "codex", Capabilities: agent.Capabilities{Plan: 0.7, Execute: 0.9, Review: 0.7, ContextWindow: 128000}}))
	single := dispatch.NewSingle(reg, agent.NewSelector(reg).WithLookPath(nil), inv, dispatch.WithPromptBuilder(dispatch.RawPrompt))
	return dispatch.NewMulti(single, 0)
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if d > 0 {
		s.delays = append(s.delays, d)
	}
	return ctx.Err()
}

func newTestEngine(t *testing.T, inv *relaytest.ScriptedInvoker, docs ...string) (*Engine, *sleepRecorder) {
	t.Helper()
	wfs, err := Builtins()
	require.NoError(t, err)
	for _, doc := range docs {
		wf, err := ParseYAML([]byte(doc))
		require.NoError(t, err)
		wfs = append(wfs, wf)
	}
	reg, err := NewRegistry(NewFunctions(), wfs...)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	return NewEngine(reg, testDispatcher(t, inv), EngineOptions{Sleep: rec.sleep}), rec
}

func TestPlanExecuteEndToEnd(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		On("claude", relaytest.Respond("1. model\n2. UI")).
		On("codex", relaytest.Respond("todo app implemented"))
	eng, _ := newTestEngine(t, inv)

	exec, err := eng.Execute(context.Background(), "plan-execute", "Build a todo app", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	require.Len(t, exec.Steps, 2)
	assert.Equal(t, "plan", exec.Steps[0].Step)
	assert.Equal(t, "claude", exec.Steps[0].Agent)
	assert.Equal(t, "execute", exec.Steps[1].Step)
	assert.Equal(t, "codex", exec.Steps[1].Agent)
	assert.Equal(t, "1. model\n2. UI", exec.Context["plan"])
	assert.Equal(t, "todo app implemented", exec.Context["execute"])
	assert.Equal(t, "todo app implemented", exec.Result)
	assert.NotEmpty(t, exec.ID)

	// The execute prompt carries the plan.
	calls := inv.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Input, "1. model")
	assert.Contains(t, calls[1].Input, "Build a todo app")
}

func TestAgentOverride(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("claude", relaytest.Respond("ok"))
	eng, _ := newTestEngine(t, inv)

	exec, err := eng.Execute(context.Background(), "plan-execute", "Build it", nil, ExecuteOptions{Agent: "claude"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 2, inv.CallCount("claude"))
	assert.Equal(t, 0, inv.CallCount("codex"))
}

func TestUnknownWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, relaytest.NewScriptedInvoker())
	_, err := eng.Execute(context.Background(), "nope", "x", nil, ExecuteOptions{})
	assert.True(t, errors.HasCode(err, errors.CodeWorkflowNotFound))
}

func TestStepRetryBackoff(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		Always("codex", relaytest.Fail(errors.New(errors.CodeProcessExit, "crashed", nil)))
	eng, rec := newTestEngine(t, inv, `
name: flaky
steps:
  - name: work
    agent: codex
    retry:
      attempts: 3
      delay: 100ms
      backoff_factor: 2
`)

	exec, err := eng.Execute(context.Background(), "flaky", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	require.Len(t, exec.Steps, 1)
	res := exec.Steps[0]
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.Len(t, res.AttemptErrors, 4)
	assert.Equal(t, errors.CodeProcessExit, res.Error.Code)
	assert.Equal(t, 4, inv.CallCount("codex"))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, rec.delays)
}

func TestRetryRecoversStep(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		On("codex", relaytest.Respond("partial"), relaytest.Respond("DONE"))
	eng, _ := newTestEngine(t, inv, `
name: validated
steps:
  - name: work
    agent: codex
    validate: contains:DONE
    retry: {attempts: 1, delay: 10ms}
`)
	exec, err := eng.Execute(context.Background(), "validated", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.Steps[0].Attempts)
	assert.Contains(t, exec.Steps[0].AttemptErrors[0], string(errors.CodeValidationFailed))
}

func TestValidatorRejectsOutput(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("nope"))
	eng, _ := newTestEngine(t, inv, `
name: strict
steps:
  - name: work
    agent: codex
    validate: min_length:10
`)
	exec, err := eng.Execute(context.Background(), "strict", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, errors.CodeValidationFailed, exec.Steps[0].Error.Code)
	assert.Equal(t, errors.CodeValidationFailed, exec.Error.Code)
}

func TestLoopToStopsAtMaxIterations(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("again"))
	eng, _ := newTestEngine(t, inv, `
name: poll
settings:
  max_iterations: 3
steps:
  - name: tick
    agent: codex
    loop_to: tick
  - name: after
    transform: "last was {{.last}}"
`)
	exec, err := eng.Execute(context.Background(), "poll", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 3, inv.CallCount("codex"))
	require.Len(t, exec.Steps, 4)
	assert.Equal(t, 3, exec.Steps[2].Iteration)
	assert.Equal(t, "after", exec.Steps[3].Step)
	assert.Equal(t, "last was again", exec.Result)
	require.Len(t, exec.Warnings, 1)
	assert.Contains(t, exec.Warnings[0], string(errors.CodeMaxIterations))
}

func TestMaxIterationsOverride(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("again"))
	eng, _ := newTestEngine(t, inv, `
name: poll
steps:
  - name: tick
    agent: codex
    loop_to: tick
`)
	_, err := eng.Execute(context.Background(), "poll", "x", nil, ExecuteOptions{MaxIterations: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, inv.CallCount("codex"))
}

func TestBranchCycleGuard(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("x"))
	eng, _ := newTestEngine(t, inv, `
name: cycle
settings:
  max_iterations: 2
steps:
  - name: a
    agent: codex
    on_success: b
  - name: b
    agent: codex
    on_success: a
`)
	exec, err := eng.Execute(context.Background(), "cycle", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 4, inv.CallCount("codex"))
	assert.NotEmpty(t, exec.Warnings)
}

func TestFailedLoopStepTakesFailureBranch(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		Always("claude", relaytest.Respond("started")).
		Always("codex", relaytest.Fail(errors.New(errors.CodeProcessExit, "down", nil)))
	eng, _ := newTestEngine(t, inv, `
name: guarded
steps:
  - name: start
    agent: claude
  - name: work
    agent: codex
    loop_to: start
    on_failure: rescue
  - name: skipped
    agent: claude
  - name: rescue
    transform: "rescued after {{.last_error}}"
`)
	exec, err := eng.Execute(context.Background(), "guarded", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	var names []string
	for _, s := range exec.Steps {
		names = append(names, s.Step)
	}
	assert.Equal(t, []string{"start", "work", "rescue"}, names)
	assert.Equal(t, 1, inv.CallCount("claude"))
	assert.Equal(t, "rescued after down", exec.Result)
	assert.Empty(t, exec.Warnings)
}

func TestIterationsCountedAcrossBranches(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		Always("claude", relaytest.Respond("ok")).
		Always("codex", relaytest.Fail(errors.New(errors.CodeProcessExit, "down", nil)))
	eng, _ := newTestEngine(t, inv, `
name: converge
settings:
  max_iterations: 2
steps:
  - name: a
    agent: claude
    on_success: shared
  - name: b
    agent: codex
    on_failure: shared
  - name: shared
    agent: claude
    on_success: b
`)
	exec, err := eng.Execute(context.Background(), "converge", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	var names []string
	var sharedIterations []int
	for _, s := range exec.Steps {
		names = append(names, s.Step)
		if s.Step == "shared" {
			sharedIterations = append(sharedIterations, s.Iteration)
		}
	}
	// shared is entered from a's success and from b's failure; the third
	// arrival is over the cap and skipped.
	assert.Equal(t, []string{"a", "shared", "b", "shared", "b"}, names)
	assert.Equal(t, []int{1, 2}, sharedIterations)
	assert.Equal(t, 3, inv.CallCount("claude"))
	require.Len(t, exec.Warnings, 1)
	assert.Contains(t, exec.Warnings[0], `"shared"`)
}

func TestTransformFailureIsRetried(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("done"))
	calls := 0
	fns := NewFunctions().RegisterTransform("warm_up", func(input string, _ View) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New(errors.CodeProcessExit, "upstream not ready", nil)
		}
		return "ready: " + input, nil
	})
	wf, err := ParseYAML([]byte(`
name: warmed
steps:
  - name: work
    agent: codex
    transform: warm_up
    retry: {attempts: 2, delay: 10ms}
`))
	require.NoError(t, err)
	reg, err := NewRegistry(fns, wf)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	eng := NewEngine(reg, testDispatcher(t, inv), EngineOptions{Sleep: rec.sleep})

	exec, err := eng.Execute(context.Background(), "warmed", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, 2, exec.Steps[0].Attempts)
	assert.Contains(t, exec.Steps[0].AttemptErrors[0], "upstream not ready")
	require.Len(t, inv.Calls(), 1)
	assert.Equal(t, "ready: x", inv.Calls()[0].Input)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, rec.delays)
}

func TestStepDispatchesWithoutNestedRetries(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("ok"))
	rec := &recordingDispatcher{next: testDispatcher(t, inv)}
	wfs, err := Builtins()
	require.NoError(t, err)
	reg, err := NewRegistry(nil, wfs...)
	require.NoError(t, err)
	eng := NewEngine(reg, rec, EngineOptions{})

	_, err = eng.Execute(context.Background(), "direct", "x", nil, ExecuteOptions{Agent: "codex"})
	require.NoError(t, err)
	require.Len(t, rec.requests, 1)
	assert.True(t, rec.requests[0].NoRetry)
}

type recordingDispatcher struct {
	next     dispatch.Dispatcher
	requests []dispatch.Request
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	d.requests = append(d.requests, req)
	return d.next.Dispatch(ctx, req)
}

func TestOnFailureRecovers(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		On("codex", relaytest.Fail(errors.New(errors.CodeProcessExit, "down", nil))).
		On("claude", relaytest.Respond("backup"))
	eng, _ := newTestEngine(t, inv, `
name: fallback
steps:
  - name: try
    agent: codex
    on_failure: rescue
  - name: main
    agent: codex
    on_success: done
  - name: rescue
    agent: claude
  - name: done
    transform: "finished {{.last}}"
`)
	exec, err := eng.Execute(context.Background(), "fallback", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	var names []string
	for _, s := range exec.Steps {
		names = append(names, s.Step)
	}
	assert.Equal(t, []string{"try", "rescue", "done"}, names)
	assert.Equal(t, "finished backup", exec.Result)
	assert.Nil(t, exec.Error)
}

func TestUnrecoveredFailureContinues(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		On("codex", relaytest.Fail(errors.New(errors.CodeProcessExit, "down", nil))).
		On("claude", relaytest.Respond("still ran"))
	eng, _ := newTestEngine(t, inv, `
name: soft
steps:
  - name: a
    agent: codex
  - name: b
    agent: claude
`)
	exec, err := eng.Execute(context.Background(), "soft", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Len(t, exec.Steps, 2)
	assert.Equal(t, errors.CodeProcessExit, exec.Error.Code)
	assert.Equal(t, "down", exec.Context["last_error"])
	assert.Error(t, exec.Err())
}

func TestStopOnError(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		On("codex", relaytest.Fail(errors.New(errors.CodeProcessExit, "down", nil)))
	eng, _ := newTestEngine(t, inv, `
name: hard
steps:
  - name: a
    agent: codex
    stop_on_error: true
  - name: b
    agent: claude
`)
	exec, err := eng.Execute(context.Background(), "hard", "x", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Len(t, exec.Steps, 1)
	assert.Equal(t, 0, inv.CallCount("claude"))
	assert.False(t, exec.EndedAt.IsZero())
}

func TestConditionsSkipSteps(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("ok"))
	eng, _ := newTestEngine(t, inv, `
name: gated
steps:
  - name: first
    agent: codex
  - name: on_fail
    condition: last.failed
    agent: codex
  - name: by_flag
    condition: mode==fast
    agent: codex
  - name: nested
    condition: exists:meta.region
    transform: "region {{.meta.region}}"
`)
	exec, err := eng.Execute(context.Background(), "gated", "x",
		map[string]any{"mode": "fast", "meta": map[string]any{"region": "EMEA"}}, ExecuteOptions{})
	require.NoError(t, err)
	var names []string
	for _, s := range exec.Steps {
		names = append(names, s.Step)
	}
	assert.Equal(t, []string{"first", "by_flag", "nested"}, names)
	assert.Equal(t, "region EMEA", exec.Result)
}

func TestWorkflowTimeout(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().On("codex", relaytest.Reply{Output: "late", Delay: 2 * time.Second})
	eng, _ := newTestEngine(t, inv, `
name: slow
steps:
  - name: a
    agent: codex
  - name: b
    agent: codex
`)
	exec, err := eng.Execute(context.Background(), "slow", "x", nil, ExecuteOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StatusError, exec.Status)
	assert.Equal(t, errors.CodeProcessTimeout, exec.Error.Code)
	assert.Len(t, exec.Steps, 1)
}

func TestRefineLoopsUntilApproved(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Handle(func(agentName, input string) (string, error) {
		switch {
		case strings.HasPrefix(input, "Task:"):
			// review step
			if strings.Contains(input, "v2") {
				return "APPROVED", nil
			}
			return "needs error handling", nil
		case strings.HasPrefix(input, "Revise"):
			return "v2", nil
		}
		return "v1", nil
	})
	eng, _ := newTestEngine(t, inv)

	exec, err := eng.Execute(context.Background(), "refine", "write a parser", nil, ExecuteOptions{Agent: "claude"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	var names []string
	for _, s := range exec.Steps {
		names = append(names, s.Step)
	}
	assert.Equal(t, []string{"draft", "review", "improve", "review"}, names)
	assert.Equal(t, "v2", exec.Result)
}

func TestConsensusVotes(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().
		On("claude", relaytest.Respond("42")).
		On("codex", relaytest.Respond("42"))
	eng, _ := newTestEngine(t, inv, `
name: pair-vote
steps:
  - name: vote
    agent: [claude, codex]
    mode: vote
`)
	exec, err := eng.Execute(context.Background(), "pair-vote", "x", nil, ExecuteOptions{Agent: "ignored-for-lists"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "42", exec.Result)
}

func TestEngineWritesHistory(t *testing.T) {
	inv := relaytest.NewScriptedInvoker().Always("codex", relaytest.Respond("ok"))
	wfs, err := Builtins()
	require.NoError(t, err)
	reg, err := NewRegistry(nil, wfs...)
	require.NoError(t, err)
	store := NewMemoryHistory()
	eng := NewEngine(reg, testDispatcher(t, inv), EngineOptions{History: store})

	exec, err := eng.Execute(context.Background(), "direct", "x", nil, ExecuteOptions{Agent: "codex"})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, got.Steps, 1)
}
