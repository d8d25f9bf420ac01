package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/monitor"
	relaytest "github.com/jllopis/relay/pkg/testing"
	"github.com/jllopis/relay/pkg/workflow"
)

func testConfig() *config.Config {
	return &config.Config{
		Agents: []config.AgentConfig{
			{
				Name: "claude", Command: "claude", Input: "stdin", Completion: "heuristic",
				Capabilities: config.CapabilitiesConfig{Plan: 0.95, Execute: 0.85, Review: 0.9, ContextWindow: 200000},
			},
			{
				Name: "gemini", Command: "gemini", Input: "arg", Completion: "heuristic",
				Capabilities: config.CapabilitiesConfig{Plan: 0.8, Execute: 0.9, Review: 0.75, ContextWindow: 1000000},
			},
		},
		Cache:     config.CacheConfig{Enabled: true, TTL: time.Hour, MaxSize: 10},
		Retry:     config.RetryConfig{Attempts: 2, Delay: 100 * time.Millisecond, BackoffFactor: 2},
		Dispatch:  config.DispatchConfig{MaxParallel: 4},
		Monitor:   config.MonitorConfig{Interval: time.Minute, CPUThreshold: 90, MaxAge: time.Hour},
		Workflows: config.WorkflowsConfig{MaxIterations: 10},
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	if d > 0 {
		s.delays = append(s.delays, d)
	}
	s.mu.Unlock()
	return ctx.Err()
}

type countingLister struct {
	mu    sync.Mutex
	calls int
}

func (c *countingLister) List(context.Context, func(int, string) bool) ([]monitor.ProcessInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, nil
}

func (c *countingLister) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	orc     *Orchestrator
	inv     *relaytest.ScriptedInvoker
	sleeps  *sleepRecorder
	lister  *countingLister
	history *workflow.MemoryHistory
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		inv:     relaytest.NewScriptedInvoker(),
		sleeps:  &sleepRecorder{},
		lister:  &countingLister{},
		history: workflow.NewMemoryHistory(),
	}
	orc, err := New(cfg,
		WithInvoker(f.inv),
		WithLookPath(func(cmd string) (string, error) { return "/usr/bin/" + cmd, nil }),
		WithMonitorOptions(monitor.Options{Lister: f.lister}),
		WithHistory(f.history),
		WithSleep(f.sleeps.sleep),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orc.Stop(context.Background()) })
	f.orc = orc
	return f
}

func echoAgents(agentName, input string) (string, error) {
	return "answer from " + agentName, nil
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}

func TestChooseWorkflow(t *testing.T) {
	f := newFixture(t, testConfig())
	tests := []struct {
		prompt string
		want   string
	}{
		{"What does this regex match?", "direct"},
		{"Build a todo app", "plan-execute"},
		{"Please design the storage layer", "plan-execute"},
		{"First read the file. Then count the words. Finally print a summary.", "plan-execute"},
		{"explain goroutines", "direct"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.orc.ChooseWorkflow(tt.prompt), tt.prompt)
	}
}

func TestOrchestrateDirect(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Handle(echoAgents)

	resp, err := f.orc.Orchestrate(context.Background(), "explain goroutines", Preferences{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "direct", resp.Workflow)
	require.NotEmpty(t, resp.Agent)
	assert.Equal(t, "answer from "+resp.Agent, resp.Result)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, 1, resp.Attempts)
	assert.Len(t, f.inv.Calls(), 1)
}

func TestOrchestratePreferredAgent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Handle(echoAgents)

	resp, err := f.orc.Orchestrate(context.Background(), "explain goroutines", Preferences{Agent: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "claude", resp.Agent)
	assert.Equal(t, "answer from claude", resp.Result)
	assert.Equal(t, 0, f.inv.CallCount("gemini"))
}

func TestOrchestratePlanExecute(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Handle(echoAgents)

	resp, err := f.orc.Orchestrate(context.Background(), "Build a todo app", Preferences{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "plan-execute", resp.Workflow)
	assert.Len(t, f.inv.Calls(), 2)

	exec, err := f.orc.Execution(context.Background(), resp.ExecutionID)
	require.NoError(t, err)
	require.Len(t, exec.Steps, 2)
	assert.Equal(t, "plan", exec.Steps[0].Step)
	assert.Equal(t, "execute", exec.Steps[1].Step)
}

func TestOrchestrateRecoversAfterFailures(t *testing.T) {
	f := newFixture(t, testConfig())
	down := errors.New(errors.CodeProcessExit, "agent crashed", nil)
	f.inv.On("claude", relaytest.Fail(down), relaytest.Fail(down))
	f.inv.Always("claude", relaytest.Respond("ok"))

	resp, err := f.orc.Orchestrate(context.Background(), "explain goroutines", Preferences{Agent: "claude"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeps.delays)
	assert.Equal(t, 2, f.lister.Calls(), "each retry restarts components with a monitor sweep")
}

func TestOrchestrateReturnsLastError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Always("claude", relaytest.Fail(errors.New(errors.CodeProcessExit, "boom", nil)))

	resp, err := f.orc.Orchestrate(context.Background(), "explain goroutines", Preferences{Agent: "claude"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProcessExit))
	assert.Contains(t, err.Error(), "boom")
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, 3, resp.Attempts)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeProcessExit, resp.Error.Code)
	assert.Equal(t, 3, f.inv.CallCount("claude"))
}

func defaultConfig(t *testing.T, workflowDocs ...string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	for i, doc := range workflowDocs {
		path := filepath.Join(dir, fmt.Sprintf("wf%d.yaml", i))
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
		cfg.Workflows.Paths = append(cfg.Workflows.Paths, path)
	}
	return cfg
}

func failEveryAgent(f *fixture, err error) {
	for _, name := range f.orc.Agents().Names() {
		f.inv.Always(name, relaytest.Fail(err))
	}
}

func TestStepRetryIsTheOnlyRetryLayer(t *testing.T) {
	f := newFixture(t, defaultConfig(t, `
name: stubborn
steps:
  - name: work
    agent: codex
    retry:
      attempts: 3
      delay: 100ms
      backoff_factor: 2
`))
	require.True(t, f.orc.Config().Dispatch.Retry)
	failEveryAgent(f, errors.New(errors.CodeProcessExit, "crashed", nil))

	resp, err := f.orc.OrchestrateWorkflow(context.Background(), "stubborn", "x", nil, Overrides{})
	require.NoError(t, err)
	exec := resp.Execution
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, 4, exec.Steps[0].Attempts)
	assert.Equal(t, errors.CodeProcessExit, exec.Steps[0].Error.Code)
	assert.Equal(t, 4, f.inv.CallCount("codex"))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, f.sleeps.delays)
	assert.Empty(t, f.orc.Dispatcher().OpenBreakers())
}

func TestOrchestrateWithDefaultsRetriesOncePerAttempt(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	failEveryAgent(f, errors.New(errors.CodeProcessExit, "crashed", nil))

	resp, err := f.orc.Orchestrate(context.Background(), "explain goroutines", Preferences{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProcessExit))
	require.NotNil(t, resp)
	assert.Equal(t, "direct", resp.Workflow)
	// retry.attempts defaults to 3: four orchestration attempts, one agent call each.
	assert.Equal(t, 4, resp.Attempts)
	assert.Len(t, f.inv.Calls(), 4)
}

func TestOrchestrateConfigErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Handle(echoAgents)

	_, err := f.orc.Orchestrate(context.Background(), "hello", Preferences{Workflow: "missing"})
	assert.True(t, errors.HasCode(err, errors.CodeWorkflowNotFound))

	resp, err := f.orc.Orchestrate(context.Background(), "hello", Preferences{Agent: "nobody"})
	assert.True(t, errors.HasCode(err, errors.CodeAgentNotFound))
	require.NotNil(t, resp)
	assert.Equal(t, 1, resp.Attempts)

	assert.Empty(t, f.sleeps.delays)
	assert.Empty(t, f.inv.Calls())
}

func TestOrchestrateRequiresPrompt(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.orc.Orchestrate(context.Background(), "", Preferences{})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}

func TestOrchestrateWorkflow(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Handle(echoAgents)

	resp, err := f.orc.OrchestrateWorkflow(context.Background(), "plan-execute", "Build a todo app",
		map[string]any{"project": "todo"}, Overrides{Agent: "gemini"})
	require.NoError(t, err)
	exec := resp.Execution
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	require.Len(t, exec.Steps, 2)
	for _, s := range exec.Steps {
		assert.Equal(t, "gemini", s.Agent)
	}
	assert.Equal(t, "todo", exec.Context["project"])
	assert.Equal(t, "answer from gemini", exec.Context["plan"])
	assert.Equal(t, "answer from gemini", exec.Result)
	assert.Equal(t, 0, f.inv.CallCount("claude"))

	_, err = f.orc.OrchestrateWorkflow(context.Background(), "missing", "x", nil, Overrides{})
	assert.True(t, errors.HasCode(err, errors.CodeWorkflowNotFound))
}

func TestOrchestrateParallel(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Always("claude", relaytest.Respond("from claude"))
	f.inv.Always("gemini", relaytest.Fail(errors.New(errors.CodeProcessExit, "down", nil)))

	res, err := f.orc.OrchestrateParallel(context.Background(), "compare", []string{"gemini", "claude"}, "all", "review")
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "gemini", res.Outcomes[0].Agent)
	assert.False(t, res.Outcomes[0].OK())
	assert.Equal(t, "claude", res.Outcomes[1].Agent)
	assert.True(t, res.Outcomes[1].OK())
	assert.Equal(t, dispatch.ModeAll, res.Mode)

	_, err = f.orc.OrchestrateParallel(context.Background(), "compare", nil, "all", "")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
	_, err = f.orc.OrchestrateParallel(context.Background(), "compare", []string{"claude"}, "shuffle", "")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
	_, err = f.orc.OrchestrateParallel(context.Background(), "compare", []string{"claude", "nobody"}, "race", "")
	assert.True(t, errors.HasCode(err, errors.CodeAgentNotFound))
}

func TestListAgentsAndWorkflows(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultAgent = "gemini"
	f := newFixture(t, cfg)

	agents := f.orc.ListAgents()
	require.Len(t, agents, 2)
	assert.Equal(t, "claude", agents[0].Name)
	assert.Equal(t, "stdin", agents[0].Input)
	assert.False(t, agents[0].Default)
	assert.True(t, agents[1].Default)
	assert.Equal(t, 1000000, agents[1].Capabilities.ContextWindow)

	var names []string
	for _, s := range f.orc.ListWorkflows() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"consensus", "direct", "plan-execute", "plan-execute-review", "refine"}, names)
}

func TestGetCapabilitiesRanksByContextWindow(t *testing.T) {
	f := newFixture(t, testConfig())
	recs := f.orc.GetCapabilities("Process 1MB of text", agent.Requirements{ContextSize: 1000000, Role: agent.RoleExecute})
	require.Len(t, recs, 2)
	assert.Equal(t, "gemini", recs[0].Agent)
	assert.Greater(t, recs[0].Score, recs[1].Score)
	assert.Equal(t, "claude", recs[1].Agent)
	assert.NotEmpty(t, recs[1].Warnings)
}

func TestProcessStatsAndHealth(t *testing.T) {
	f := newFixture(t, testConfig())
	st := f.orc.GetProcessStats()
	assert.Empty(t, st.Active)
	assert.Equal(t, time.Minute, st.Interval)
	assert.Equal(t, 90.0, st.CPUThreshold)

	report := f.orc.Health(context.Background())
	assert.Equal(t, health.Healthy, report.Status)
	var components []string
	for _, c := range report.Components {
		components = append(components, c.Component)
	}
	assert.Equal(t, []string{"agents", "breakers", "cache", "monitor"}, components)
}

func TestStartRunsMonitor(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.Enabled = true
	cfg.Monitor.Interval = 10 * time.Millisecond
	f := newFixture(t, cfg)

	require.NoError(t, f.orc.Start(context.Background()))
	require.NoError(t, f.orc.Start(context.Background()))
	assert.True(t, f.orc.Monitor().Running())
	assert.Eventually(t, func() bool { return f.lister.Calls() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.orc.Stop(context.Background()))
	assert.False(t, f.orc.Monitor().Running())
	assert.Equal(t, health.Degraded, f.orc.Health(context.Background()).Status)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inv.Handle(echoAgents)
	for i := 0; i < 2; i++ {
		_, err := f.orc.Orchestrate(context.Background(), fmt.Sprintf("question %d", i), Preferences{})
		require.NoError(t, err)
	}
	list, err := f.orc.History(context.Background(), workflow.HistoryFilter{Workflow: "direct"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestHistoryDisabled(t *testing.T) {
	orc, err := New(testConfig(), WithInvoker(relaytest.NewScriptedInvoker()))
	require.NoError(t, err)
	_, err = orc.History(context.Background(), workflow.HistoryFilter{})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}
