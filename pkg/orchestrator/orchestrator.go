// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires the relay components together and exposes the
// boundary operations used by the CLI and the MCP server.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/cache"
	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/monitor"
	"github.com/jllopis/relay/pkg/process"
	"github.com/jllopis/relay/pkg/resilience"
	"github.com/jllopis/relay/pkg/workflow"
)

// Option customises an Orchestrator.
type Option func(*options)

type options struct {
	invoker  process.Invoker
	lookPath func(string) (string, error)
	monitor  monitor.Options
	history  workflow.HistoryStore
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithInvoker replaces the process adapter, mainly for tests.
func WithInvoker(inv process.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// WithLookPath overrides the PATH probe used for availability checks.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(o *options) { o.lookPath = fn }
}

// WithMonitorOptions overrides the process lister, terminator or clock of
// the monitor. Thresholds always come from configuration.
func WithMonitorOptions(mo monitor.Options) Option {
	return func(o *options) { o.monitor = mo }
}

// WithHistory uses store instead of the configured history driver.
func WithHistory(store workflow.HistoryStore) Option {
	return func(o *options) { o.history = store }
}

// WithSleep replaces the wait used between retries and loop iterations.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// Orchestrator owns every registry and table. All components are created
// once in New and shared by reference.
type Orchestrator struct {
	cfg       *config.Config
	table     *process.Table
	invoker   process.Invoker
	cache     *cache.Cache
	agents    *agent.Registry
	selector  *agent.Selector
	chain     *dispatch.Chain
	workflows *workflow.Registry
	engine    *workflow.Engine
	history   workflow.HistoryStore
	monitor   *monitor.Monitor
	health    *health.Provider
	recovery  resilience.RetryConfig
	tracer    trace.Tracer

	closeHistory func() error

	mu      sync.Mutex
	started bool
}

// New builds an orchestrator from cfg.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New(errors.CodeInvalidInput, "config is required", nil)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	agents, err := agent.NewRegistryFromConfig(cfg.Agents)
	if err != nil {
		return nil, err
	}
	selector := agent.NewSelector(agents)
	if o.lookPath != nil {
		selector.WithLookPath(o.lookPath)
	}

	table := process.NewTable()
	invoker := o.invoker
	if invoker == nil {
		invoker = process.NewAdapter(table, process.Options{
			DefaultTimeout: cfg.Process.Timeout,
			Quiescence:     cfg.Process.Quiescence,
			Grace:          cfg.Process.Grace,
		})
	}

	singleOpts := []dispatch.SingleOption{dispatch.WithDefaultAgent(cfg.DefaultAgent)}
	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(cache.Options{TTL: cfg.Cache.TTL, MaxSize: cfg.Cache.MaxSize})
		singleOpts = append(singleOpts, dispatch.WithCache(c))
	}
	single := dispatch.NewSingle(agents, selector, invoker, singleOpts...)
	chain := dispatch.NewChain(single, cfg)

	workflows, err := workflow.LoadRegistry(nil, cfg.Workflows.Paths)
	if err != nil {
		return nil, err
	}

	history, closeHistory := o.history, func() error { return nil }
	if history == nil {
		history, closeHistory, err = workflow.OpenHistory(cfg.History)
		if err != nil {
			return nil, err
		}
	}

	engine := workflow.NewEngine(workflows, chain, workflow.EngineOptions{
		MaxIterations: cfg.Workflows.MaxIterations,
		Timeout:       cfg.Workflows.Timeout,
		History:       history,
		Sleep:         o.sleep,
	})

	mo := monitor.OptionsFromConfig(cfg.Monitor)
	mo.Lister, mo.Terminate, mo.Now = o.monitor.Lister, o.monitor.Terminate, o.monitor.Now
	mon := monitor.New(table, agents.Commands(), mo)

	recovery := dispatch.RetryFromConfig(cfg.Retry)
	recovery.Sleep = o.sleep

	orc := &Orchestrator{
		cfg:          cfg,
		table:        table,
		invoker:      invoker,
		cache:        c,
		agents:       agents,
		selector:     selector,
		chain:        chain,
		workflows:    workflows,
		engine:       engine,
		history:      history,
		monitor:      mon,
		recovery:     recovery,
		tracer:       otel.Tracer("relay/orchestrator"),
		closeHistory: closeHistory,
	}
	orc.health = orc.newHealthProvider(o.lookPath)
	return orc, nil
}

func (o *Orchestrator) newHealthProvider(lookPath func(string) (string, error)) *health.Provider {
	p := health.NewProvider(0)
	p.Register("agents", health.Binaries(o.agents, lookPath))
	p.Register("monitor", health.Monitor(o.monitor, o.cfg.Monitor.Enabled))
	if o.cache != nil {
		p.Register("cache", health.Cache(o.cache))
	} else {
		p.Register("cache", health.Cache(nil))
	}
	p.Register("breakers", health.Breakers(o.chain))
	return p
}

// Start launches background components. It is safe to call more than once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	if o.cfg.Monitor.Enabled {
		o.monitor.Start(ctx)
	}
	o.started = true
	slog.Default().InfoContext(ctx, "orchestrator.start",
		slog.Int("agents", o.agents.Len()),
		slog.Int("workflows", len(o.workflows.Names())),
		slog.Bool("monitor", o.cfg.Monitor.Enabled),
		slog.Bool("cache", o.cache != nil),
	)
	return nil
}

// Stop halts background components and releases the history store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.monitor.Stop()
	o.started = false
	err := o.closeHistory()
	o.closeHistory = func() error { return nil }
	slog.Default().InfoContext(ctx, "orchestrator.stop")
	return err
}

// Config returns the loaded configuration.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Agents returns the agent registry.
func (o *Orchestrator) Agents() *agent.Registry { return o.agents }

// Workflows returns the workflow registry.
func (o *Orchestrator) Workflows() *workflow.Registry { return o.workflows }

// Engine returns the workflow engine.
func (o *Orchestrator) Engine() *workflow.Engine { return o.engine }

// Dispatcher returns the assembled dispatcher stack.
func (o *Orchestrator) Dispatcher() *dispatch.Chain { return o.chain }

// Monitor returns the process monitor.
func (o *Orchestrator) Monitor() *monitor.Monitor { return o.monitor }

// Cache returns the response cache, or nil when caching is disabled.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// HealthProvider returns the component health checks.
func (o *Orchestrator) HealthProvider() *health.Provider { return o.health }
