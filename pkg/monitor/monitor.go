// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor periodically sweeps OS processes belonging to agents and
// terminates runaway or stale ones.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/process"
	"github.com/jllopis/relay/pkg/telemetry"
)

// Kill reasons.
const (
	ReasonCPU = "cpu"
	ReasonAge = "age"
)

// TerminateFunc stops pid, escalating after grace.
type TerminateFunc func(ctx context.Context, pid int, grace time.Duration) (forced bool, err error)

// Options configure a Monitor.
type Options struct {
	Interval     time.Duration
	CPUThreshold float64
	MaxAge       time.Duration
	Grace        time.Duration
	// SweepTimeout bounds one sweep. Defaults to the interval.
	SweepTimeout time.Duration

	Lister    Lister
	Terminate TerminateFunc
	Now       func() time.Time
}

// OptionsFromConfig maps monitor settings.
func OptionsFromConfig(c config.MonitorConfig) Options {
	return Options{
		Interval:     c.Interval,
		CPUThreshold: c.CPUThreshold,
		MaxAge:       c.MaxAge,
		Grace:        c.Grace,
	}
}

// Kill is one terminated process.
type Kill struct {
	PID     int           `json:"pid"`
	Name    string        `json:"name"`
	Reason  string        `json:"reason"`
	Age     time.Duration `json:"age_ns"`
	CPU     float64       `json:"cpu_percent"`
	Forced  bool          `json:"forced"`
	Tracked bool          `json:"tracked"`
}

// SweepSummary describes one sweep.
type SweepSummary struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
	Scanned  int           `json:"scanned"`
	Killed   []Kill        `json:"killed,omitempty"`
	Stale    int           `json:"stale"`
	Errors   int           `json:"errors"`
}

// ActiveProcess is a registered in-flight agent process.
type ActiveProcess struct {
	PID     int           `json:"pid"`
	Name    string        `json:"name"`
	Command string        `json:"command"`
	CallID  string        `json:"call_id"`
	Age     time.Duration `json:"age_ns"`
}

// Totals are counters since the monitor was created.
type Totals struct {
	Sweeps int `json:"sweeps"`
	Killed int `json:"killed"`
	Errors int `json:"errors"`
}

// Stats is a monitor snapshot.
type Stats struct {
	Running      bool            `json:"running"`
	Interval     time.Duration   `json:"interval_ns"`
	CPUThreshold float64         `json:"cpu_threshold"`
	MaxAge       time.Duration   `json:"max_age_ns"`
	Active       []ActiveProcess `json:"active"`
	Totals       Totals          `json:"totals"`
	LastSweep    *SweepSummary   `json:"last_sweep,omitempty"`
}

// Monitor sweeps agent processes.
type Monitor struct {
	table    *process.Table
	commands map[string]bool
	opts     Options
	self     int

	mu     sync.Mutex
	totals Totals
	last   *SweepSummary
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor over table. commands are the executables of
// registered agents; untracked processes with those names are swept too.
func New(table *process.Table, commands []string, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.CPUThreshold <= 0 {
		opts.CPUThreshold = 90
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = opts.Interval
	}
	if opts.Lister == nil {
		opts.Lister = SystemLister{}
	}
	if opts.Terminate == nil {
		opts.Terminate = process.Terminate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cmds := make(map[string]bool, len(commands))
	for _, c := range commands {
		if c != "" {
			cmds[baseName(c)] = true
		}
	}
	return &Monitor{table: table, commands: cmds, opts: opts, self: os.Getpid()}
}

// Start launches the sweep loop. Calling Start on a running monitor restarts it.
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		log := slog.Default()
		log.Info("monitor.start",
			slog.Duration("interval", m.opts.Interval),
			slog.Float64("cpu_threshold", m.opts.CPUThreshold),
			slog.Duration("max_age", m.opts.MaxAge),
		)
		for {
			select {
			case <-ctx.Done():
				log.Info("monitor.stop")
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, m.opts.SweepTimeout)
				_, _ = m.Sweep(sweepCtx)
				cancel()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the sweep loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Sweep runs one pass: flags tracked or agent-named processes above the CPU
// threshold or older than the max age, terminates and unregisters them, and
// drops table records whose process no longer exists.
func (m *Monitor) Sweep(ctx context.Context) (SweepSummary, error) {
	start := m.opts.Now()
	ctx, span := otel.Tracer("relay/monitor").Start(ctx, "monitor.sweep")
	defer span.End()
	log := slog.Default()

	tracked := make(map[int]process.Record)
	for _, rec := range m.table.List() {
		tracked[rec.PID] = rec
	}
	seen := make(map[int]bool)
	procs, err := m.opts.Lister.List(ctx, func(pid int, name string) bool {
		if _, ok := tracked[pid]; ok {
			seen[pid] = true
			return true
		}
		return pid != m.self && name != "" && m.commands[baseName(name)]
	})
	summary := SweepSummary{At: start, Scanned: len(procs)}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list processes")
		summary.Errors++
		log.WarnContext(ctx, "monitor.sweep.error", telemetry.ErrAttr(err))
		m.record(summary, start)
		return summary, err
	}

	now := m.opts.Now()
	for _, p := range procs {
		rec, isTracked := tracked[p.PID]
		age := time.Duration(0)
		switch {
		case isTracked:
			age = rec.Age(now)
		case !p.CreateTime.IsZero():
			age = now.Sub(p.CreateTime)
		}
		reason := ""
		switch {
		case p.CPUPercent > m.opts.CPUThreshold:
			reason = ReasonCPU
		case age > m.opts.MaxAge:
			reason = ReasonAge
		default:
			continue
		}

		name := p.Name
		if isTracked {
			name = rec.Name
		}
		forced, err := m.opts.Terminate(ctx, p.PID, m.opts.Grace)
		if err != nil {
			summary.Errors++
			log.WarnContext(ctx, "monitor.kill.error",
				slog.Int("pid", p.PID),
				slog.String("name", name),
				slog.String("reason", reason),
				telemetry.ErrAttr(err),
			)
			continue
		}
		m.table.Unregister(p.PID)
		summary.Killed = append(summary.Killed, Kill{
			PID: p.PID, Name: name, Reason: reason, Age: age, CPU: p.CPUPercent, Forced: forced, Tracked: isTracked,
		})
		telemetry.Metrics().RecordKill(ctx, name, reason)
		log.WarnContext(ctx, "monitor.kill",
			slog.Int("pid", p.PID),
			slog.String("name", name),
			slog.String("reason", reason),
			slog.Duration("age", age),
			slog.Float64("cpu_percent", p.CPUPercent),
			slog.Bool("forced", forced),
		)
	}

	for pid := range tracked {
		if !seen[pid] && m.table.Unregister(pid) {
			summary.Stale++
		}
	}

	m.record(summary, start)
	span.SetAttributes(
		attribute.Int("scanned", summary.Scanned),
		attribute.Int("killed", len(summary.Killed)),
		attribute.Int("stale", summary.Stale),
	)
	log.InfoContext(ctx, "monitor.sweep.complete",
		slog.Int("scanned", summary.Scanned),
		slog.Int("killed", len(summary.Killed)),
		slog.Int("stale", summary.Stale),
		slog.Int("errors", summary.Errors),
		slog.Duration("duration", summary.Duration),
		slog.String("trace_id", traceID(span)),
	)
	return summary, nil
}

func (m *Monitor) record(s SweepSummary, start time.Time) {
	s.Duration = m.opts.Now().Sub(start)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.Sweeps++
	m.totals.Killed += len(s.Killed)
	m.totals.Errors += s.Errors
	m.last = &s
}

// Stats returns the current snapshot.
func (m *Monitor) Stats() Stats {
	now := m.opts.Now()
	var active []ActiveProcess
	for _, rec := range m.table.List() {
		active = append(active, ActiveProcess{
			PID: rec.PID, Name: rec.Name, Command: rec.Command, CallID: rec.CallID, Age: rec.Age(now),
		})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Running:      m.cancel != nil,
		Interval:     m.opts.Interval,
		CPUThreshold: m.opts.CPUThreshold,
		MaxAge:       m.opts.MaxAge,
		Active:       active,
		Totals:       m.totals,
	}
	if m.last != nil {
		last := *m.last
		st.LastSweep = &last
	}
	return st
}

func (s Stats) String() string {
	return fmt.Sprintf("active=%d sweeps=%d killed=%d errors=%d", len(s.Active), s.Totals.Sweeps, s.Totals.Killed, s.Totals.Errors)
}

func traceID(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
