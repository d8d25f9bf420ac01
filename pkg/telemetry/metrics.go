// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/relay/pkg/errors"
)

// RelayMetrics groups the instruments shared by Relay components.
type RelayMetrics struct {
	// dispatches counts agent dispatches by agent, role and outcome
	dispatches metric.Int64Counter

	// dispatchDuration records end-to-end dispatch latency in milliseconds
	dispatchDuration metric.Float64Histogram

	// cacheLookups counts cache lookups by result (hit/miss)
	cacheLookups metric.Int64Counter

	// processes counts spawned agent processes by completion reason
	processes metric.Int64Counter

	// processKills counts processes terminated by the monitor or a timeout
	processKills metric.Int64Counter

	// executions counts workflow executions by workflow and final status
	executions metric.Int64Counter

	// stepDuration records step latency in milliseconds
	stepDuration metric.Float64Histogram

	// errorCounter tracks errors by code and component
	errorCounter metric.Int64Counter

	// breakerState tracks circuit breaker state per agent (0=open, 1=half-open, 2=closed)
	breakerState metric.Int64Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *RelayMetrics
)

// Metrics returns the process-wide instruments, created on first use from the
// global meter provider.
func Metrics() *RelayMetrics {
	metricsOnce.Do(func() {
		m, err := NewRelayMetrics(otel.Meter("relay"))
		if err != nil {
			otel.Handle(err)
		}
		metricsInst = m
	})
	return metricsInst
}

// NewRelayMetrics creates the Relay instruments on the given meter.
func NewRelayMetrics(meter metric.Meter) (*RelayMetrics, error) {
	m := &RelayMetrics{}
	var err error
	if m.dispatches, err = meter.Int64Counter("relay.dispatch.total",
		metric.WithDescription("Agent dispatches by agent, role and outcome")); err != nil {
		return nil, err
	}
	if m.dispatchDuration, err = meter.Float64Histogram("relay.dispatch.duration_ms",
		metric.WithDescription("Agent dispatch latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("relay.cache.lookups",
		metric.WithDescription("Response cache lookups by result")); err != nil {
		return nil, err
	}
	if m.processes, err = meter.Int64Counter("relay.process.total",
		metric.WithDescription("Agent processes by completion reason")); err != nil {
		return nil, err
	}
	if m.processKills, err = meter.Int64Counter("relay.process.killed",
		metric.WithDescription("Agent processes terminated by timeout or monitor")); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("relay.workflow.executions",
		metric.WithDescription("Workflow executions by final status")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("relay.workflow.step.duration_ms",
		metric.WithDescription("Workflow step latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("relay.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("relay.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per agent (0=open, 1=half-open, 2=closed)")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDispatch records one agent dispatch.
func (m *RelayMetrics) RecordDispatch(ctx context.Context, agent, role string, cached bool, durationMs float64, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrAgentName, agent),
		attribute.String(AttrAgentRole, role),
		attribute.Bool(AttrDispatchCached, cached),
		attribute.String("outcome", outcome),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchDuration.Record(ctx, durationMs, attrs)
}

// RecordCacheLookup records a cache hit or miss.
func (m *RelayMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordProcess records a finished agent process and how its completion was decided.
func (m *RelayMetrics) RecordProcess(ctx context.Context, agent, completion string) {
	if m == nil {
		return
	}
	m.processes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAgentName, agent),
		attribute.String(AttrProcessCompletion, completion),
	))
}

// RecordKill records a forced process termination.
func (m *RelayMetrics) RecordKill(ctx context.Context, name, reason string) {
	if m == nil {
		return
	}
	m.processKills.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAgentName, name),
		attribute.String(AttrMonitorReason, reason),
	))
}

// RecordExecution records a finished workflow execution.
func (m *RelayMetrics) RecordExecution(ctx context.Context, workflow, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrWorkflowName, workflow),
		attribute.String(AttrExecutionState, status),
	))
}

// RecordStep records the latency of one executed step.
func (m *RelayMetrics) RecordStep(ctx context.Context, workflow, step, status string, durationMs float64) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrWorkflowName, workflow),
		attribute.String(AttrStepName, step),
		attribute.String(AttrStepStatus, status),
	))
}

// RecordError increments the error counter for the given error and component.
func (m *RelayMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := "UNKNOWN"
	recoverable := "unknown"
	if c := errors.CodeOf(err); c != "" {
		code = string(c)
		recoverable = errors.AsRelayError(err).RecoverableString()
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}

// RecordBreakerState records a circuit breaker state (0=open, 1=half-open, 2=closed).
func (m *RelayMetrics) RecordBreakerState(ctx context.Context, agent string, state int64) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String(AttrAgentName, agent)))
}
