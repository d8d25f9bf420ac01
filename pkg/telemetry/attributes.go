// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Relay telemetry.
const (
	// Agent attributes
	AttrAgentName    = "relay.agent.name"
	AttrAgentRole    = "relay.agent.role"
	AttrAgentCommand = "relay.agent.command"

	// Dispatch attributes
	AttrDispatchMode    = "relay.dispatch.mode"
	AttrDispatchTargets = "relay.dispatch.targets"
	AttrDispatchCached  = "relay.dispatch.cached"
	AttrDispatchAttempt = "relay.dispatch.attempt"

	// Process attributes
	AttrProcessPID        = "relay.process.pid"
	AttrProcessCallID     = "relay.process.call_id"
	AttrProcessCompletion = "relay.process.completion"
	AttrProcessExitCode   = "relay.process.exit_code"
	AttrProcessOutputLen  = "relay.process.output_bytes"

	// Workflow attributes
	AttrWorkflowName   = "relay.workflow.name"
	AttrExecutionID    = "relay.execution.id"
	AttrExecutionState = "relay.execution.status"
	AttrStepName       = "relay.step.name"
	AttrStepStatus     = "relay.step.status"
	AttrStepAttempts   = "relay.step.attempts"

	// Monitor attributes
	AttrMonitorReason = "relay.monitor.reason"

	// Error attributes
	AttrErrorCode = "error.code"
)

// AgentAttributes returns the attributes that identify an agent invocation.
func AgentAttributes(name, role string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrAgentName, name)}
	if role != "" {
		attrs = append(attrs, attribute.String(AttrAgentRole, role))
	}
	return attrs
}

// StepAttributes returns the attributes that identify a workflow step.
func StepAttributes(workflow, executionID, step string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWorkflowName, workflow),
		attribute.String(AttrExecutionID, executionID),
		attribute.String(AttrStepName, step),
	}
}
