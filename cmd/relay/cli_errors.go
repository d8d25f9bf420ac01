// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/relay/pkg/errors"
)

// CLIError wraps RelayError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.RelayError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(re *errors.RelayError, hint string) *CLIError {
	return &CLIError{
		RelayError: re,
		Hint:       hint,
	}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.RelayError == nil {
		return "unknown error"
	}

	msg := e.RelayError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the wrapped RelayError.
func (e *CLIError) Unwrap() error {
	if e.RelayError == nil {
		return nil
	}
	return e.RelayError
}

// PrintError writes the error to w as text or as a JSON object.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	if asJSON {
		payload := map[string]any{
			"code":    e.RelayError.Code,
			"message": e.RelayError.Message,
		}
		if e.Hint != "" {
			payload["hint"] = e.Hint
		}
		if e.RelayError.Err != nil {
			payload["cause"] = e.RelayError.Err.Error()
		}
		if len(e.RelayError.Context) > 0 {
			payload["context"] = e.RelayError.Context
		}
		data, err := json.Marshal(map[string]any{"error": payload})
		if err != nil {
			fmt.Fprintf(w, "Error [%s]: %s\n", e.RelayError.Code, e.RelayError.Message)
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}

	fmt.Fprintf(w, "%s [%s]: %s\n", FormatErrorCode(e.RelayError.Code), e.RelayError.Code, e.RelayError.Message)
	if e.RelayError.Err != nil {
		fmt.Fprintf(w, "  Cause: %s\n", e.RelayError.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error) *CLIError {
	re := errors.New(errors.CodeInvalidInput, "invalid configuration", err).
		WithRecoverable(false)
	return NewCLIError(re, "check --config, RELAY_ environment variables and --set overrides")
}

// NewUsageError creates an invalid-input error for bad arguments.
func NewUsageError(message string) *CLIError {
	re := errors.New(errors.CodeInvalidInput, message, nil).WithRecoverable(false)
	return NewCLIError(re, "run 'relay help' for usage")
}

// toCLIError converts any error to a CLIError, attaching a hint derived from
// its code.
func toCLIError(err error) *CLIError {
	if err == nil {
		return nil
	}
	var ce *CLIError
	if stderrors.As(err, &ce) {
		return ce
	}
	re := errors.AsRelayError(err)
	return NewCLIError(re, hintFor(re))
}

func hintFor(re *errors.RelayError) string {
	switch re.Code {
	case errors.CodeWorkflowNotFound:
		return "run 'relay workflows' to list available workflows"
	case errors.CodeAgentNotFound:
		return "run 'relay agents' to list configured agents"
	case errors.CodeStepNotFound:
		return "check goto and loop_to targets with 'relay validate'"
	case errors.CodeProcessStart:
		return "check that the agent command is installed and on PATH"
	case errors.CodeProcessTimeout:
		return "raise process.timeout or pass --timeout"
	case errors.CodeCircuitOpen:
		return "the agent failed repeatedly; wait for dispatch.breaker_timeout or try another agent"
	case errors.CodeMaxIterations:
		return "raise workflows.max_iterations or pass --max-iterations"
	case errors.CodeValidationFailed:
		return "the agent output did not pass the step validation"
	case errors.CodeContextLost:
		return "the run was cancelled"
	}
	return ""
}

// FormatErrorCode returns a short label for an error code.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeContextLost:
		return "Cancelled"
	case errors.CodeProcessTimeout:
		return "Agent Timeout"
	case errors.CodeProcessExit:
		return "Agent Failed"
	case errors.CodeProcessStart:
		return "Agent Not Started"
	case errors.CodeValidationFailed:
		return "Validation Failed"
	case errors.CodeWorkflowNotFound:
		return "Workflow Not Found"
	case errors.CodeStepNotFound:
		return "Step Not Found"
	case errors.CodeAgentNotFound:
		return "Agent Not Found"
	case errors.CodeMaxIterations:
		return "Iteration Limit"
	case errors.CodeCircuitOpen:
		return "Agent Unavailable"
	default:
		return string(code)
	}
}
