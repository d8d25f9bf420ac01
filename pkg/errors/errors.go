// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Relay.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies Relay errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input or configuration was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeContextLost indicates the caller context was canceled or expired.
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeProcessTimeout indicates an agent process exceeded its deadline.
	CodeProcessTimeout ErrorCode = "PROCESS_TIMEOUT"

	// CodeProcessExit indicates an agent process exited without usable output.
	CodeProcessExit ErrorCode = "PROCESS_EXIT_ERROR"

	// CodeProcessStart indicates an agent process could not be spawned.
	CodeProcessStart ErrorCode = "PROCESS_START_ERROR"

	// CodeValidationFailed indicates a step output was rejected by its validator.
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// CodeWorkflowNotFound indicates an unknown workflow name.
	CodeWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"

	// CodeStepNotFound indicates a branch or loop references an unknown step.
	CodeStepNotFound ErrorCode = "STEP_NOT_FOUND"

	// CodeAgentNotFound indicates an unknown agent name.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"

	// CodeMaxIterations indicates a loop safety cap was reached.
	CodeMaxIterations ErrorCode = "MAX_ITERATIONS_EXCEEDED"

	// CodeCircuitOpen indicates calls to an agent are being rejected.
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
)

// RelayError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type RelayError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // For gRPC/HTTP-style responses
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging and tool results.
func (e *RelayError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores an error encoded by MarshalJSON. The cause comes
// back as plain text.
func (e *RelayError) UnmarshalJSON(data []byte) error {
	var in struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error"`
		Context     map[string]interface{} `json:"context"`
		Recoverable bool                   `json:"recoverable"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = *New(ErrorCode(in.Code), in.Message, nil)
	if in.Err != "" {
		e.Err = stderrors.New(in.Err)
	}
	if in.Context != nil {
		e.Context = in.Context
	}
	e.Recoverable = in.Recoverable
	return nil
}

// New creates a new RelayError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *RelayError {
	return &RelayError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Attributes:  make(map[string]string),
		Recoverable: defaultRecoverable(code),
		StatusCode:  codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *RelayError) WithContext(key string, value interface{}) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *RelayError) WithAttribute(key, value string) *RelayError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *RelayError) WithRecoverable(recoverable bool) *RelayError {
	e.Recoverable = recoverable
	return e
}

// AsRelayError attempts to convert an error to a RelayError.
// Returns the error as RelayError if one is found in the chain, or wraps it otherwise.
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if stderrors.As(err, &re) {
		return re
	}
	return New(CodeInternal, "wrapped error", err).WithRecoverable(true)
}

// CodeOf returns the code of the first RelayError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsConfigError reports whether err is a configuration error. Configuration
// errors are reported immediately and never retried.
func IsConfigError(err error) bool {
	switch CodeOf(err) {
	case CodeWorkflowNotFound, CodeStepNotFound, CodeAgentNotFound, CodeInvalidInput:
		return true
	}
	return false
}

// IsRecoverable reports whether err is worth retrying. Configuration errors
// and context loss never are; RelayErrors use their Recoverable flag and any
// other error is assumed transient.
func IsRecoverable(err error) bool {
	if err == nil || IsConfigError(err) {
		return false
	}
	var re *RelayError
	if stderrors.As(err, &re) {
		if re.Code == CodeContextLost {
			return false
		}
		return re.Recoverable
	}
	return true
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *RelayError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeProcessTimeout, CodeProcessExit, CodeValidationFailed, CodeCircuitOpen:
		return true
	}
	return false
}

// codeToStatusCode maps error codes to gRPC/HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeWorkflowNotFound, CodeStepNotFound, CodeAgentNotFound:
		return 404 // NOT_FOUND
	case CodeInvalidInput, CodeValidationFailed:
		return 400 // INVALID_ARGUMENT
	case CodeProcessTimeout, CodeContextLost:
		return 408 // DEADLINE_EXCEEDED
	case CodeCircuitOpen:
		return 503 // UNAVAILABLE
	default:
		return 500 // INTERNAL
	}
}
