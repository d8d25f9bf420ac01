package workflow

import (
	"time"

	"github.com/jllopis/relay/pkg/errors"
)

// Status is the lifecycle state of an execution. It only moves from
// running to one of the terminal states.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s != StatusRunning && s != "" }

// StepStatus is the outcome of one step run.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// ErrorDetail is the serialisable form of a step or execution error.
type ErrorDetail struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func detailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	re := errors.AsRelayError(err)
	msg := re.Message
	if re.Err != nil {
		msg += ": " + re.Err.Error()
	}
	return &ErrorDetail{Code: re.Code, Message: msg}
}

// StepResult records one run of a step.
type StepResult struct {
	Step          string        `json:"step"`
	Status        StepStatus    `json:"status"`
	Agent         string        `json:"agent,omitempty"`
	Role          string        `json:"role,omitempty"`
	Attempts      int           `json:"attempts"`
	Iteration     int           `json:"iteration"`
	Duration      time.Duration `json:"duration_ns"`
	Output        string        `json:"output,omitempty"`
	Cached        bool          `json:"cached,omitempty"`
	Error         *ErrorDetail  `json:"error,omitempty"`
	AttemptErrors []string      `json:"attempt_errors,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID        string         `json:"id"`
	Workflow  string         `json:"workflow"`
	Input     string         `json:"input"`
	Context   map[string]any `json:"context"`
	Steps     []StepResult   `json:"steps"`
	Status    Status         `json:"status"`
	Result    string         `json:"result,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
}

// Duration is the wall time of the execution so far.
func (e *Execution) Duration() time.Duration {
	if e.EndedAt.IsZero() {
		return time.Since(e.StartedAt)
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Succeeded reports whether the execution completed.
func (e *Execution) Succeeded() bool { return e.Status == StatusCompleted }

// Err returns the execution failure as a RelayError, or nil when it completed.
func (e *Execution) Err() error {
	if e.Succeeded() {
		return nil
	}
	if e.Error != nil {
		return errors.New(e.Error.Code, e.Error.Message, nil).
			WithContext("workflow", e.Workflow).
			WithContext("execution_id", e.ID)
	}
	return errors.New(errors.CodeInternal, "workflow "+string(e.Status), nil).
		WithContext("workflow", e.Workflow).
		WithContext("execution_id", e.ID)
}

// LastStep returns the most recent step result.
func (e *Execution) LastStep() (StepResult, bool) {
	if len(e.Steps) == 0 {
		return StepResult{}, false
	}
	return e.Steps[len(e.Steps)-1], true
}

func (e *Execution) finish(status Status, now time.Time) {
	if e.Status.Terminal() {
		return
	}
	e.Status = status
	e.EndedAt = now
}
