// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines multi-step agent workflows, loads them from
// YAML, JSON or TOML, and runs them with a program-counter engine.
package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
)

// Workflow is a named, ordered list of steps.
type Workflow struct {
	Name        string   `yaml:"name" json:"name" toml:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty" toml:"description"`
	// Output is the context path returned as the execution result. Defaults to "last".
	Output   string   `yaml:"output,omitempty" json:"output,omitempty" toml:"output"`
	Settings Settings `yaml:"settings,omitempty" json:"settings,omitempty" toml:"settings"`
	Steps    []Step   `yaml:"steps" json:"steps" toml:"steps"`

	// Source is the file the workflow was loaded from, or "builtin".
	Source string `yaml:"-" json:"source,omitempty" toml:"-"`

	index    map[string]int
	compiled []compiledStep
}

// Settings tune a workflow run.
type Settings struct {
	MaxIterations int      `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" toml:"max_iterations"`
	Timeout       Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" toml:"timeout"`
	LoopDelay     Duration `yaml:"loop_delay,omitempty" json:"loop_delay,omitempty" toml:"loop_delay"`
}

// Step is one unit of work.
type Step struct {
	Name  string          `yaml:"name" json:"name" toml:"name"`
	Agent dispatch.Target `yaml:"agent,omitempty" json:"agent,omitempty" toml:"agent"`
	Role  string          `yaml:"role,omitempty" json:"role,omitempty" toml:"role"`
	Mode  string          `yaml:"mode,omitempty" json:"mode,omitempty" toml:"mode"`

	Condition string `yaml:"condition,omitempty" json:"condition,omitempty" toml:"condition"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty" toml:"transform"`
	Validate  string `yaml:"validate,omitempty" json:"validate,omitempty" toml:"validate"`

	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry"`

	OnSuccess   string `yaml:"on_success,omitempty" json:"on_success,omitempty" toml:"on_success"`
	OnFailure   string `yaml:"on_failure,omitempty" json:"on_failure,omitempty" toml:"on_failure"`
	LoopTo      string `yaml:"loop_to,omitempty" json:"loop_to,omitempty" toml:"loop_to"`
	StopOnError bool   `yaml:"stop_on_error,omitempty" json:"stop_on_error,omitempty" toml:"stop_on_error"`

	// SaveAs stores successful output under an extra context key.
	SaveAs  string `yaml:"save_as,omitempty" json:"save_as,omitempty" toml:"save_as"`
	NoCache bool   `yaml:"no_cache,omitempty" json:"no_cache,omitempty" toml:"no_cache"`
}

// RetryPolicy retries a failed step up to Attempts more times.
type RetryPolicy struct {
	Attempts      int      `yaml:"attempts" json:"attempts" toml:"attempts"`
	Delay         Duration `yaml:"delay,omitempty" json:"delay,omitempty" toml:"delay"`
	BackoffFactor float64  `yaml:"backoff_factor,omitempty" json:"backoff_factor,omitempty" toml:"backoff_factor"`
}

// Summary is the listing form of a workflow.
type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
	Source      string   `json:"source,omitempty"`
}

// Summary returns the listing form of w.
func (w *Workflow) Summary() Summary {
	s := Summary{Name: w.Name, Description: w.Description, Source: w.Source}
	for _, st := range w.Steps {
		s.Steps = append(s.Steps, st.Name)
	}
	return s
}

// StepIndex returns the position of the named step.
func (w *Workflow) StepIndex(name string) (int, bool) {
	if w.index == nil {
		for i, st := range w.Steps {
			if st.Name == name {
				return i, true
			}
		}
		return 0, false
	}
	i, ok := w.index[name]
	return i, ok
}

// Check validates the workflow structure: a name, at least one step, unique
// step names, known branch targets and parallel modes.
func (w *Workflow) Check() error {
	if w == nil {
		return errors.New(errors.CodeInvalidInput, "workflow is nil", nil)
	}
	if strings.TrimSpace(w.Name) == "" {
		return errors.New(errors.CodeInvalidInput, "workflow name is required", nil)
	}
	if len(w.Steps) == 0 {
		return errors.New(errors.CodeInvalidInput, "workflow has no steps", nil).WithContext("workflow", w.Name)
	}
	if w.Settings.MaxIterations < 0 {
		return errors.New(errors.CodeInvalidInput, "max_iterations must not be negative", nil).WithContext("workflow", w.Name)
	}

	index := make(map[string]int, len(w.Steps))
	for i, st := range w.Steps {
		if strings.TrimSpace(st.Name) == "" {
			return errors.New(errors.CodeInvalidInput, fmt.Sprintf("step %d has no name", i), nil).WithContext("workflow", w.Name)
		}
		if _, dup := index[st.Name]; dup {
			return errors.New(errors.CodeInvalidInput, "duplicate step name", nil).
				WithContext("workflow", w.Name).WithContext("step", st.Name)
		}
		index[st.Name] = i
	}
	for _, st := range w.Steps {
		for _, target := range []string{st.OnSuccess, st.OnFailure, st.LoopTo} {
			if target == "" {
				continue
			}
			if _, ok := index[target]; !ok {
				return errors.New(errors.CodeStepNotFound, "branch target not found", nil).
					WithContext("workflow", w.Name).WithContext("step", st.Name).WithContext("target", target)
			}
		}
		if st.Mode != "" {
			if _, err := dispatch.ParseMode(st.Mode); err != nil {
				return errors.New(errors.CodeInvalidInput, "invalid step mode", err).
					WithContext("workflow", w.Name).WithContext("step", st.Name)
			}
		}
		if st.Retry != nil && st.Retry.Attempts < 0 {
			return errors.New(errors.CodeInvalidInput, "retry attempts must not be negative", nil).
				WithContext("workflow", w.Name).WithContext("step", st.Name)
		}
	}
	w.index = index
	return nil
}

// Duration is a time.Duration decoding from "1m30s" style strings or from
// integer milliseconds.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(ms) * time.Millisecond), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON accepts a duration string or integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or integer milliseconds")
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// UnmarshalYAML accepts a duration string or integer milliseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// UnmarshalTOML accepts a duration string or integer milliseconds.
func (d *Duration) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case string:
		return d.UnmarshalText([]byte(val))
	case int64:
		*d = Duration(time.Duration(val) * time.Millisecond)
		return nil
	}
	return fmt.Errorf("duration must be a string or integer, got %T", v)
}
