// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes prompts to one agent, an auto-selected agent or
// several agents in parallel. Behaviour is layered with decorators around a
// single-agent base dispatcher.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/errors"
)

// Mode is the aggregation strategy for parallel dispatch.
type Mode string

const (
	ModeRace Mode = "race"
	ModeAll  Mode = "all"
	ModeVote Mode = "vote"
)

// ParseMode validates a mode name. Empty selects race.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRace:
		return ModeRace, nil
	case ModeAll:
		return ModeAll, nil
	case ModeVote:
		return ModeVote, nil
	}
	return "", errors.New(errors.CodeInvalidInput, "unknown dispatch mode", nil).WithContext("mode", s)
}

// Auto is the target literal that delegates to the selector.
const Auto = "auto"

// Target names the agents a request goes to: one name, "auto", or several
// names for parallel dispatch. It decodes from a string or a list.
type Target []string

// Single returns a one-agent target.
func Single(name string) Target { return Target{name} }

// IsZero reports whether no target was given.
func (t Target) IsZero() bool { return len(t) == 0 }

// IsAuto reports whether the selector should choose the agent.
func (t Target) IsAuto() bool { return len(t) == 1 && strings.EqualFold(t[0], Auto) }

// IsMulti reports whether the target fans out to several agents.
func (t Target) IsMulti() bool { return len(t) > 1 }

func (t Target) String() string { return strings.Join(t, ",") }

func (t *Target) set(values []string) {
	out := make(Target, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	*t = out
}

// UnmarshalJSON accepts "name" or ["a","b"].
func (t *Target) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		t.set([]string{one})
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("agent target must be a string or list of strings: %w", err)
	}
	t.set(many)
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		t.set([]string{node.Value})
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		t.set(many)
		return nil
	}
	return fmt.Errorf("line %d: agent target must be a string or list of strings", node.Line)
}

// UnmarshalTOML accepts a string or an array of strings.
func (t *Target) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case string:
		t.set([]string{val})
		return nil
	case []interface{}:
		many := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("agent target list must contain strings, got %T", item)
			}
			many = append(many, s)
		}
		t.set(many)
		return nil
	}
	return fmt.Errorf("agent target must be a string or array, got %T", v)
}

// MarshalJSON renders single targets as a plain string.
func (t Target) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// MarshalYAML renders single targets as a plain string.
func (t Target) MarshalYAML() (interface{}, error) {
	if len(t) == 1 {
		return t[0], nil
	}
	return []string(t), nil
}

// Request is one dispatch.
type Request struct {
	Prompt string
	Target Target
	Role   agent.Role
	Mode   Mode
	// Requirements refine auto selection; Role is copied in when unset.
	Requirements agent.Requirements
	// NoCache bypasses the response cache for this request.
	NoCache bool
	// NoRetry makes the resilient layer call once. The breaker still gates
	// and counts the call. Set by callers that own their retry policy.
	NoRetry bool
}

// Outcome is the per-agent result of a dispatch branch.
type Outcome struct {
	Agent    string             `json:"agent"`
	Output   string             `json:"output,omitempty"`
	Err      error              `json:"-"`
	Error    *errors.RelayError `json:"error,omitempty"`
	Cached   bool               `json:"cached,omitempty"`
	Duration time.Duration      `json:"duration_ns"`
}

// OK reports whether the branch succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Result is the aggregated dispatch result.
type Result struct {
	Agent    string    `json:"agent"`
	Output   string    `json:"output"`
	Cached   bool      `json:"cached,omitempty"`
	Mode     Mode      `json:"mode,omitempty"`
	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// Dispatcher routes a request to agents.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Result, error)
}

// Resolver picks the concrete agent for a single or auto target.
type Resolver interface {
	Resolve(req Request) (agent.Descriptor, error)
}

func outcomeFrom(name string, res *Result, err error, d time.Duration) Outcome {
	o := Outcome{Agent: name, Duration: d}
	if err != nil {
		o.Err = err
		o.Error = errors.AsRelayError(err)
		return o
	}
	o.Output = res.Output
	o.Cached = res.Cached
	if res.Agent != "" {
		o.Agent = res.Agent
	}
	return o
}
