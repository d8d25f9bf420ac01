// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent holds the registry of external CLI agents and ranks them
// against task requirements.
package agent

import (
	"strings"
	"sync"

	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/process"
)

// Role is the functional mode requested from an agent.
type Role string

const (
	RolePlan    Role = "plan"
	RoleExecute Role = "execute"
	RoleReview  Role = "review"
)

// ParseRole normalizes a role name. Unknown or empty names map to execute.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePlan, "planning", "planner":
		return RolePlan
	case RoleReview, "reviewer", "critique":
		return RoleReview
	default:
		return RoleExecute
	}
}

// Capabilities scores what an agent is good at.
type Capabilities struct {
	Plan          float64  `json:"plan"`
	Execute       float64  `json:"execute"`
	Review        float64  `json:"review"`
	ContextWindow int      `json:"context_window"`
	Languages     []string `json:"languages,omitempty"`
}

// For returns the capability score for role.
func (c Capabilities) For(role Role) float64 {
	switch role {
	case RolePlan:
		return c.Plan
	case RoleReview:
		return c.Review
	default:
		return c.Execute
	}
}

// Speaks reports whether lang is one of the agent's languages.
func (c Capabilities) Speaks(lang string) bool {
	for _, l := range c.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// Descriptor is an immutable registered agent.
type Descriptor struct {
	Name         string       `json:"name"`
	Spec         process.Spec `json:"-"`
	Capabilities Capabilities `json:"capabilities"`
}

// Command returns the executable used to invoke the agent.
func (d Descriptor) Command() string {
	return d.Spec.Command
}

// FromConfig builds a descriptor from agent configuration.
func FromConfig(ac config.AgentConfig) Descriptor {
	return Descriptor{
		Name: ac.Name,
		Spec: process.Spec{
			Name:       ac.Name,
			Command:    ac.Command,
			Args:       append([]string(nil), ac.Args...),
			Input:      process.InputMode(ac.Input),
			TTY:        ac.TTY,
			Env:        ac.Env,
			Dir:        ac.Dir,
			Timeout:    ac.Timeout,
			Completion: process.CompletionMode(ac.Completion),
			Sentinel:   ac.Sentinel,
		},
		Capabilities: Capabilities{
			Plan:          ac.Capabilities.Plan,
			Execute:       ac.Capabilities.Execute,
			Review:        ac.Capabilities.Review,
			ContextWindow: ac.Capabilities.ContextWindow,
			Languages:     append([]string(nil), ac.Capabilities.Languages...),
		},
	}
}

// Registry holds agents in registration order. Each name registers once.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	agents map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Descriptor)}
}

// NewRegistryFromConfig registers every configured agent in order.
func NewRegistryFromConfig(agents []config.AgentConfig) (*Registry, error) {
	r := NewRegistry()
	for _, ac := range agents {
		if err := r.Register(FromConfig(ac)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d. It fails if the name is empty or already registered.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New(errors.CodeInvalidInput, "agent name is required", nil)
	}
	if d.Spec.Name == "" {
		d.Spec.Name = d.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[d.Name]; exists {
		return errors.New(errors.CodeInvalidInput, "agent already registered", nil).
			WithContext("agent", d.Name)
	}
	r.agents[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[name]
	return d, ok
}

// MustGet returns the named agent or an AGENT_NOT_FOUND error.
func (r *Registry) MustGet(name string) (Descriptor, error) {
	if d, ok := r.Get(name); ok {
		return d, nil
	}
	return Descriptor{}, errors.New(errors.CodeAgentNotFound, "unknown agent", nil).
		WithContext("agent", name).
		WithContext("available", r.Names())
}

// List returns every agent in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Names returns agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Commands returns the distinct executable base names of registered agents.
func (r *Registry) Commands() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range r.List() {
		cmd := d.Spec.Command
		if i := strings.LastIndexAny(cmd, `/\`); i >= 0 {
			cmd = cmd[i+1:]
		}
		if cmd != "" && !seen[cmd] {
			seen[cmd] = true
			out = append(out, cmd)
		}
	}
	return out
}
