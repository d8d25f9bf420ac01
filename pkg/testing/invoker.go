// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides test doubles for code that talks to CLI agents.
package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/process"
)

// Reply is one scripted agent response.
type Reply struct {
	Output string
	Err    error
	// Delay is waited before replying; cancellation cuts it short.
	Delay time.Duration
}

// Respond returns a successful reply.
func Respond(output string) Reply { return Reply{Output: output} }

// Fail returns a failing reply.
func Fail(err error) Reply { return Reply{Err: err} }

// Call records one invocation.
type Call struct {
	Agent string
	Input string
	At    time.Time
}

// ScriptedInvoker is a process.Invoker returning pre-defined replies per agent.
// Queued replies are consumed in order; once a queue is empty the agent's
// standing reply (if any) is used, then the handler, then an error.
type ScriptedInvoker struct {
	mu       sync.Mutex
	queues   map[string][]Reply
	standing map[string]Reply
	handler  func(agent, input string) (string, error)
	calls    []Call
}

// NewScriptedInvoker creates an invoker with no scripts.
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{
		queues:   make(map[string][]Reply),
		standing: make(map[string]Reply),
	}
}

// On queues replies for agent.
func (s *ScriptedInvoker) On(agent string, replies ...Reply) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[agent] = append(s.queues[agent], replies...)
	return s
}

// Always sets the reply used for agent once its queue is exhausted.
func (s *ScriptedInvoker) Always(agent string, reply Reply) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standing[agent] = reply
	return s
}

// Handle sets a fallback computing replies from the agent and input.
func (s *ScriptedInvoker) Handle(fn func(agent, input string) (string, error)) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
	return s
}

// Invoke implements process.Invoker.
func (s *ScriptedInvoker) Invoke(ctx context.Context, spec process.Spec, input string) (string, error) {
	reply, handler, ok := s.next(spec.Name, input)
	if !ok {
		if handler != nil {
			return handler(spec.Name, input)
		}
		return "", fmt.Errorf("scripted invoker: no reply for agent %q", spec.Name)
	}
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", errors.New(errors.CodeContextLost, "agent call canceled", ctx.Err()).
				WithContext("agent", spec.Name)
		case <-timer.C:
		}
	}
	return reply.Output, reply.Err
}

func (s *ScriptedInvoker) next(agent, input string) (Reply, func(string, string) (string, error), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Agent: agent, Input: input, At: time.Now()})
	if q := s.queues[agent]; len(q) > 0 {
		s.queues[agent] = q[1:]
		return q[0], nil, true
	}
	if r, ok := s.standing[agent]; ok {
		return r, nil, true
	}
	return Reply{}, s.handler, false
}

// Calls returns every recorded call in order.
func (s *ScriptedInvoker) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of calls made to agent.
func (s *ScriptedInvoker) CallCount(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Agent == agent {
			n++
		}
	}
	return n
}

// Pending returns how many queued replies remain for agent.
func (s *ScriptedInvoker) Pending(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[agent])
}

var _ process.Invoker = (*ScriptedInvoker)(nil)
