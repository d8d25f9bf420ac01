// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package process runs external CLI agents and turns their unstructured
// streaming output into a single awaited result.
package process

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/telemetry"
)

// InputMode selects how the prompt reaches the agent.
type InputMode string

const (
	InputStdin InputMode = "stdin"
	InputArg   InputMode = "arg"
)

// CompletionMode selects how the end of a response is detected.
type CompletionMode string

const (
	// CompletionHeuristic waits for a quiet period after output that looks complete.
	CompletionHeuristic CompletionMode = "heuristic"
	// CompletionExit only trusts process exit.
	CompletionExit CompletionMode = "exit"
	// CompletionSentinel waits for a quiet period after the sentinel token appears.
	CompletionSentinel CompletionMode = "sentinel"
)

// PromptPlaceholder is replaced by the input in argument-mode invocations.
const PromptPlaceholder = "{prompt}"

// Spec describes how to invoke one agent.
type Spec struct {
	Name       string
	Command    string
	Args       []string
	Input      InputMode
	TTY        bool
	Env        map[string]string
	Dir        string
	Timeout    time.Duration
	Completion CompletionMode
	Sentinel   string
}

// Invoker runs a prompt against an agent and returns its normalized output.
type Invoker interface {
	Invoke(ctx context.Context, spec Spec, input string) (string, error)
}

// Options tunes adapter timing.
type Options struct {
	// DefaultTimeout applies when a Spec has no timeout.
	DefaultTimeout time.Duration
	// Quiescence is the quiet window after heuristic or sentinel completion.
	Quiescence time.Duration
	// Grace is the delay between SIGTERM and SIGKILL.
	Grace time.Duration
}

// Adapter spawns one OS process per Invoke call.
type Adapter struct {
	table *Table
	opts  Options
}

// NewAdapter creates an adapter registering its processes in table.
func NewAdapter(table *Table, opts Options) *Adapter {
	if table == nil {
		table = NewTable()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Quiescence <= 0 {
		opts.Quiescence = 200 * time.Millisecond
	}
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}
	return &Adapter{table: table, opts: opts}
}

// Table returns the process table shared with the monitor.
func (a *Adapter) Table() *Table {
	return a.table
}

// outputBuffer collects process output and signals every write.
type outputBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{notify: make(chan struct{}, 1)}
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	n, err := o.buf.Write(p)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return n, err
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func (o *outputBuffer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Len()
}

// child tracks a started process until it is reaped.
type child struct {
	cmd     *exec.Cmd
	pid     int
	rec     Record
	done    chan struct{}
	waitErr error
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Invoke runs spec with input. It returns once the process exits, the
// completion heuristic fires, the hard timeout elapses or ctx is canceled.
// The timeout always wins over the heuristic.
func (a *Adapter) Invoke(ctx context.Context, spec Spec, input string) (string, error) {
	if spec.Command == "" {
		return "", errors.New(errors.CodeInvalidInput, "agent command is empty", nil).
			WithContext("agent", spec.Name)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = a.opts.DefaultTimeout
	}
	mode := spec.Completion
	if mode == "" {
		mode = CompletionHeuristic
	}

	ctx, span := otel.Tracer("relay/process").Start(ctx, "process.invoke",
		trace.WithAttributes(
			attribute.String(telemetry.AttrAgentName, spec.Name),
			attribute.String(telemetry.AttrAgentCommand, spec.Command),
			attribute.String(telemetry.AttrProcessCompletion, string(mode)),
		),
	)
	defer span.End()
	log := slog.Default()

	out := newOutputBuffer()
	var stderr bytes.Buffer
	c, err := a.start(spec, input, out, &stderr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return "", err
	}
	rec := c.rec
	span.SetAttributes(
		attribute.Int(telemetry.AttrProcessPID, c.pid),
		attribute.String(telemetry.AttrProcessCallID, rec.CallID),
	)
	log.DebugContext(ctx, "process.start",
		slog.String("agent", spec.Name),
		slog.Int("pid", c.pid),
		slog.String("call_id", rec.CallID),
		slog.Duration("timeout", timeout),
	)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	var quietC <-chan time.Time

	finish := func(reason string, result string, err error) (string, error) {
		telemetry.Metrics().RecordProcess(ctx, spec.Name, reason)
		span.SetAttributes(
			attribute.String("relay.process.reason", reason),
			attribute.Int(telemetry.AttrProcessOutputLen, len(result)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, reason)
		}
		return result, err
	}

	for {
		select {
		case <-ctx.Done():
			a.terminate(c, spec.Name, "canceled")
			return finish("canceled", "", errors.New(errors.CodeContextLost, "agent call canceled", ctx.Err()).
				WithContext("agent", spec.Name).
				WithContext("partial_bytes", out.Len()))

		case <-deadline.C:
			a.terminate(c, spec.Name, "timeout")
			log.WarnContext(ctx, "process.timeout",
				slog.String("agent", spec.Name),
				slog.Int("pid", c.pid),
				slog.Duration("timeout", timeout),
				slog.Int("partial_bytes", out.Len()),
			)
			return finish("timeout", "", errors.New(errors.CodeProcessTimeout, "agent did not finish in time", nil).
				WithContext("agent", spec.Name).
				WithContext("timeout", timeout.String()).
				WithContext("partial_bytes", out.Len()))

		case <-c.done:
			result := a.result(spec, input, out.String())
			if result == "" {
				exitErr := errors.New(errors.CodeProcessExit, "agent exited without output", c.waitErr).
					WithContext("agent", spec.Name).
					WithContext("exit_code", exitCode(c.waitErr)).
					WithContext("stderr", tail(stderr.String(), 2048))
				return finish("exit", "", exitErr)
			}
			if c.waitErr != nil {
				log.WarnContext(ctx, "process.exit.degraded",
					slog.String("agent", spec.Name),
					slog.Int("exit_code", exitCode(c.waitErr)),
					slog.Int("output_bytes", len(result)),
				)
				span.SetAttributes(attribute.Int(telemetry.AttrProcessExitCode, exitCode(c.waitErr)))
			}
			return finish("exit", result, nil)

		case <-out.notify:
			if mode == CompletionExit {
				continue
			}
			quiet.Stop()
			quietC = nil
			if a.matches(mode, spec.Sentinel, out.String()) {
				quiet.Reset(a.opts.Quiescence)
				quietC = quiet.C
			}

		case <-quietC:
			quietC = nil
			raw := out.String()
			if !a.matches(mode, spec.Sentinel, raw) {
				continue
			}
			// Output was quiet for the whole window; the agent is done even
			// if the process lingers.
			go a.terminate(c, spec.Name, "completed")
			return finish(string(mode), a.result(spec, input, raw), nil)
		}
	}
}

func (a *Adapter) matches(mode CompletionMode, sentinel, raw string) bool {
	if mode == CompletionSentinel {
		_, found := cutSentinel(raw, sentinel)
		return found
	}
	return LooksComplete(raw)
}

func (a *Adapter) result(spec Spec, input, raw string) string {
	if spec.Sentinel != "" {
		raw, _ = cutSentinel(raw, spec.Sentinel)
	}
	res := Normalize(raw)
	if spec.TTY {
		res = stripEcho(res, input)
	}
	return res
}

func (a *Adapter) start(spec Spec, input string, out *outputBuffer, stderr *bytes.Buffer) (*child, error) {
	cmd := exec.Command(spec.Command, buildArgs(spec, input)...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	if spec.TTY {
		return c, a.startTTY(c, spec, input, out)
	}

	setProcessGroup(cmd)
	if spec.Input != InputArg {
		cmd.Stdin = strings.NewReader(input)
	}
	cmd.Stdout = out
	cmd.Stderr = stderr
	// Bounds how long Wait blocks on pipes held open by detached children.
	cmd.WaitDelay = a.opts.Grace
	if err := cmd.Start(); err != nil {
		return nil, startError(spec, err)
	}
	c.pid = cmd.Process.Pid
	// Must precede the wait goroutine, which unregisters.
	c.rec = a.table.Register(c.pid, spec.Name, spec.Command)
	go func() {
		c.waitErr = cmd.Wait()
		a.table.Unregister(c.pid)
		close(c.done)
	}()
	return c, nil
}

func (a *Adapter) startTTY(c *child, spec Spec, input string, out *outputBuffer) error {
	tty, err := pty.Start(c.cmd)
	if err != nil {
		return startError(spec, err)
	}
	c.pid = c.cmd.Process.Pid
	c.rec = a.table.Register(c.pid, spec.Name, spec.Command)
	if spec.Input != InputArg {
		// Terminal line discipline: the line then EOF on an empty line.
		_, _ = io.WriteString(tty, input+"\n\x04")
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(out, tty)
	}()
	go func() {
		c.waitErr = c.cmd.Wait()
		select {
		case <-copied:
		case <-time.After(a.opts.Grace):
		}
		_ = tty.Close()
		a.table.Unregister(c.pid)
		close(c.done)
	}()
	return nil
}

// terminate sends SIGTERM to the process group, waits the grace period and
// then forces SIGKILL.
func (a *Adapter) terminate(c *child, name, reason string) {
	if c.exited() {
		return
	}
	_ = signalGroup(c.pid, sigTerm)
	timer := time.NewTimer(a.opts.Grace)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		_ = signalGroup(c.pid, sigKill)
		<-c.done
	}
	if reason != "completed" {
		telemetry.Metrics().RecordKill(context.Background(), name, reason)
	}
}

func buildArgs(spec Spec, input string) []string {
	args := make([]string, 0, len(spec.Args)+1)
	replaced := false
	for _, arg := range spec.Args {
		if spec.Input == InputArg && strings.Contains(arg, PromptPlaceholder) {
			arg = strings.ReplaceAll(arg, PromptPlaceholder, input)
			replaced = true
		}
		args = append(args, arg)
	}
	if spec.Input == InputArg && !replaced {
		args = append(args, input)
	}
	return args
}

func startError(spec Spec, err error) error {
	re := errors.New(errors.CodeProcessStart, "failed to start agent", err).
		WithContext("agent", spec.Name).
		WithContext("command", spec.Command)
	if stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, os.ErrNotExist) {
		re.WithContext("hint", fmt.Sprintf("is %q installed and on PATH?", spec.Command))
	}
	return re
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
