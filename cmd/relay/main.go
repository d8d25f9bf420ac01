// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the relay CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/orchestrator"
	"github.com/jllopis/relay/pkg/telemetry"
)

var version = "dev"

// app carries the global flags and the lazily built orchestrator shared by
// every subcommand.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	sets       []string
	jsonOutput bool
	logLevel   string
	noColor    bool

	// options are appended when the orchestrator is built.
	options []orchestrator.Option

	cfg      *config.Config
	orc      *orchestrator.Orchestrator
	shutdown telemetry.ShutdownFunc
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	code := a.execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the process exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		toCLIError(err).PrintError(a.stderr, a.jsonOutput)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Orchestrate local AI coding agents",
		Long: `relay drives locally installed coding agent CLIs as subprocesses.

It picks the right agent for a task, runs multi-step workflows across agents,
fans prompts out to several agents at once and reaps runaway agent processes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Path to config file")
	pf.StringArrayVar(&a.sets, "set", nil, "Override a config key (key=value), repeatable")
	pf.BoolVar(&a.jsonOutput, "json", false, "Write machine readable JSON")
	pf.StringVar(&a.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	pf.BoolVar(&a.noColor, "no-color", false, "Disable styled output")

	root.AddCommand(
		newRunCmd(a),
		newWorkflowCmd(a),
		newParallelCmd(a),
		newWorkflowsCmd(a),
		newAgentsCmd(a),
		newCapabilitiesCmd(a),
		newStatsCmd(a),
		newHealthCmd(a),
		newHistoryCmd(a),
		newValidateCmd(a),
		newServeCmd(a),
	)
	return root
}

// configArgs rebuilds the --config and --set arguments understood by
// config.LoadWithCLI.
func (a *app) configArgs() []string {
	var args []string
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	for _, s := range a.sets {
		args = append(args, "--set", s)
	}
	if a.logLevel != "" {
		args = append(args, "--set", "log.level="+a.logLevel)
	}
	return args
}

// setup loads configuration and configures logging and telemetry.
func (a *app) setup() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.LoadWithCLI(a.configArgs())
	if err != nil {
		return NewConfigError(err)
	}
	a.cfg = cfg

	telemetry.ConfigureSlog(a.stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("relay", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		Writer:       a.stderr,
	})
	if err != nil {
		return NewConfigError(fmt.Errorf("telemetry: %w", err))
	}
	a.shutdown = shutdown
	slog.Default().Debug("relay.config.loaded",
		slog.String("config", a.configPath),
		slog.Int("agents", len(cfg.Agents)),
		slog.String("default_agent", cfg.DefaultAgent),
	)
	return nil
}

// orchestrator builds the orchestrator on first use.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	if a.orc != nil {
		return a.orc, nil
	}
	if err := a.setup(); err != nil {
		return nil, err
	}
	orc, err := orchestrator.New(a.cfg, a.options...)
	if err != nil {
		return nil, err
	}
	a.orc = orc
	return orc, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.orc != nil {
		if err := a.orc.Stop(ctx); err != nil {
			slog.Default().Warn("relay.stop", telemetry.ErrAttr(err))
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			slog.Default().Warn("relay.telemetry.shutdown", telemetry.ErrAttr(err))
		}
		a.shutdown = nil
	}
}

// readPrompt joins args into a prompt. With no args, or a single "-", the
// prompt is read from stdin unless stdin is a terminal.
func (a *app) readPrompt(args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	if isTerminal(a.stdin) {
		return "", NewUsageError("a prompt is required")
	}
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", NewUsageError("a prompt is required")
	}
	return prompt, nil
}
