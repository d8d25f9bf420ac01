package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/health"
	"github.com/jllopis/relay/pkg/workflow"
)

func newWorkflowsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List available workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			list := orc.ListWorkflows()
			p := a.printer()
			if p.json {
				return p.JSON(list)
			}
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				rows = append(rows, []string{s.Name, strings.Join(s.Steps, " > "), orDash(s.Description)})
			}
			p.Table([]string{"NAME", "STEPS", "DESCRIPTION"}, rows)
			return nil
		},
	}
}

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			list := orc.ListAgents()
			p := a.printer()
			if p.json {
				return p.JSON(list)
			}
			rows := make([][]string, 0, len(list))
			for _, ag := range list {
				name := ag.Name
				if ag.Default {
					name += " *"
				}
				c := ag.Capabilities
				rows = append(rows, []string{
					name, ag.Command, ag.Input,
					fmt.Sprintf("%.2f", c.Plan), fmt.Sprintf("%.2f", c.Execute), fmt.Sprintf("%.2f", c.Review),
					fmt.Sprint(c.ContextWindow), orDash(strings.Join(c.Languages, ",")),
				})
			}
			p.Table([]string{"NAME", "COMMAND", "INPUT", "PLAN", "EXECUTE", "REVIEW", "CONTEXT", "LANGUAGES"}, rows)
			return nil
		},
	}
}

func newCapabilitiesCmd(a *app) *cobra.Command {
	var (
		req  agent.Requirements
		role string
	)
	cmd := &cobra.Command{
		Use:   "capabilities [task...]",
		Short: "Rank agents for a task",
		Long: `Capabilities scores every agent for a task and explains the ranking.
Language, context size and complexity are inferred from the task text unless
given as flags.`,
		Example: `  relay capabilities "summarise this 800k token log" --context-size 800000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := a.readPrompt(args)
			if err != nil {
				return err
			}
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			if role != "" {
				req.Role = agent.ParseRole(role)
			}
			recs := orc.GetCapabilities(task, req)
			p := a.printer()
			if p.json {
				return p.JSON(recs)
			}
			for i, r := range recs {
				avail := ""
				if !r.Available {
					avail = " (not installed)"
				}
				p.Title(fmt.Sprintf("%d. %s %.3f%s", i+1, r.Agent, r.Score, avail))
				for _, reason := range r.Reasons {
					p.Line("   %s", reason)
				}
				for _, w := range r.Warnings {
					p.Warn(w)
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&role, "role", "r", "", "Role (plan, execute, review)")
	f.StringVar(&req.Language, "language", "", "Programming language")
	f.IntVar(&req.ContextSize, "context-size", 0, "Required context window in tokens")
	f.StringVar(&req.Complexity, "complexity", "", "low, medium or high")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var sweep bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show agent process statistics",
		Long: `Stats prints the process monitor snapshot. With --sweep one sweep runs
first, killing agent processes above the CPU or age thresholds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			if sweep {
				if _, err := orc.Monitor().Sweep(cmd.Context()); err != nil {
					return err
				}
			}
			st := orc.GetProcessStats()
			p := a.printer()
			if p.json {
				return p.JSON(st)
			}
			p.Title("Process monitor")
			p.Line("running: %t  interval: %s  cpu threshold: %.0f%%  max age: %s", st.Running, st.Interval, st.CPUThreshold, st.MaxAge)
			p.Line("sweeps: %d  killed: %d  errors: %d", st.Totals.Sweeps, st.Totals.Killed, st.Totals.Errors)
			if st.LastSweep != nil {
				ls := st.LastSweep
				p.Dim("last sweep %s: scanned=%d killed=%d stale=%d errors=%d",
					ls.At.Format(time.RFC3339), ls.Scanned, len(ls.Killed), ls.Stale, ls.Errors)
				for _, k := range ls.Killed {
					p.Line("  killed %d %s (%s, age %s, cpu %.1f%%)", k.PID, k.Name, k.Reason, k.Age.Round(time.Second), k.CPU)
				}
			}
			if len(st.Active) == 0 {
				p.Dim("no active agent processes")
				return nil
			}
			rows := make([][]string, 0, len(st.Active))
			for _, ap := range st.Active {
				rows = append(rows, []string{fmt.Sprint(ap.PID), ap.Name, ap.Command, orDash(ap.CallID), ap.Age.Round(time.Second).String()})
			}
			p.Table([]string{"PID", "AGENT", "COMMAND", "CALL", "AGE"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&sweep, "sweep", false, "Run one monitor sweep before reporting")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check component health",
		Long: `Health checks agent binaries, the monitor, the cache and circuit breakers. It fails when the aggregate status is UNHEALTHY.
With --remote it asks the gRPC health service of a running relay serve instead.`,
		Example: `  relay health
  relay health --remote 127.0.0.1:8081`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remote != "" {
				return runRemoteHealth(cmd.Context(), a, remote)
			}
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			report := orc.Health(cmd.Context())
			p := a.printer()
			if p.json {
				if err := p.JSON(report); err != nil {
					return err
				}
			} else {
				printHealth(p, report)
			}
			if report.Status == health.Unhealthy {
				return errors.New(errors.CodeInternal, "relay is unhealthy", nil).WithRecoverable(false)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Address of a running relay gRPC health service")
	return cmd
}

func runRemoteHealth(ctx context.Context, a *app, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	statuses, err := health.Probe(ctx, addr, nil)
	if err != nil {
		return errors.New(errors.CodeInternal, "health probe failed", err).WithContext("addr", addr)
	}
	p := a.printer()
	if p.json {
		if err := p.JSON(statuses); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(statuses))
		for _, st := range statuses {
			name := st.Service
			if name == "" {
				name = "(aggregate)"
			}
			rows = append(rows, []string{name, p.Status(st.Status), orDash(st.Error)})
		}
		p.Table([]string{"SERVICE", "STATUS", "ERROR"}, rows)
	}
	if len(statuses) > 0 && !statuses[0].Serving() {
		return errors.New(errors.CodeInternal, "relay is not serving", nil).WithContext("addr", addr).WithRecoverable(false)
	}
	return nil
}

func printHealth(p *printer, report health.Report) {
	p.Line("status: %s", p.Status(string(report.Status)))
	rows := make([][]string, 0, len(report.Components))
	for _, c := range report.Components {
		msg := c.Message
		if c.Error != "" {
			msg = c.Error
		}
		rows = append(rows, []string{c.Component, string(c.Status), orDash(msg)})
	}
	p.Table([]string{"COMPONENT", "STATUS", "MESSAGE"}, rows)
}

func newHistoryCmd(a *app) *cobra.Command {
	var filter workflow.HistoryFilter
	var status string
	cmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "List or show stored workflow executions",
		Long:  `History reads the execution store. It needs history.driver set to memory or sqlite; only sqlite survives between invocations.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			p := a.printer()
			if len(args) == 1 {
				exec, err := orc.Execution(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printExecution(p, exec)
			}
			filter.Status = workflow.Status(status)
			list, err := orc.History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if p.json {
				return p.JSON(list)
			}
			rows := make([][]string, 0, len(list))
			for _, e := range list {
				rows = append(rows, []string{
					e.ID, e.Workflow, string(e.Status), e.StartedAt.Format(time.RFC3339),
					e.Duration().Round(time.Millisecond).String(), truncate(e.Input, 40),
				})
			}
			p.Table([]string{"ID", "WORKFLOW", "STATUS", "STARTED", "DURATION", "INPUT"}, rows)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&filter.Workflow, "workflow", "w", "", "Only this workflow")
	f.StringVar(&status, "status", "", "Only this status (completed, failed, error)")
	f.IntVarP(&filter.Limit, "limit", "n", 20, "Maximum executions to list")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
