// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/orchestrator"
	"github.com/jllopis/relay/pkg/workflow"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		prefs  orchestrator.Preferences
		values map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run a prompt through the best workflow",
		Long: `Run sends a prompt through an automatically chosen workflow. Build or
design tasks are planned first; simple questions go straight to one agent.
Failed runs are retried with backoff after resetting breakers and reaping
stuck processes. Reads the prompt from stdin when none is given.`,
		Example: `  relay run "explain this stack trace" < trace.txt
  relay run --workflow plan-execute --agent claude "build a REST API for todos"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := a.readPrompt(args)
			if err != nil {
				return err
			}
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			prefs.Context = contextValues(values)
			resp, runErr := orc.Orchestrate(cmd.Context(), prompt, prefs)
			if resp != nil {
				if err := printResponse(a.printer(), resp); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	f := cmd.Flags()
	f.StringVarP(&prefs.Workflow, "workflow", "w", "", "Workflow to run instead of the automatic choice")
	f.StringVarP(&prefs.Agent, "agent", "a", "", "Agent for every step")
	f.StringVarP(&prefs.Role, "role", "r", "", "Role for every step (plan, execute, review)")
	f.StringToStringVar(&values, "context", nil, "Initial workflow context (key=value)")
	return cmd
}

func printResponse(p *printer, resp *orchestrator.Response) error {
	if p.json {
		return p.JSON(resp)
	}
	if resp.Result != "" {
		p.Line("%s", resp.Result)
	}
	for _, w := range resp.Warnings {
		p.Warn(w)
	}
	if resp.Error != nil {
		p.Line("%s %s", p.Status("failed"), resp.Error.Message)
	}
	p.Dim("workflow=%s agent=%s attempts=%d duration=%s execution=%s",
		resp.Workflow, orDash(resp.Agent), resp.Attempts, resp.Duration.Round(time.Millisecond), orDash(resp.ExecutionID))
	return nil
}

func newWorkflowCmd(a *app) *cobra.Command {
	var (
		ov     orchestrator.Overrides
		values map[string]string
	)
	cmd := &cobra.Command{
		Use:   "workflow <name> [input...]",
		Short: "Run a named workflow",
		Long: `Workflow runs one workflow and prints the execution record. The command
fails when the workflow does not exist or the execution does not complete.`,
		Example: `  relay workflow review-fix "fix the race in cache.go"
  relay workflow plan-execute --agent gemini --timeout 10m "migrate to sqlite"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := a.readPrompt(args[1:])
			if err != nil {
				return err
			}
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			resp, err := orc.OrchestrateWorkflow(cmd.Context(), args[0], input, contextValues(values), ov)
			if err != nil {
				return err
			}
			if err := printExecution(a.printer(), resp.Execution); err != nil {
				return err
			}
			return resp.Execution.Err()
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ov.Agent, "agent", "a", "", "Agent for every single-agent step")
	f.StringVarP(&ov.Role, "role", "r", "", "Role for every step")
	f.IntVar(&ov.MaxIterations, "max-iterations", 0, "Per-step iteration cap")
	f.DurationVar(&ov.Timeout, "timeout", 0, "Execution timeout")
	f.StringToStringVar(&values, "context", nil, "Initial workflow context (key=value)")
	return cmd
}

func printExecution(p *printer, exec *workflow.Execution) error {
	if p.json {
		return p.JSON(exec)
	}
	p.Title(fmt.Sprintf("%s %s", exec.Workflow, exec.ID))
	rows := make([][]string, 0, len(exec.Steps))
	for _, s := range exec.Steps {
		detail := ""
		if s.Error != nil {
			detail = string(s.Error.Code)
		} else if s.Cached {
			detail = "cached"
		}
		rows = append(rows, []string{
			s.Step, orDash(s.Agent), orDash(s.Role), string(s.Status),
			fmt.Sprint(s.Iteration), s.Duration.Round(time.Millisecond).String(), detail,
		})
	}
	p.Table([]string{"STEP", "AGENT", "ROLE", "STATUS", "ITER", "DURATION", "DETAIL"}, rows)
	for _, w := range exec.Warnings {
		p.Warn(w)
	}
	p.Line("")
	p.Line("status: %s", p.Status(string(exec.Status)))
	if exec.Error != nil {
		p.Line("error: %s %s", exec.Error.Code, exec.Error.Message)
	}
	if exec.Result != "" {
		p.Line("")
		p.Line("%s", exec.Result)
	}
	return nil
}

func newParallelCmd(a *app) *cobra.Command {
	var (
		agents []string
		mode   string
		role   string
	)
	cmd := &cobra.Command{
		Use:   "parallel [prompt...]",
		Short: "Send one prompt to several agents",
		Long: `Parallel fans a prompt out to several agents. Mode race returns the first
success, all waits for every agent and vote returns the most common answer.`,
		Example: `  relay parallel --agents claude,gemini --mode vote "is this regex correct: ^a+$"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := a.readPrompt(args)
			if err != nil {
				return err
			}
			orc, err := a.orchestrator()
			if err != nil {
				return err
			}
			res, err := orc.OrchestrateParallel(cmd.Context(), prompt, agents, mode, role)
			if res != nil {
				if perr := printDispatch(a.printer(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&agents, "agents", nil, "Agents to query (comma separated)")
	f.StringVarP(&mode, "mode", "m", string(dispatch.ModeRace), "race, all or vote")
	f.StringVarP(&role, "role", "r", "", "Role for the prompt")
	return cmd
}

func printDispatch(p *printer, res *dispatch.Result) error {
	if p.json {
		return p.JSON(res)
	}
	for _, o := range res.Outcomes {
		status := "ok"
		if !o.OK() {
			status = "failed"
		}
		p.Title(fmt.Sprintf("== %s", o.Agent))
		p.Dim("%s in %s", status, o.Duration.Round(time.Millisecond))
		if o.Err != nil {
			p.Line("%s", o.Err)
		} else {
			p.Line("%s", o.Output)
		}
		p.Line("")
	}
	if res.Agent != "" {
		p.Dim("mode=%s winner=%s", res.Mode, res.Agent)
		if len(res.Outcomes) == 0 {
			p.Line("%s", res.Output)
		}
	}
	return nil
}

func contextValues(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
