// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/workflow"
)

type validationResult struct {
	Path      string   `json:"path"`
	Workflows []string `json:"workflows,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

type validationReport struct {
	Valid   bool               `json:"valid"`
	Agents  []string           `json:"agents"`
	Results []validationResult `json:"results"`
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate configuration and workflow files",
		Long: `Validate loads the configuration and every workflow file or directory given,
or workflows.paths when none are given. Workflows are compiled together with the
builtins and every step agent must be configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = a.cfg.Workflows.Paths
			}
			agents, err := agent.NewRegistryFromConfig(a.cfg.Agents)
			if err != nil {
				return NewConfigError(err)
			}
			report := validateWorkflows(paths, agents)
			p := a.printer()
			if p.json {
				if err := p.JSON(report); err != nil {
					return err
				}
			} else {
				printValidation(p, report)
			}
			if !report.Valid {
				return errors.New(errors.CodeInvalidInput, "validation failed", nil).WithRecoverable(false)
			}
			return nil
		},
	}
}

func validateWorkflows(paths []string, agents *agent.Registry) validationReport {
	report := validationReport{Valid: true, Agents: agents.Names()}
	builtins, err := workflow.Builtins()
	if err != nil {
		report.Valid = false
		report.Results = append(report.Results, validationResult{Path: "builtin", Errors: []string{err.Error()}})
		return report
	}

	all := builtins
	for _, path := range paths {
		res := validationResult{Path: path}
		wfs, err := workflow.LoadPaths([]string{path})
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		for _, wf := range wfs {
			res.Workflows = append(res.Workflows, wf.Name)
			if _, err := workflow.NewRegistry(nil, wf); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", wf.Name, err))
				continue
			}
			res.Errors = append(res.Errors, unknownAgents(wf, agents)...)
			all = append(all, wf)
		}
		if len(res.Errors) > 0 {
			report.Valid = false
		}
		report.Results = append(report.Results, res)
	}

	if report.Valid {
		if _, err := workflow.NewRegistry(nil, all...); err != nil {
			report.Valid = false
			report.Results = append(report.Results, validationResult{Path: "registry", Errors: []string{err.Error()}})
		}
	}
	return report
}

func unknownAgents(wf *workflow.Workflow, agents *agent.Registry) []string {
	var out []string
	for _, st := range wf.Steps {
		if st.Agent.IsZero() || st.Agent.IsAuto() {
			continue
		}
		for _, name := range st.Agent {
			if _, ok := agents.Get(name); !ok {
				out = append(out, fmt.Sprintf("%s: step %s uses unknown agent %q", wf.Name, st.Name, name))
			}
		}
	}
	return out
}

func printValidation(p *printer, report validationReport) {
	p.Dim("agents: %s", strings.Join(report.Agents, ", "))
	if len(report.Results) == 0 {
		p.Line("%s no workflow paths configured", p.Status("ok"))
		return
	}
	for _, r := range report.Results {
		if len(r.Errors) == 0 {
			p.Line("%s %s (%s)", p.Status("ok"), r.Path, strings.Join(r.Workflows, ", "))
			continue
		}
		p.Line("%s %s", p.Status("failed"), r.Path)
		for _, e := range r.Errors {
			p.Line("    %s", e)
		}
	}
}
