// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"embed"
	"io/fs"
	"log/slog"
	"path"
	"sort"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtins returns the workflows shipped with relay.
func Builtins() ([]*Workflow, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(entries))
	for _, e := range entries {
		data, err := builtinFS.ReadFile(path.Join("builtin", e.Name()))
		if err != nil {
			return nil, err
		}
		wf, err := ParseYAML(data)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "invalid builtin workflow", err).WithContext("file", e.Name())
		}
		wf.Source = "builtin"
		out = append(out, wf)
	}
	return out, nil
}

type compiledStep struct {
	condition Predicate
	transform TransformFunc
	validate  ValidatorFunc
	role      agent.Role
	mode      dispatch.Mode
}

func (w *Workflow) compile(fns *Functions) error {
	if err := w.Check(); err != nil {
		return err
	}
	compiled := make([]compiledStep, len(w.Steps))
	for i, st := range w.Steps {
		wrap := func(err error) error {
			re := errors.AsRelayError(err)
			return re.WithContext("workflow", w.Name).WithContext("step", st.Name)
		}
		var (
			cs  compiledStep
			err error
		)
		if cs.condition, err = fns.CompileCondition(st.Condition); err != nil {
			return wrap(err)
		}
		if cs.transform, err = fns.CompileTransform(st.Transform); err != nil {
			return wrap(err)
		}
		if cs.validate, err = fns.CompileValidator(st.Validate); err != nil {
			return wrap(err)
		}
		cs.role = agent.ParseRole(st.Role)
		if cs.mode, err = dispatch.ParseMode(st.Mode); err != nil {
			return wrap(err)
		}
		compiled[i] = cs
	}
	w.compiled = compiled
	return nil
}

// Registry is an immutable set of validated workflows.
type Registry struct {
	fns       *Functions
	workflows map[string]*Workflow
	names     []string
}

// NewRegistry validates and compiles every workflow. Later workflows replace
// earlier ones with the same name.
func NewRegistry(fns *Functions, workflows ...*Workflow) (*Registry, error) {
	if fns == nil {
		fns = NewFunctions()
	}
	r := &Registry{fns: fns, workflows: make(map[string]*Workflow, len(workflows))}
	for _, wf := range workflows {
		if err := wf.compile(fns); err != nil {
			return nil, err
		}
		if prev, ok := r.workflows[wf.Name]; ok {
			slog.Default().Info("workflow.registry.override",
				slog.String("workflow", wf.Name),
				slog.String("previous", prev.Source),
				slog.String("source", wf.Source),
			)
		}
		r.workflows[wf.Name] = wf
	}
	for name := range r.workflows {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// LoadRegistry builds a registry from the builtins followed by every
// workflow found under paths.
func LoadRegistry(fns *Functions, paths []string) (*Registry, error) {
	wfs, err := Builtins()
	if err != nil {
		return nil, err
	}
	user, err := LoadPaths(paths)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "load workflows", err)
	}
	return NewRegistry(fns, append(wfs, user...)...)
}

// Get returns the named workflow or WORKFLOW_NOT_FOUND.
func (r *Registry) Get(name string) (*Workflow, error) {
	wf, ok := r.workflows[name]
	if !ok {
		return nil, errors.New(errors.CodeWorkflowNotFound, "unknown workflow", nil).
			WithContext("workflow", name).
			WithContext("available", r.names)
	}
	return wf, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.workflows[name]
	return ok
}

// Names returns workflow names sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// List returns workflow summaries sorted by name.
func (r *Registry) List() []Summary {
	out := make([]Summary, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.workflows[name].Summary())
	}
	return out
}

// Functions returns the table the registry was compiled against.
func (r *Registry) Functions() *Functions { return r.fns }
