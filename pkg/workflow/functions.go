// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/jllopis/relay/pkg/errors"
)

// View is the execution context seen by conditions and transforms. Keys are
// "input", "last", step names and any caller supplied values.
type View map[string]any

// Lookup resolves a dotted path through nested maps. A leading "output."
// segment is ignored, so "output.plan" and "plan" are the same path.
func (v View) Lookup(path string) (any, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "output.")
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(v)
	for _, seg := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			val, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case View:
			val, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case map[string]string:
			val, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = val
		default:
			return nil, false
		}
	}
	return cur, true
}

// String resolves path and renders it as text. Missing paths render empty.
func (v View) String(path string) string {
	val, ok := v.Lookup(path)
	if !ok || val == nil {
		return ""
	}
	return stringify(val)
}

func stringify(val any) string {
	switch t := val.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(val)
}

// Env is what a condition is evaluated against.
type Env struct {
	View View
	// Last is the most recent step result, nil before the first step.
	Last *StepResult
}

// Predicate is a named condition.
type Predicate func(env Env) bool

// TransformFunc builds the prompt for a step from the external input.
type TransformFunc func(input string, view View) (string, error)

// ValidatorFunc accepts or rejects step output.
type ValidatorFunc func(output string) bool

// Functions is the table steps resolve named conditions, transforms and
// validators against. Register everything before building a Registry.
type Functions struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
	transforms map[string]TransformFunc
	validators map[string]ValidatorFunc
}

// NewFunctions returns a table holding the built-in functions.
func NewFunctions() *Functions {
	f := &Functions{
		predicates: make(map[string]Predicate),
		transforms: make(map[string]TransformFunc),
		validators: make(map[string]ValidatorFunc),
	}
	registerBuiltins(f)
	return f
}

// RegisterPredicate adds or replaces a named condition.
func (f *Functions) RegisterPredicate(name string, fn Predicate) *Functions {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicates[name] = fn
	return f
}

// RegisterTransform adds or replaces a named transform.
func (f *Functions) RegisterTransform(name string, fn TransformFunc) *Functions {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transforms[name] = fn
	return f
}

// RegisterValidator adds or replaces a named validator.
func (f *Functions) RegisterValidator(name string, fn ValidatorFunc) *Functions {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validators[name] = fn
	return f
}

func (f *Functions) predicate(name string) (Predicate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.predicates[name]
	return fn, ok
}

func (f *Functions) transform(name string) (TransformFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.transforms[name]
	return fn, ok
}

func (f *Functions) validator(name string) (ValidatorFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.validators[name]
	return fn, ok
}

// CompileCondition resolves expr to a predicate. Empty means always.
func (f *Functions) CompileCondition(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "always" {
		return func(Env) bool { return true }, nil
	}
	if fn, ok := f.predicate(expr); ok {
		return fn, nil
	}
	switch expr {
	case "never":
		return func(Env) bool { return false }, nil
	case "last.failed":
		return func(env Env) bool { return env.Last != nil && env.Last.Status == StepFailed }, nil
	case "last.succeeded":
		return func(env Env) bool { return env.Last != nil && env.Last.Status == StepSuccess }, nil
	}
	if path, ok := strings.CutPrefix(expr, "exists:"); ok {
		path = strings.TrimSpace(path)
		return func(env Env) bool {
			val, ok := env.View.Lookup(path)
			return ok && val != nil && stringify(val) != ""
		}, nil
	}
	if path, want, ok := strings.Cut(expr, ".contains:"); ok {
		return func(env Env) bool {
			return strings.Contains(env.View.String(path), want)
		}, nil
	}
	if path, want, ok := strings.Cut(expr, "!="); ok {
		path, want = strings.TrimSpace(path), strings.TrimSpace(want)
		return func(env Env) bool {
			return strings.TrimSpace(env.View.String(path)) != want
		}, nil
	}
	if path, want, ok := strings.Cut(expr, "=="); ok {
		path, want = strings.TrimSpace(path), strings.TrimSpace(want)
		return func(env Env) bool {
			return strings.TrimSpace(env.View.String(path)) == want
		}, nil
	}
	return nil, errors.New(errors.CodeInvalidInput, "unknown condition", nil).WithContext("condition", expr)
}

// CompileTransform resolves expr to a transform. Empty means nil (pass
// through). Bodies containing "{{" are text/template templates executed
// against the view with "input" bound to the step input.
func (f *Functions) CompileTransform(expr string) (TransformFunc, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	if fn, ok := f.transform(strings.TrimSpace(expr)); ok {
		return fn, nil
	}
	if !strings.Contains(expr, "{{") {
		return nil, errors.New(errors.CodeInvalidInput, "unknown transform", nil).WithContext("transform", expr)
	}
	tmpl, err := template.New("transform").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"trim":  strings.TrimSpace,
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
		}).
		Parse(expr)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid transform template", err)
	}
	return func(input string, view View) (string, error) {
		data := make(map[string]any, len(view)+1)
		for k, v := range view {
			data[k] = v
		}
		data["input"] = input
		var sb strings.Builder
		if err := tmpl.Execute(&sb, data); err != nil {
			return "", errors.New(errors.CodeInvalidInput, "transform failed", err)
		}
		return sb.String(), nil
	}, nil
}

// CompileValidator resolves expr to a validator. Empty means nil. Besides
// named validators it accepts contains:<text>, min_length:<n> and
// matches:<regexp>.
func (f *Functions) CompileValidator(expr string) (ValidatorFunc, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if fn, ok := f.validator(expr); ok {
		return fn, nil
	}
	if want, ok := strings.CutPrefix(expr, "contains:"); ok {
		return func(out string) bool { return strings.Contains(out, want) }, nil
	}
	if n, ok := strings.CutPrefix(expr, "min_length:"); ok {
		min, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || min < 0 {
			return nil, errors.New(errors.CodeInvalidInput, "invalid min_length", err).WithContext("validate", expr)
		}
		return func(out string) bool { return len([]rune(strings.TrimSpace(out))) >= min }, nil
	}
	if pattern, ok := strings.CutPrefix(expr, "matches:"); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "invalid matches pattern", err).WithContext("validate", expr)
		}
		return re.MatchString, nil
	}
	return nil, errors.New(errors.CodeInvalidInput, "unknown validator", nil).WithContext("validate", expr)
}

var approvedRe = regexp.MustCompile(`(?i)\b(approved|lgtm|no (further )?(issues|changes) (found|needed|required))\b`)

func registerBuiltins(f *Functions) {
	f.predicates["approved"] = func(env Env) bool { return approvedRe.MatchString(env.View.String("last")) }
	f.predicates["needs_changes"] = func(env Env) bool {
		return env.Last != nil && env.Last.Status == StepSuccess && !approvedRe.MatchString(env.View.String("last"))
	}

	f.transforms["identity"] = func(input string, _ View) (string, error) { return input, nil }
	f.transforms["trim"] = func(input string, _ View) (string, error) { return strings.TrimSpace(input), nil }
	f.transforms["execute_plan"] = func(input string, v View) (string, error) {
		plan := v.String("plan")
		if plan == "" {
			plan = v.String("last")
		}
		return fmt.Sprintf("Implement the following plan.\n\nTask:\n%s\n\nPlan:\n%s", input, plan), nil
	}
	f.transforms["review_request"] = func(input string, v View) (string, error) {
		work := v.String("execute")
		if work == "" {
			work = v.String("last")
		}
		return fmt.Sprintf("Task:\n%s\n\nImplementation:\n%s", input, work), nil
	}
	f.transforms["review_result"] = func(input string, v View) (string, error) {
		return fmt.Sprintf("Task:\n%s\n\nCurrent result:\n%s", input, v.String("result")), nil
	}
	f.transforms["apply_review"] = func(input string, v View) (string, error) {
		return fmt.Sprintf("Revise the result below so that it addresses every point of the review.\n\n"+
			"Task:\n%s\n\nCurrent result:\n%s\n\nReview:\n%s", input, v.String("result"), v.String("last")), nil
	}

	f.validators["non_empty"] = func(out string) bool { return strings.TrimSpace(out) != "" }
	f.validators["approved"] = approvedRe.MatchString
	f.validators["json"] = func(out string) bool { return json.Valid([]byte(strings.TrimSpace(out))) }
	f.validators["code_block"] = func(out string) bool { return strings.Count(out, "```") >= 2 }
}
