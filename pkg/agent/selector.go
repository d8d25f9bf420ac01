// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/jllopis/relay/pkg/errors"
)

// Complexity buckets used by the scoring bonus.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Requirements describes what a task needs from an agent. The zero value is valid.
type Requirements struct {
	Role        Role   `json:"role,omitempty"`
	Language    string `json:"language,omitempty"`
	ContextSize int    `json:"context_size,omitempty"`
	Complexity  string `json:"complexity,omitempty"`
}

// Recommendation is one scored agent with the reasons behind the score.
type Recommendation struct {
	Agent     string   `json:"agent"`
	Score     float64  `json:"score"`
	Available bool     `json:"available"`
	Reasons   []string `json:"reasons"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Selector scores registered agents.
type Selector struct {
	registry *Registry
	lookPath func(string) (string, error)
}

// NewSelector creates a selector over registry.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry, lookPath: exec.LookPath}
}

// WithLookPath overrides the PATH probe used for availability warnings.
func (s *Selector) WithLookPath(fn func(string) (string, error)) *Selector {
	s.lookPath = fn
	return s
}

// Score computes the recommendation for d:
// 10·capability[role] + 5·language match + 3·context fit + complexity bonus.
func (s *Selector) Score(d Descriptor, req Requirements) Recommendation {
	role := req.Role
	if role == "" {
		role = RoleExecute
	}
	caps := d.Capabilities
	rec := Recommendation{Agent: d.Name, Available: true}

	capScore := caps.For(role)
	rec.Score += 10 * capScore
	rec.Reasons = append(rec.Reasons, fmt.Sprintf("%s capability %.2f (+%.1f)", role, capScore, 10*capScore))
	if capScore < 0.5 {
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("low %s capability (%.2f)", role, capScore))
	}

	if req.Language != "" {
		if caps.Speaks(req.Language) {
			rec.Score += 5
			rec.Reasons = append(rec.Reasons, fmt.Sprintf("supports %s (+5)", req.Language))
		} else {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("no declared affinity for %s", req.Language))
		}
	}

	if caps.ContextWindow >= req.ContextSize {
		rec.Score += 3
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("context window %d fits %d (+3)", caps.ContextWindow, req.ContextSize))
	} else {
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("insufficient context window: %d < required %d", caps.ContextWindow, req.ContextSize))
	}

	switch req.Complexity {
	case ComplexityHigh:
		bonus := 2 * math.Max(caps.Plan, caps.Review)
		rec.Score += bonus
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("high complexity favors planning/review strength (+%.1f)", bonus))
	case ComplexityMedium:
		bonus := caps.Execute
		rec.Score += bonus
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("medium complexity favors execution strength (+%.1f)", bonus))
	}

	if s.lookPath != nil && d.Spec.Command != "" {
		if _, err := s.lookPath(d.Spec.Command); err != nil {
			rec.Available = false
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("command %q not found on PATH", d.Spec.Command))
		}
	}
	rec.Score = math.Round(rec.Score*100) / 100
	return rec
}

// Rank scores every agent, best first. Ties keep registration order.
func (s *Selector) Rank(req Requirements) []Recommendation {
	agents := s.registry.List()
	recs := make([]Recommendation, 0, len(agents))
	for _, d := range agents {
		recs = append(recs, s.Score(d, req))
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	return recs
}

// SelectBest returns the highest scoring agent. When no agent scores above
// zero the first registered agent is returned. It fails only when the
// registry is empty.
func (s *Selector) SelectBest(req Requirements) (Descriptor, error) {
	agents := s.registry.List()
	if len(agents) == 0 {
		return Descriptor{}, errors.New(errors.CodeAgentNotFound, "no agents registered", nil)
	}
	best := agents[0]
	bestScore := 0.0
	for _, d := range agents {
		if score := s.Score(d, req).Score; score > bestScore {
			best, bestScore = d, score
		}
	}
	return best, nil
}

var (
	highComplexityWords = regexp.MustCompile(`(?i)\b(architect\w*|design\w*|refactor\w*|migrat\w*|distributed|scal\w+|security|optimi[sz]\w*|system|framework|integrat\w*)\b`)
	mediumWords         = regexp.MustCompile(`(?i)\b(build|implement\w*|create|add|write|fix|test\w*|debug\w*|api|feature)\b`)
	languageWords       = map[string]*regexp.Regexp{
		// Bare "go" is an English verb; only code-flavoured uses count.
		"go": regexp.MustCompile(`(?i:\bgolang\b|\bgo\.(?:mod|sum)\b|\w\.go\b|\bgo (?:build|test|run|vet|mod|get|generate)\b)` +
			`|\b(?:in|with|using|to|for|of|idiomatic) Go\b` +
			`|\bGo (?:code|programs?|modules?|packages?|services?|servers?|librar(?:y|ies)|binar(?:y|ies)|apps?|applications?|functions?|structs?|interfaces?|tests?|projects?|CLI|API)\b`),
		"python":     regexp.MustCompile(`(?i)\b(python|django|flask|pandas)\b`),
		"typescript": regexp.MustCompile(`(?i)\b(typescript|ts|angular)\b`),
		"javascript": regexp.MustCompile(`(?i)\b(javascript|js|node(js)?|react|vue)\b`),
		"rust":       regexp.MustCompile(`(?i)\b(rust|cargo)\b`),
		"java":       regexp.MustCompile(`(?i)\b(java|spring|kotlin)\b`),
	}
	languageOrder = []string{"go", "python", "typescript", "javascript", "rust", "java"}
)

// EstimateComplexity buckets a task description by keyword and length.
func EstimateComplexity(task string) string {
	words := len(strings.Fields(task))
	switch {
	case highComplexityWords.MatchString(task) || words > 80:
		return ComplexityHigh
	case mediumWords.MatchString(task) || words > 25:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

// DetectLanguage returns the first programming language mentioned in task.
func DetectLanguage(task string) string {
	for _, lang := range languageOrder {
		if languageWords[lang].MatchString(task) {
			return lang
		}
	}
	return ""
}

// ForTask fills blank requirement fields from the task text.
func ForTask(task string, req Requirements) Requirements {
	if req.Complexity == "" {
		req.Complexity = EstimateComplexity(task)
	}
	if req.Language == "" {
		req.Language = DetectLanguage(task)
	}
	return req
}
