// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

	codeTokenPattern = regexp.MustCompile(`(?m)(^\s*(func|def|class|package|import|return|const|let|var|fn|pub|public|private)\b)|=>|:=|^\s*}\s*$`)
)

// Normalize strips terminal escape sequences, folds line endings and trims
// surrounding whitespace.
func Normalize(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\x04", "")
	return strings.TrimSpace(s)
}

// LooksComplete is the best-effort completion heuristic used when an agent
// gives no end-of-response marker. Output counts as complete when its
// delimiters are balanced and it either ends in sentence-terminal
// punctuation, spans several lines or contains a code construct.
func LooksComplete(s string) bool {
	t := Normalize(s)
	if t == "" || !Balanced(t) {
		return false
	}
	return endsSentence(t) || strings.Contains(t, "\n") || codeTokenPattern.MatchString(t)
}

// Balanced reports whether (), [] and {} pairs nest correctly and code fences
// are closed. Delimiters inside fenced blocks are ignored.
func Balanced(s string) bool {
	if strings.Count(s, "```")%2 != 0 {
		return false
	}
	var stack []rune
	inFence := false
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "```") {
			inFence = !inFence
			i += 3
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if inFence {
			continue
		}
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != opening(r) {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

func opening(r rune) rune {
	switch r {
	case ')':
		return '('
	case ']':
		return '['
	default:
		return '{'
	}
}

func endsSentence(s string) bool {
	if strings.HasSuffix(s, "```") {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	switch r {
	case '.', '!', '?', ')', ']', '}', '"', '\'', '`', '。':
		return true
	}
	return false
}

// cutSentinel returns the output preceding the sentinel and whether it was found.
func cutSentinel(s, sentinel string) (string, bool) {
	if sentinel == "" {
		return s, false
	}
	before, _, found := strings.Cut(s, sentinel)
	return before, found
}

// stripEcho removes a terminal echo of the input from the start of tty output.
func stripEcho(out, input string) string {
	in := strings.TrimSpace(input)
	if in == "" {
		return out
	}
	trimmed := strings.TrimLeft(out, " \n")
	if strings.HasPrefix(trimmed, in) {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, in))
	}
	return out
}
