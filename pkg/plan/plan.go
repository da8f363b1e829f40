// Package plan parses free-form model output into an ordered, validated
// sequence of file-level change steps. Parsing is a pure function: no network
// calls and no hidden state, so behavior is deterministic and testable
// without a live model.
package plan

import (
	"fmt"
	"path"
	"strings"
)

// Action is the canonical three-valued operation of a plan step.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Step is one atomic create/modify/delete operation on a single file path.
// File is relative to the repository root and never contains ".." segments.
type Step struct {
	Action      Action `json:"action"`
	File        string `json:"file"`
	Description string `json:"description"`
}

// Result is the outcome of parsing raw plan text. Dropped counts malformed
// step blocks that were skipped; Warning is set when the text contained no
// recognizable step blocks at all (an empty plan is a valid "no changes"
// outcome, not an error).
type Result struct {
	Steps   []Step
	Dropped int
	Warning bool
}

// Empty reports whether the parsed plan contains no steps.
func (r Result) Empty() bool { return len(r.Steps) == 0 }

// actionSynonyms maps common model phrasings onto the canonical actions.
var actionSynonyms = map[string]Action{
	"create": ActionCreate,
	"add":    ActionCreate,
	"new":    ActionCreate,
	"modify": ActionModify,
	"update": ActionModify,
	"change": ActionModify,
	"edit":   ActionModify,
	"delete": ActionDelete,
	"remove": ActionDelete,
}

// NormalizeAction maps an action string (case-insensitive, including common
// synonyms) onto a canonical Action. ok is false for unrecognized values.
func NormalizeAction(s string) (Action, bool) {
	a, ok := actionSynonyms[strings.ToLower(strings.TrimSpace(s))]
	return a, ok
}

// CleanPath validates and normalizes a step's file path. It rejects empty
// paths, absolute paths, and any path containing a ".." segment, even one
// that would stay inside the repository root after cleaning: a traversal
// segment is rejected, never coerced.
func CleanPath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", false
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", false
	}
	return cleaned, true
}

// Parse extracts an ordered plan from raw model output.
//
// The expected grammar is XML-style: a <plan>...</plan> region containing
// <step> blocks, each with <action>, <file>, and <description> fields. Text
// outside the plan region is ignored. When no <plan> region is present the
// whole text is scanned for step blocks, since models frequently omit the
// outer wrapper. Malformed step blocks are dropped and counted, never fatal:
//   - missing action or file: dropped
//   - unrecognized action after synonym normalization: dropped
//   - absolute path or any ".." segment: dropped (the plan must never
//     escape the repository root, and traversal is rejected, not coerced)
//
// Duplicate file paths across steps are kept in order; the executor re-reads
// current state before each step.
func Parse(raw string) Result {
	region := raw
	if inner, ok := between(raw, "<plan>", "</plan>"); ok {
		region = inner
	}

	blocks := blocksOf(region, "<step>", "</step>")
	if len(blocks) == 0 {
		return Result{Warning: true}
	}

	var res Result
	for _, block := range blocks {
		step, ok := parseStep(block)
		if !ok {
			res.Dropped++
			continue
		}
		res.Steps = append(res.Steps, step)
	}
	return res
}

func parseStep(block string) (Step, bool) {
	rawAction, okA := between(block, "<action>", "</action>")
	rawFile, okF := between(block, "<file>", "</file>")
	if !okA || !okF {
		return Step{}, false
	}

	action, ok := NormalizeAction(rawAction)
	if !ok {
		return Step{}, false
	}

	file, ok := CleanPath(rawFile)
	if !ok {
		return Step{}, false
	}

	desc, _ := between(block, "<description>", "</description>")
	return Step{
		Action:      action,
		File:        file,
		Description: strings.TrimSpace(desc),
	}, true
}

// between returns the trimmed text between the first occurrence of open and
// the next occurrence of close after it.
func between(s, open, close string) (string, bool) {
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(open):]
	end := strings.Index(rest, close)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// blocksOf returns the contents of every open...close block in order.
func blocksOf(s, open, close string) []string {
	var blocks []string
	for {
		start := strings.Index(s, open)
		if start < 0 {
			return blocks
		}
		rest := s[start+len(open):]
		end := strings.Index(rest, close)
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		s = rest[end+len(close):]
	}
}

// FormatMarkdown renders a parsed plan as a human-readable bullet list for
// the progress stream.
func FormatMarkdown(res Result) string {
	if res.Empty() {
		return "**No changes planned.**"
	}

	var b strings.Builder
	b.WriteString("### Plan\n")
	for _, s := range res.Steps {
		b.WriteString(fmt.Sprintf("- **%s** `%s`: %s\n", s.Action, s.File, s.Description))
	}
	if res.Dropped > 0 {
		b.WriteString(fmt.Sprintf("\n_%d malformed step(s) dropped._\n", res.Dropped))
	}
	return b.String()
}
