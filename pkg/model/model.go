// Package model defines the core data types shared across PatchPilot packages.
package model

import "time"

// Status represents the current state of a run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusComplete means every stage finished and, if modifications were
	// enabled, all plan steps applied.
	StatusComplete Status = "complete"
	// StatusPartial means the run produced a PR but one or more plan steps
	// failed to apply.
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// ErrorKind classifies terminal failures of a run.
type ErrorKind string

const (
	KindProvision        ErrorKind = "provision"
	KindClone            ErrorKind = "clone"
	KindModelUnavailable ErrorKind = "model_unavailable"
	KindStepFailure      ErrorKind = "step_failure"
	KindSync             ErrorKind = "sync"
	KindPRCreation       ErrorKind = "pr_creation"
	KindCancelled        ErrorKind = "cancelled"
	KindInternal         ErrorKind = "internal"
)

// Run represents a single pipeline execution from clone to PR.
type Run struct {
	ID           string    `json:"id"`
	RepoURL      string    `json:"repo_url"`
	Prompt       string    `json:"prompt"`
	Apply        bool      `json:"apply"`
	Status       Status    `json:"status"`
	Branch       string    `json:"branch,omitempty"`
	PRURL        string    `json:"pr_url,omitempty"`
	FilesChanged int       `json:"files_changed,omitempty"`
	SessionID    string    `json:"-"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event is a single progress event in a run's lifecycle. Stage identifies the
// pipeline stage ("clone", "select", "plan", "apply", "sync", ...) plus the
// pseudo-stages "done" and "error" that terminate the stream.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequestResult describes the branch and PR produced by a successful sync.
type PullRequestResult struct {
	Branch       string `json:"branch"`
	URL          string `json:"url,omitempty"`
	FilesChanged int    `json:"files_changed"`
}

// FailedStep records one plan step that could not be applied.
type FailedStep struct {
	Action string `json:"action"`
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// TerminalResult is the single final outcome value ending a run's event
// stream. Exactly one is produced per run.
type TerminalResult struct {
	Status       Status             `json:"status"`
	Kind         ErrorKind          `json:"kind,omitempty"`
	Message      string             `json:"message,omitempty"`
	PullRequest  *PullRequestResult `json:"pull_request,omitempty"`
	FailedSteps  []FailedStep       `json:"failed_steps,omitempty"`
	PlannedSteps int                `json:"planned_steps"`
	DroppedSteps int                `json:"dropped_steps,omitempty"`
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
