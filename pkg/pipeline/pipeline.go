// Package pipeline implements the stages of a PatchPilot run: cloning the
// repository into a sandbox session, selecting relevant files, preprocessing
// them into a bounded context bundle, generating a plan, and applying parsed
// plan steps back to the session filesystem.
//
// Stages are plain structs over small interfaces (sandbox.Session,
// llm.Client) so each is testable with fakes; sequencing and failure policy
// live in the engine.
package pipeline

import "github.com/patchpilot/patchpilot/pkg/plan"

// TreeEntry is one path in the cloned repository's file tree, relative to
// the repository root.
type TreeEntry struct {
	Path string
	Dir  bool
}

// RelevantFile is a file chosen by the relevance selector, with its content
// snapshot at selection time.
type RelevantFile struct {
	Path    string
	Content string
}

// ContextBundle is the preprocessed, size-bounded text handed to the plan
// generator. Immutable once built.
type ContextBundle struct {
	Text      string
	Files     int
	Truncated int
	Skipped   int
}

// AppliedChange records the outcome of one executed plan step. One is
// produced per attempted step whether or not it applied.
type AppliedChange struct {
	Step     plan.Step
	Original string // content before the change; empty for create
	Content  string // content after the change; empty for delete
	Applied  bool
	Reason   string // failure reason when !Applied
}
