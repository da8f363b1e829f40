// Package notify sends run-completion notifications to chat channels.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/patchpilot/patchpilot/pkg/model"
)

// Notifier delivers a run's terminal result to one destination. Errors are
// logged by the caller, never fatal to the run.
type Notifier interface {
	Notify(ctx context.Context, run *model.Run, result *model.TerminalResult) error
}

// Summary renders a run outcome as a short chat message. Shared by all
// notifier implementations.
func Summary(run *model.Run, result *model.TerminalResult) string {
	var b strings.Builder
	switch result.Status {
	case model.StatusComplete:
		b.WriteString("✅ PatchPilot run complete")
	case model.StatusPartial:
		b.WriteString("⚠️ PatchPilot run partially complete")
	default:
		b.WriteString("❌ PatchPilot run failed")
	}
	fmt.Fprintf(&b, "\nRepo: %s\nRequest: %s", run.RepoURL, model.Truncate(run.Prompt, 120))
	if pr := result.PullRequest; pr != nil {
		if pr.URL != "" {
			fmt.Fprintf(&b, "\nPR: %s", pr.URL)
		} else if pr.Branch != "" {
			fmt.Fprintf(&b, "\nBranch pushed: %s (no PR)", pr.Branch)
		}
	}
	if len(result.FailedSteps) > 0 {
		fmt.Fprintf(&b, "\nFailed steps: %d", len(result.FailedSteps))
	}
	if result.Status == model.StatusError && result.Message != "" {
		fmt.Fprintf(&b, "\nError: %s", model.Truncate(result.Message, 200))
	}
	return b.String()
}
