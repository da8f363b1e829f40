package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/patchpilot/patchpilot/pkg/llm"
	"github.com/patchpilot/patchpilot/pkg/plan"
	"github.com/patchpilot/patchpilot/pkg/sandbox"
)

// Executor applies parsed plan steps to the session filesystem, generating
// file contents with the model for create and modify steps.
type Executor struct {
	client      llm.Client
	retry       llm.Retrier
	ExecTimeout time.Duration
}

func NewExecutor(client llm.Client) *Executor {
	return &Executor{client: client, retry: llm.DefaultRetrier, ExecTimeout: 30 * time.Second}
}

// Apply executes steps in order and returns one AppliedChange per step
// attempted. A failing step is recorded and execution continues; context
// cancellation stops the loop, leaving later steps unattempted.
func (e *Executor) Apply(ctx context.Context, sess sandbox.Session, steps []plan.Step, bundle ContextBundle) []AppliedChange {
	changes := make([]AppliedChange, 0, len(steps))
	for _, step := range steps {
		if ctx.Err() != nil {
			break
		}
		change := e.applyStep(ctx, sess, step, bundle)
		if !change.Applied {
			log.Printf("executor: step %s %s failed: %s", step.Action, step.File, change.Reason)
		}
		changes = append(changes, change)
	}
	return changes
}

func (e *Executor) applyStep(ctx context.Context, sess sandbox.Session, step plan.Step, bundle ContextBundle) AppliedChange {
	change := AppliedChange{Step: step}

	target := path.Join(sess.WorkDir(), step.File)

	switch step.Action {
	case plan.ActionCreate:
		// A create for an existing file degrades to a fresh rewrite of it.
		content, err := e.generateContent(ctx, createPromptTemplate, step, "", bundle)
		if err != nil {
			change.Reason = err.Error()
			return change
		}
		if err := sess.WriteFile(ctx, target, []byte(content)); err != nil {
			change.Reason = fmt.Sprintf("writing file: %v", err)
			return change
		}
		change.Content = content

	case plan.ActionModify:
		original, err := sess.ReadFile(ctx, target)
		if err != nil {
			if errors.Is(err, sandbox.ErrNotFound) {
				change.Reason = "file does not exist"
			} else {
				change.Reason = fmt.Sprintf("reading file: %v", err)
			}
			return change
		}
		content, err := e.generateContent(ctx, modifyPromptTemplate, step, string(original), bundle)
		if err != nil {
			change.Reason = err.Error()
			return change
		}
		if err := sess.WriteFile(ctx, target, []byte(content)); err != nil {
			change.Reason = fmt.Sprintf("writing file: %v", err)
			return change
		}
		change.Original = string(original)
		change.Content = content

	case plan.ActionDelete:
		// Deleting a missing file is a no-op, not a failure.
		if original, err := sess.ReadFile(ctx, target); err == nil {
			change.Original = string(original)
		}
		if _, err := sess.Execute(ctx, fmt.Sprintf("rm -f -- %q", target), e.ExecTimeout); err != nil {
			change.Reason = fmt.Sprintf("deleting file: %v", err)
			return change
		}

	default:
		change.Reason = fmt.Sprintf("unsupported action %q", step.Action)
		return change
	}

	change.Applied = true
	return change
}

func (e *Executor) generateContent(ctx context.Context, tmpl string, step plan.Step, original string, bundle ContextBundle) (string, error) {
	text := bundle.Text
	if len(text) > maxContextChars {
		text = text[:maxContextChars] + truncationMarker
	}
	user := renderTemplate(tmpl, map[string]string{
		"FILE_PATH":   step.File,
		"DESCRIPTION": step.Description,
		"ORIGINAL":    original,
		"CONTEXT":     text,
	})
	raw, err := e.retry.Complete(ctx, e.client, planSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("generating content: %v", err)
	}
	return StripFences(raw), nil
}
