package pipeline

import (
	"context"
	"fmt"

	"github.com/patchpilot/patchpilot/pkg/llm"
)

// maxContextChars bounds how much of the bundle is sent to the planner.
const maxContextChars = 48_000

// Generator asks the model for a change plan over a context bundle.
type Generator struct {
	client llm.Client
	retry  llm.Retrier
}

func NewGenerator(client llm.Client) *Generator {
	return &Generator{client: client, retry: llm.DefaultRetrier}
}

// Generate returns the raw model response; parsing is the caller's concern.
// An error after retries means the model is unavailable for this run.
func (g *Generator) Generate(ctx context.Context, bundle ContextBundle, request string) (string, error) {
	text := bundle.Text
	if len(text) > maxContextChars {
		text = text[:maxContextChars] + truncationMarker
	}
	if text == "" {
		text = "(no file contents available)"
	}
	user := renderTemplate(planPromptTemplate, map[string]string{
		"CONTEXT": text,
		"REQUEST": request,
	})
	raw, err := g.retry.Complete(ctx, g.client, planSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("generating plan: %w", err)
	}
	return raw, nil
}
