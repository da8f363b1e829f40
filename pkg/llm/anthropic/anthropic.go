// Package anthropic implements llm.Client using the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/patchpilot/patchpilot/pkg/llm"
)

// Client implements llm.Client using the Anthropic Messages API.
type Client struct {
	apiKey string
	model  string
	client *http.Client
}

// New creates a client for the Anthropic API.
// Model defaults to "claude-sonnet-4-20250514" if empty.
func New(apiKey, model string) *Client {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	reqBody := map[string]any{
		"model":      c.model,
		"max_tokens": 8192,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": user},
		},
	}
	err := llm.DoJSONRoundTrip(ctx, c.client, "anthropic", "https://api.anthropic.com/v1/messages",
		map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         c.apiKey,
			"anthropic-version": "2023-06-01",
		},
		reqBody, &result)
	if err != nil {
		return "", err
	}

	for _, blk := range result.Content {
		if blk.Type == "text" {
			return blk.Text, nil
		}
	}
	return "", &llm.ProviderError{Provider: "anthropic", Err: errors.New("no text content in response")}
}
