// Package openai implements llm.Client using the OpenAI Chat Completions API.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/patchpilot/patchpilot/pkg/llm"
)

// Client implements llm.Client using the OpenAI Chat Completions API.
type Client struct {
	apiKey string
	model  string
	client *http.Client
}

// New creates a client for the OpenAI API.
// Model defaults to "gpt-4o" if empty.
func New(apiKey, model string) *Client {
	if model == "" {
		model = "gpt-4o"
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	reqBody := map[string]any{
		"model":       c.model,
		"max_tokens":  8192,
		"temperature": 0.2,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	err := llm.DoJSONRoundTrip(ctx, c.client, "openai", "https://api.openai.com/v1/chat/completions",
		map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + c.apiKey,
		},
		reqBody, &result)
	if err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", &llm.ProviderError{Provider: "openai", Err: errors.New("no choices in response")}
	}
	return result.Choices[0].Message.Content, nil
}
