// Package groq implements llm.Client using the Groq API, which speaks the
// OpenAI chat-completions wire format.
package groq

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/patchpilot/patchpilot/pkg/llm"
)

// Client implements llm.Client using the Groq API.
type Client struct {
	apiKey string
	model  string
	client *http.Client
}

// New creates a client for the Groq API.
// Model defaults to "llama-3.3-70b-versatile" if empty.
func New(apiKey, model string) *Client {
	if model == "" {
		model = "llama-3.3-70b-versatile"
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
	messages := []map[string]string{}
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": user})

	reqBody := map[string]any{
		"model":       c.model,
		"temperature": 0.2,
		"messages":    messages,
	}
	err := llm.DoJSONRoundTrip(ctx, c.client, "groq", "https://api.groq.com/openai/v1/chat/completions",
		map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + c.apiKey,
		},
		reqBody, &result)
	if err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", &llm.ProviderError{Provider: "groq", Err: errors.New("no choices in response")}
	}
	return result.Choices[0].Message.Content, nil
}
