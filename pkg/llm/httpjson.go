package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// DoJSONRoundTrip posts a JSON body and decodes a JSON response. Non-2xx
// responses and transport failures come back as *ProviderError so the
// Retrier can decide whether to retry.
func DoJSONRoundTrip(
	ctx context.Context,
	client *http.Client,
	provider, url string,
	headers map[string]string,
	reqBody any,
	respBody any,
) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return &ProviderError{Provider: provider, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return &ProviderError{Provider: provider, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Network errors and client timeouts are worth retrying unless the
		// caller's context is already gone.
		return &ProviderError{Provider: provider, Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Provider: provider, Retryable: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{
			Provider:  provider,
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       errors.New(http.StatusText(resp.StatusCode) + ": " + string(body)),
		}
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return &ProviderError{Provider: provider, Err: err}
	}
	return nil
}
