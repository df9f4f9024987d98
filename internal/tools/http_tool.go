package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTool forwards invocations to a remote tool provider. The provider
// receives the parameters as a JSON object and answers with a Result.
type HTTPTool struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPTool creates an HTTPTool posting to url.
func NewHTTPTool(name, url string, client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPTool{name: name, url: url, client: client}
}

// Name returns the tool name.
func (t *HTTPTool) Name() string { return t.name }

// Invoke posts params to the provider.
func (t *HTTPTool) Invoke(ctx context.Context, params map[string]any) Result {
	requestBody, err := json.Marshal(params)
	if err != nil {
		return Failed("failed to marshal request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewBuffer(requestBody))
	if err != nil {
		return Failed("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Failed("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Failed("provider returned status code %d", resp.StatusCode)
		}
		return Failed("failed to decode response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK && result.Success {
		return Failed("provider returned status code %d", resp.StatusCode)
	}
	if !result.Success && result.Error == "" {
		result.Error = fmt.Sprintf("%s reported failure", t.name)
	}
	return result
}
