package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	classifyPath   = "/v1/classify"
	defaultTimeout = 10 * time.Second
)

// HTTPClient calls a classifier service over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewHTTPClient builds a client with a bounded per-request timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// New returns an HTTP client, or Unavailable when baseURL is empty.
func New(baseURL, apiKey string, timeout time.Duration) Classifier {
	if baseURL == "" {
		return Unavailable{}
	}
	return NewHTTPClient(baseURL, apiKey, timeout)
}

func (c *HTTPClient) Classify(ctx context.Context, in Input) (Verdict, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+classifyPath, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return Verdict{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return Verdict{}, fmt.Errorf("classifier error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return Verdict{}, fmt.Errorf("classifier error (%d): %s", resp.StatusCode, string(respBody))
	}

	var v Verdict
	if err := json.Unmarshal(respBody, &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if err := v.Validate(); err != nil {
		return Verdict{}, err
	}
	return v, nil
}
