// Package moveris provides a client for the Moveris liveness detection API
// fast-check-crops endpoint. It submits a batch of face crops and returns a
// structured liveness verdict.
//
// Authentication: X-API-Key header.
// Retry policy: up to 3 attempts. 429 honors a server-supplied retry_after,
// otherwise an exponential back-off schedule (1s, then 2s) covers rate
// limits, 5xx responses, and transport failures. 401 (invalid key), 402 (no
// credits), and 422 (validation) are terminal and never retried.
//
// API reference: https://documentation.moveris.com/api-reference/fast-check-crops
package moveris

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL = "https://api.moveris.com"
	fastCropsPath  = "/api/v1/fast-check-crops"

	// defaultTimeout is the HTTP client timeout per attempt.
	defaultTimeout = 30 * time.Second

	maxAttempts = 3
)

// RequiredFrames is the exact batch size the fast-check-crops endpoint accepts.
const RequiredFrames = 10

// retryDelays is the default back-off schedule between attempts 1->2 and 2->3.
var retryDelays = []time.Duration{time.Second, 2 * time.Second}

// Response is the parsed body of a successful fast-check-crops call.
type Response struct {
	Verdict    string  `json:"verdict"` // "live" | "fake"
	Score      float64 `json:"score"`   // 0-100 display score
	RealScore  float64 `json:"real_score"`
	FakeScore  float64 `json:"fake_score"`
	Confidence float64 `json:"confidence"`
}

// APIError is a non-retryable Moveris API rejection (401 / 402 / 422).
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("moveris API error %d: %s", e.StatusCode, e.Detail)
}

// Client calls the Moveris liveness detection API.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used in tests against httptest servers.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient creates a Moveris API client authenticated with the given key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errorBody is the JSON error envelope Moveris returns on failures.
type errorBody struct {
	Detail     string   `json:"detail"`
	RetryAfter *float64 `json:"retry_after"`
}

// CheckCrops submits exactly RequiredFrames base64-encoded 224x224 crops and
// returns the liveness verdict. A wrong batch size fails immediately with no
// network call. After retry exhaustion the last error is returned.
func (c *Client) CheckCrops(ctx context.Context, cropsB64 []string) (*Response, error) {
	if len(cropsB64) != RequiredFrames {
		return nil, fmt.Errorf("fast-check-crops requires exactly %d frames, got %d",
			RequiredFrames, len(cropsB64))
	}

	payload, err := json.Marshal(map[string][]string{"pixels": cropsB64})
	if err != nil {
		return nil, fmt.Errorf("marshal crops payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.post(ctx, fastCropsPath, payload)
		if err == nil {
			return resp, nil
		}

		var apiErr *APIError
		if isTerminal(err, &apiErr) {
			return nil, err
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}
		wait := retryDelays[min(attempt, len(retryDelays)-1)]
		if r, ok := err.(*retryableError); ok && r.retryAfter > 0 {
			wait = r.retryAfter
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxAttempts", maxAttempts).
			Dur("wait", wait).
			Msg("Moveris call failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("moveris: all %d attempts failed: %w", maxAttempts, lastErr)
}

// retryableError wraps a retryable failure, optionally carrying the
// server-requested wait duration from a 429 response.
type retryableError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// isTerminal reports whether err is a non-retryable APIError and stores it in out.
func isTerminal(err error, out **APIError) bool {
	apiErr, ok := err.(*APIError)
	if ok {
		*out = apiErr
	}
	return ok
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport-level failure (timeout, connect refused): retryable.
		return nil, &retryableError{err: fmt.Errorf("moveris request: %w", err)}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read moveris response: %w", err)}
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("parse moveris response: %w", err)
		}
		return &resp, nil

	case httpResp.StatusCode == http.StatusUnauthorized,
		httpResp.StatusCode == http.StatusPaymentRequired,
		httpResp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &APIError{
			StatusCode: httpResp.StatusCode,
			Detail:     errorDetail(body),
		}

	case httpResp.StatusCode == http.StatusTooManyRequests:
		var wait time.Duration
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.RetryAfter != nil {
			wait = time.Duration(*eb.RetryAfter * float64(time.Second))
		}
		return nil, &retryableError{
			err:        fmt.Errorf("moveris rate limited (429): %s", errorDetail(body)),
			retryAfter: wait,
		}

	default:
		// 5xx and anything unexpected: retryable.
		return nil, &retryableError{
			err: fmt.Errorf("moveris server error %d: %s", httpResp.StatusCode, errorDetail(body)),
		}
	}
}

// errorDetail extracts the detail field from an error body, falling back to
// the raw body when it is not the expected JSON envelope.
func errorDetail(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Detail != "" {
		return eb.Detail
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
