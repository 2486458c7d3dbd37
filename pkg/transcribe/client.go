// Package transcribe provides a client for an HTTP speech-to-text service.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the transcription operations.
type Client interface {
	// Transcribe fetches the audio at mediaURL and returns its text.
	Transcribe(ctx context.Context, mediaURL string) (*Result, error)
}

// Result is the parsed transcription response.
type Result struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type request struct {
	MediaURL string `json:"media_url"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithMaxAttempts sets how many times a transient failure is tried.
func WithMaxAttempts(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay. Later delays double.
func WithBackoff(d time.Duration) Option {
	return func(c *httpClient) {
		c.backoff = d
	}
}

type httpClient struct {
	endpoint    string
	apiKey      string
	http        *http.Client
	maxAttempts int
	backoff     time.Duration
}

// NewClient creates a client that POSTs to endpoint.
func NewClient(endpoint, apiKey string, opts ...Option) Client {
	c := &httpClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxAttempts: 3,
		backoff:     time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo sends payload with exponential backoff on transport errors and
// retryable statuses.
func (c *httpClient) retryDo(ctx context.Context, payload []byte) ([]byte, int, error) {
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, eris.Wrap(err, "transcribe: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, resp.StatusCode, eris.Wrap(readErr, "transcribe: read response body")
			}
			if !retryableStatusCode(resp.StatusCode) {
				return body, resp.StatusCode, nil
			}
			lastErr = eris.Errorf("transcribe: status %d: %s", resp.StatusCode, string(body))
		}

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, 0, lastErr
}

func (c *httpClient) Transcribe(ctx context.Context, mediaURL string) (*Result, error) {
	if mediaURL == "" {
		return nil, eris.New("transcribe: media url is required")
	}
	payload, err := json.Marshal(request{MediaURL: mediaURL})
	if err != nil {
		return nil, eris.Wrap(err, "transcribe: marshal request")
	}

	body, status, err := c.retryDo(ctx, payload)
	if err != nil {
		return nil, eris.Wrap(err, "transcribe: request failed")
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("transcribe: unexpected status %d: %s", status, string(body))
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, eris.Wrap(err, "transcribe: unmarshal response")
	}
	return &res, nil
}
