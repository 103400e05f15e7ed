// Package httpengine is the JSON-over-HTTP transport shared by the engine
// adapters. It classifies transport and server failures as
// backend.ErrUnavailable and client-side refusals as *backend.RejectedError.
package httpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/probe/internal/backend"
)

// DefaultTimeout bounds a single request when the caller's context carries
// no deadline.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is read.
const maxErrorBody = 4 << 10

// Client talks to one engine endpoint.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the engine at baseURL. A nil httpClient selects a
// client with DefaultTimeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse engine endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("engine endpoint %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: u, http: httpClient}, nil
}

// Endpoint returns the engine base URL.
func (c *Client) Endpoint() string {
	return c.base.String()
}

// Do sends a JSON request to path and decodes a JSON response into out.
// A nil body sends no payload; a nil out discards the response body.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, backend.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, backend.ErrUnavailable)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &backend.RejectedError{StatusCode: resp.StatusCode, Reason: errorReason(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: empty response: %w", method, path, backend.ErrUnavailable)
		}
		return fmt.Errorf("%s %s: decode response: %w: %w", method, path, backend.ErrUnavailable, err)
	}
	return nil
}

// errorReason extracts a human-readable reason from an error response. It
// understands {"error": "..."} and {"message": "..."} bodies and falls back
// to the trimmed raw text.
func errorReason(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// PathEscape escapes an engine-assigned id for use as a path segment.
func PathEscape(id string) string {
	return url.PathEscape(id)
}
