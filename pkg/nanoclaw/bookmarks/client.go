// Package bookmarks is the HTTP client for the bookmark relay: a small
// local service that forwards URLs to the extraction backend. Every call
// carries an explicit deadline; outages surface as errors for the caller
// (worker or intake poller) to handle — there is no local retry.
package bookmarks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config holds relay client configuration.
type Config struct {
	// BaseURL is the relay endpoint (e.g. http://127.0.0.1:9999).
	BaseURL string `yaml:"base_url"`

	// Token is an optional bearer token.
	Token string `yaml:"token"`
}

// Deadlines per operation class: extraction runs a headless fetch on the
// far side, health/recent are cheap.
const (
	intakeTimeout = 90 * time.Second
	shortTimeout  = 15 * time.Second
)

// Client calls the relay.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a relay client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With("component", "bookmarks"),
	}
}

// Enabled reports whether a relay endpoint is configured.
func (c *Client) Enabled() bool { return c.cfg.BaseURL != "" }

// Intake submits one URL for extraction and returns the relay's response
// body as raw JSON.
func (c *Client) Intake(ctx context.Context, url string, extra map[string]any) (json.RawMessage, error) {
	payload := map[string]any{"url": url}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/intake", body, intakeTimeout)
}

// Health returns the relay's backend health document.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/health", nil, shortTimeout)
}

// Recent returns the relay's recent extraction list.
func (c *Client) Recent(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/recent", nil, shortTimeout)
}

// ---------- Internal ----------

func (c *Client) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) (json.RawMessage, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("bookmark relay not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay %s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay %s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200))
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("relay %s %s: non-JSON response", method, path)
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
