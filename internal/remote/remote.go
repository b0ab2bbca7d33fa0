// Package remote fetches managed files from the raw-content host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout = 30 * time.Second
	// MaxFileSize bounds a single managed file download.
	MaxFileSize = 8 << 20
)

// ErrNetworkFailure wraps transport errors and non-2xx responses.
var ErrNetworkFailure = errors.New("network request failed")

// Client downloads files by relative path from a raw-content host
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client rooted at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "pilotsync",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads the file at relPath and returns its body verbatim.
func (c *Client) Fetch(ctx context.Context, relPath string) ([]byte, error) {
	u, err := c.fileURL(relPath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrNetworkFailure, relPath, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetworkFailure, relPath, err)
	}
	if len(body) > MaxFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", relPath, MaxFileSize)
	}

	return body, nil
}

// FetchText downloads relPath and returns it with surrounding whitespace trimmed.
func (c *Client) FetchText(ctx context.Context, relPath string) (string, error) {
	body, err := c.Fetch(ctx, relPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// fileURL escapes each path segment and joins it onto the base URL.
func (c *Client) fileURL(relPath string) (string, error) {
	relPath = strings.TrimLeft(relPath, "/")
	if relPath == "" {
		return "", fmt.Errorf("empty remote path")
	}

	segments := strings.Split(relPath, "/")
	for i, seg := range segments {
		if seg == ".." {
			return "", fmt.Errorf("remote path %q must not contain '..'", relPath)
		}
		segments[i] = url.PathEscape(seg)
	}
	return c.baseURL + "/" + strings.Join(segments, "/"), nil
}
