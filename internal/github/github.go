// Package github talks to the GitHub REST API for external skill sources:
// resolving the head commit of a branch and downloading a snapshot tarball.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/schaermu/pilotsync/internal/schema"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// Sentinel errors returned by Client methods.
var (
	ErrNetworkFailure     = errors.New("network request failed")
	ErrRateLimited        = errors.New("GitHub API rate limit exceeded")
	ErrUnexpectedResponse = errors.New("unexpected GitHub API response")
)

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

var commitSchema = schema.MustCompile("github-commit.json", `{
  "type": "object",
  "required": ["sha"],
  "properties": {"sha": {"type": "string", "pattern": "\\S"}}
}`)

type commitResponse struct {
	SHA string `json:"sha"`
}

// Fetcher resolves and downloads external sources
type Fetcher interface {
	// LatestCommit returns the head commit hash of branch in repo
	LatestCommit(ctx context.Context, repo, branch string) (string, error)
	// DownloadTarball downloads the snapshot of repo at ref into destDir and
	// returns the path of the archive
	DownloadTarball(ctx context.Context, repo, ref, destDir string) (string, error)
}

// Client implements Fetcher against the GitHub REST API
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the bearer token; an empty token sends anonymous requests.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client with the token taken from the environment.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultAPIURL,
		token:     TokenFromEnv(),
		userAgent: "pilotsync",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TokenFromEnv returns PILOTSYNC_GITHUB_TOKEN, falling back to GITHUB_TOKEN.
func TokenFromEnv() string {
	for _, key := range []string{"PILOTSYNC_GITHUB_TOKEN", "GITHUB_TOKEN"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// TarballName is the file name used for a downloaded snapshot:
// "<owner>-<name>-<ref[:7]>.tar.gz".
func TarballName(repo, ref string) string {
	short := ref
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s-%s.tar.gz", strings.ReplaceAll(repo, "/", "-"), short)
}

// LatestCommit returns the head commit hash of branch in repo.
func (c *Client) LatestCommit(ctx context.Context, repo, branch string) (string, error) {
	if err := validateRepo(repo); err != nil {
		return "", err
	}
	if branch == "" {
		return "", fmt.Errorf("branch must not be empty")
	}

	resp, err := c.get(ctx, fmt.Sprintf("%s/repos/%s/commits/%s", c.baseURL, repo, url.PathEscape(branch)), "application/vnd.github+json")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrNetworkFailure, err)
	}

	var commit commitResponse
	if err := commitSchema.Decode(body, &commit); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	sha := strings.TrimSpace(commit.SHA)
	if sha == "" || strings.ContainsAny(sha, " \t\r\n/?#") {
		return "", fmt.Errorf("%w: malformed sha %q", ErrUnexpectedResponse, commit.SHA)
	}
	return sha, nil
}

// DownloadTarball streams the snapshot of repo at ref into destDir. The
// archive only appears under its final name after a complete download.
func (c *Client) DownloadTarball(ctx context.Context, repo, ref, destDir string) (string, error) {
	if err := validateRepo(repo); err != nil {
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("ref must not be empty")
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	resp, err := c.get(ctx, fmt.Sprintf("%s/repos/%s/tarball/%s", c.baseURL, repo, url.PathEscape(ref)), "application/octet-stream")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	tmp, err := os.CreateTemp(destDir, ".tarball-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return "", fmt.Errorf("%w: downloading tarball: %v", ErrNetworkFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	dest := filepath.Join(destDir, TarballName(repo, ref))
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("failed to rename tarball: %w", err)
	}

	success = true
	return dest, nil
}

func (c *Client) get(ctx context.Context, u, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrNetworkFailure, resp.StatusCode, u)
	}

	return resp, nil
}

func validateRepo(repo string) error {
	if !repoPattern.MatchString(repo) || strings.Contains(repo, "..") {
		return fmt.Errorf("invalid repository %q: expected owner/name", repo)
	}
	return nil
}
