// Package version resolves the installed and the latest available version of
// the managed files. Versions are opaque strings compared by equality.
package version

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/pilotsync/internal/fsutil"
	"github.com/schaermu/pilotsync/internal/remote"
	"github.com/schaermu/pilotsync/internal/schema"
)

// None is reported as the current version when no marker exists.
const None = "none"

// DefaultPackageIndexURL is the package-index JSON endpoint for claude-pilot.
const DefaultPackageIndexURL = "https://pypi.org/pypi/claude-pilot/json"

// Channel selects where the latest version is looked up
type Channel string

const (
	ChannelPackageIndex Channel = "package-index"
	ChannelRaw          Channel = "raw"
)

// State is the version pair read once per invocation
type State struct {
	Current string
	Latest  string
}

// NeedsUpdate reports whether the installed files differ from the latest version.
func (s State) NeedsUpdate() bool {
	return NeedsUpdate(s.Current, s.Latest)
}

// NeedsUpdate compares by string equality; no ordering is implied.
func NeedsUpdate(current, latest string) bool {
	return current != latest
}

var packageIndexSchema = schema.MustCompile("package-index.json", `{
  "type": "object",
  "required": ["info"],
  "properties": {
    "info": {
      "type": "object",
      "required": ["version"],
      "properties": {"version": {"type": "string", "pattern": "\\S"}}
    }
  }
}`)

type packageIndexResponse struct {
	Info struct {
		Version string `json:"version"`
	} `json:"info"`
}

// Current reads the version marker below root. A missing, unreadable or
// empty marker yields None.
func Current(root, markerRel string) string {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(markerRel)))
	if err != nil {
		return None
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return None
	}
	return v
}

// Valid reports whether v, once trimmed, is usable as a version string.
func Valid(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.ContainsAny(v, "\r\n")
}

// Write stores the trimmed version in the marker below root.
func Write(root, markerRel, v string) error {
	if !Valid(v) {
		return fmt.Errorf("invalid version %q", v)
	}
	v = strings.TrimSpace(v)
	dst, err := fsutil.ResolveWithin(root, filepath.FromSlash(markerRel))
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(dst, []byte(v), 0644)
}

// Installed returns the version of this build, falling back when the binary
// carries no release version.
func Installed(build, fallback string) string {
	switch strings.TrimSpace(build) {
	case "", "dev", "development":
		return fallback
	}
	return strings.TrimPrefix(strings.TrimSpace(build), "v")
}

// Source looks up the latest available version
type Source struct {
	raw        *remote.Client
	indexURL   string
	channel    Channel
	fallback   string
	markerRel  string
	httpClient *http.Client
	logger     *slog.Logger
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithHTTPClient sets the client used for the package index.
func WithHTTPClient(client *http.Client) SourceOption {
	return func(s *Source) {
		s.httpClient = client
	}
}

// WithChannel selects the lookup channel used by Latest.
func WithChannel(ch Channel) SourceOption {
	return func(s *Source) {
		s.channel = ch
	}
}

// NewSource creates a version source. fallback is returned by Latest whenever
// the remote lookup fails; markerRel is the marker path on the raw host and
// below the target root.
func NewSource(raw *remote.Client, indexURL, fallback, markerRel string, logger *slog.Logger, opts ...SourceOption) *Source {
	s := &Source{
		raw:       raw,
		indexURL:  indexURL,
		channel:   ChannelPackageIndex,
		fallback:  fallback,
		markerRel: markerRel,
		httpClient: &http.Client{
			Timeout: remote.DefaultTimeout,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PackageIndexVersion queries the package index. Any failure, including a
// body of the wrong shape, returns ok=false.
func (s *Source) PackageIndexVersion(ctx context.Context) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.indexURL, nil)
	if err != nil {
		s.logger.Warn("could not build package index request", "url", s.indexURL, "error", err)
		return "", false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("package index unreachable", "url", s.indexURL, "error", err)
		return "", false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn("package index returned an error status", "url", s.indexURL, "status", resp.StatusCode)
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		s.logger.Warn("failed to read package index response", "error", err)
		return "", false
	}

	var parsed packageIndexResponse
	if err := packageIndexSchema.Decode(body, &parsed); err != nil {
		s.logger.Warn("ignoring package index response", "error", err)
		return "", false
	}

	v := strings.TrimSpace(parsed.Info.Version)
	if !Valid(v) {
		s.logger.Warn("package index version is malformed", "value", parsed.Info.Version)
		return "", false
	}
	return v, true
}

// RawFileVersion reads the version marker published on the raw-content host.
func (s *Source) RawFileVersion(ctx context.Context) (string, bool) {
	v, err := s.raw.FetchText(ctx, s.markerRel)
	if err != nil {
		s.logger.Warn("could not fetch latest version from remote", "error", err)
		return "", false
	}
	if !Valid(v) {
		s.logger.Warn("remote version marker is malformed", "value", v)
		return "", false
	}
	return v, true
}

// Latest returns the latest version from the configured channel, or the
// fallback version when the lookup fails. It never returns an error.
func (s *Source) Latest(ctx context.Context) string {
	start := time.Now()

	var (
		v  string
		ok bool
	)
	switch s.channel {
	case ChannelRaw:
		v, ok = s.RawFileVersion(ctx)
	default:
		v, ok = s.PackageIndexVersion(ctx)
	}

	if !ok {
		s.logger.Info("using fallback version", "channel", s.channel, "version", s.fallback)
		return s.fallback
	}

	s.logger.Debug("resolved latest version", "channel", s.channel, "version", v, "took", time.Since(start))
	return v
}

// State reads the current marker and resolves the latest version.
func (s *Source) State(ctx context.Context, root string) State {
	return State{
		Current: Current(root, s.markerRel),
		Latest:  s.Latest(ctx),
	}
}
