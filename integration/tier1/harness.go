//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/pilotsync/internal/testutil"
)

const (
	binaryName     = "pilotsync"
	skillsRepo     = "vercel-labs/agent-skills"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the pilotsync binary once and runs it against a fake upstream
type Harness struct {
	t          *testing.T
	binary     string
	configDir  string
	Root       string
	Upstream   *Upstream
	keepOnFail bool
}

// NewHarness creates a new test harness with a fresh target root
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:          t,
		Root:       t.TempDir(),
		configDir:  t.TempDir(),
		keepOnFail: os.Getenv("INTEGRATION_KEEP_ROOT") == "1",
	}
}

// BuildBinary compiles cmd/pilotsync into a temp directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), binaryName)
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/pilotsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// StartUpstream serves the raw host, the package index and the GitHub API
// and writes a config file pointing at it.
func (h *Harness) StartUpstream(latest, commit string, tarball []byte) error {
	h.t.Helper()

	h.Upstream = &Upstream{latest: latest, commit: commit, tarball: tarball}
	server := httptest.NewServer(h.Upstream)
	h.t.Cleanup(server.Close)

	content := "remote:\n" +
		"  raw_base_url: " + server.URL + "/raw\n" +
		"  package_index_url: " + server.URL + "/pypi\n" +
		"  github_api_url: " + server.URL + "/api\n" +
		"  timeout: 5s\n"
	if err := os.WriteFile(h.configPath(), []byte(content), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Cleanup reports the target root when a failed run should be inspected
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keepOnFail && h.t.Failed() {
		kept, err := os.MkdirTemp("", "pilotsync-integration-*")
		if err != nil {
			h.t.Logf("Warning: failed to keep root: %v", err)
			return
		}
		if err := os.CopyFS(kept, os.DirFS(h.Root)); err != nil {
			h.t.Logf("Warning: failed to keep root: %v", err)
			return
		}
		h.t.Logf("Test failed and INTEGRATION_KEEP_ROOT=1, target root copied to %s", kept)
	}
}

// Run executes the binary with the harness config, target root and args
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	full := append([]string{}, args...)
	full = append(full, "--config", h.configPath(), "--target-dir", h.Root)
	cmd := exec.CommandContext(ctx, h.binary, full...)
	cmd.Env = append(os.Environ(), "PILOTSYNC_GITHUB_TOKEN=", "GITHUB_TOKEN=")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("run failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// ReadFile reads a file below the target root
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.Root, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileExists checks if a path exists below the target root
func (h *Harness) FileExists(rel string) bool {
	_, err := os.Lstat(filepath.Join(h.Root, filepath.FromSlash(rel)))
	return err == nil
}

func (h *Harness) configPath() string {
	return filepath.Join(h.configDir, "config.yaml")
}

// Upstream fakes the three remote endpoints and counts requests
type Upstream struct {
	mu         sync.Mutex
	latest     string
	commit     string
	tarball    []byte
	rawFetches int
	downloads  int
}

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case r.URL.Path == "/pypi":
		_, _ = fmt.Fprintf(w, `{"info":{"version":%q}}`, u.latest)
	case strings.HasPrefix(r.URL.Path, "/raw/"):
		u.rawFetches++
		_, _ = io.WriteString(w, "upstream "+strings.TrimPrefix(r.URL.Path, "/raw/"))
	case r.URL.Path == "/api/repos/"+skillsRepo+"/commits/main":
		_, _ = fmt.Fprintf(w, `{"sha":%q}`, u.commit)
	case r.URL.Path == "/api/repos/"+skillsRepo+"/tarball/"+u.commit:
		u.downloads++
		_, _ = w.Write(u.tarball)
	default:
		http.NotFound(w, r)
	}
}

// SetLatest changes the version the package index reports
func (u *Upstream) SetLatest(v string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.latest = v
}

// Counts returns the number of raw file fetches and tarball downloads so far
func (u *Upstream) Counts() (raw, downloads int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rawFetches, u.downloads
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
