package main

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"

	"github.com/schaermu/pilotsync/internal/config"
	"github.com/schaermu/pilotsync/internal/console"
	"github.com/schaermu/pilotsync/internal/testutil"
	"github.com/schaermu/pilotsync/internal/update"
	versions "github.com/schaermu/pilotsync/internal/version"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetFlags restores every global flag after the test.
func resetFlags(t *testing.T) {
	t.Helper()
	saved := struct {
		cfgFile, logLevel, logFormat, targetDir, strategy string
		checkOnly, skipPip, skipExternal, statusline      bool
	}{cfgFile, logLevel, logFormat, targetDir, strategyFlag, checkOnly, skipPip, skipExternal, applyStatusline}
	savedOut, savedErr := stdout, stderr

	t.Cleanup(func() {
		cfgFile, logLevel, logFormat, targetDir, strategyFlag = saved.cfgFile, saved.logLevel, saved.logFormat, saved.targetDir, saved.strategy
		checkOnly, skipPip, skipExternal, applyStatusline = saved.checkOnly, saved.skipPip, saved.skipExternal, saved.statusline
		stdout, stderr = savedOut, savedErr
	})

	logLevel = "error"
	logFormat = "text"
	strategyFlag = ""
	checkOnly, skipPip, skipExternal, applyStatusline = false, true, false, false
}

func TestSetupLogger(t *testing.T) {
	resetFlags(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestSetupLogger_WritesToStderr(t *testing.T) {
	resetFlags(t)
	var errBuf, outBuf bytes.Buffer
	stdout, stderr = &outBuf, &errBuf
	logLevel, logFormat = "info", "json"

	setupLogger().Info("hello", "path", ".claude")
	if !strings.Contains(errBuf.String(), `"msg":"hello"`) {
		t.Errorf("expected json log on stderr, got %q", errBuf.String())
	}
	if outBuf.Len() != 0 {
		t.Errorf("logs must not go to stdout, got %q", outBuf.String())
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetFlags(t)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("update:\n  strategy: manual\n"), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath
	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Update.Strategy != "manual" {
		t.Errorf("expected manual strategy, got %s", cfg.Update.Strategy)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetFlags(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	resetFlags(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)

	cfgFile = ""
	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("missing default config must fall back to defaults: %v", err)
	}
	if cfg.Remote.RawBaseURL != config.DefaultRawBaseURL {
		t.Errorf("expected default raw url, got %s", cfg.Remote.RawBaseURL)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestResolveTargetDir(t *testing.T) {
	resetFlags(t)

	targetDir = ""
	wd, _ := os.Getwd()
	got, err := resolveTargetDir()
	if err != nil || got != wd {
		t.Errorf("expected working directory %s, got %s (%v)", wd, got, err)
	}

	dir := t.TempDir()
	targetDir = dir
	got, err = resolveTargetDir()
	if err != nil || got != dir {
		t.Errorf("expected %s, got %s (%v)", dir, got, err)
	}
}

// upstream fakes the raw host, the package index and the GitHub API.
type upstream struct {
	latest     string
	commit     string
	rawStatus  int
	rawFetches int
	tarball    []byte
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/pypi":
		_, _ = w.Write([]byte(`{"info":{"version":"` + u.latest + `"}}`))
	case strings.HasPrefix(r.URL.Path, "/raw/"):
		u.rawFetches++
		if u.rawStatus != 0 {
			w.WriteHeader(u.rawStatus)
			return
		}
		_, _ = w.Write([]byte("managed " + strings.TrimPrefix(r.URL.Path, "/raw/")))
	case r.URL.Path == "/api/repos/vercel-labs/agent-skills/commits/main":
		_, _ = w.Write([]byte(`{"sha":"` + u.commit + `"}`))
	case r.URL.Path == "/api/repos/vercel-labs/agent-skills/tarball/"+u.commit:
		_, _ = w.Write(u.tarball)
	default:
		http.NotFound(w, r)
	}
}

func skillsTarball(t *testing.T) []byte {
	t.Helper()
	return testutil.TarGz(t,
		testutil.Dir("vercel-labs-agent-skills-abcdef1/"),
		testutil.File("vercel-labs-agent-skills-abcdef1/skills/react/SKILL.md", "# react best practices\n"),
		testutil.Symlink("vercel-labs-agent-skills-abcdef1/skills/evil", "/etc/passwd"),
	)
}

// setupUpstream starts the fake upstream and points the config flag at it.
func setupUpstream(t *testing.T) (*upstream, string) {
	t.Helper()
	resetFlags(t)

	up := &upstream{latest: "2.0.0", commit: "abcdef1234567890", tarball: skillsTarball(t)}
	server := httptest.NewServer(up)
	t.Cleanup(server.Close)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "remote:\n" +
		"  raw_base_url: " + server.URL + "/raw\n" +
		"  package_index_url: " + server.URL + "/pypi\n" +
		"  github_api_url: " + server.URL + "/api\n" +
		"  timeout: 5s\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgFile = cfgPath

	root := t.TempDir()
	targetDir = root

	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	t.Setenv("PILOTSYNC_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")
	return up, root
}

func TestRunUpdate_EndToEnd(t *testing.T) {
	_, root := setupUpstream(t)

	if err := runUpdate(updateCmd, nil); err != nil {
		t.Fatalf("runUpdate failed: %v\nstdout: %s\nstderr: %s", err, stdout, stderr)
	}

	if got := versions.Current(root, ".claude/.pilot-version"); got != "2.0.0" {
		t.Errorf("expected marker 2.0.0, got %s", got)
	}

	plan, err := os.ReadFile(filepath.Join(root, ".claude", "commands", "00_plan.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(plan) != "managed .claude/commands/00_plan.md" {
		t.Errorf("unexpected managed content %q", plan)
	}

	skill := filepath.Join(root, ".claude", "skills", "external", "vercel-agent-skills", "react", "SKILL.md")
	if _, err := os.Stat(skill); err != nil {
		t.Errorf("expected extracted skill: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, ".claude", "skills", "external", "vercel-agent-skills", "evil")); !os.IsNotExist(err) {
		t.Error("symlink member must not be created")
	}
	if got := versions.Current(root, ".claude/.external-skills-version"); got != "abcdef1234567890" {
		t.Errorf("expected skills marker, got %s", got)
	}

	out := stdout.(*bytes.Buffer).String()
	for _, want := range []string{"Updated to version 2.0.0", "Preserved files (your changes):", "  - .claude/settings.json"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunUpdate_SecondRunIsCurrent(t *testing.T) {
	up, root := setupUpstream(t)

	if err := runUpdate(updateCmd, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	fetches := up.rawFetches

	stdout = &bytes.Buffer{}
	if err := runUpdate(updateCmd, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if up.rawFetches != fetches {
		t.Errorf("second run must not download managed files (%d -> %d)", fetches, up.rawFetches)
	}
	out := stdout.(*bytes.Buffer).String()
	if !strings.Contains(out, "Already up to date (v2.0.0)") || !strings.Contains(out, "External skills already up to date") {
		t.Errorf("unexpected output %q", out)
	}
	lock := flock.New(filepath.Join(root, update.LockFile))
	if locked, err := lock.TryLock(); err != nil || !locked {
		t.Errorf("lock must be released after the run (locked=%v, err=%v)", locked, err)
	} else {
		_ = lock.Unlock()
	}
}

func TestRunUpdate_CheckOnly(t *testing.T) {
	up, root := setupUpstream(t)
	checkOnly = true

	if err := runUpdate(updateCmd, nil); err != nil {
		t.Fatalf("runUpdate failed: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("check-only must not write, found %d entries", len(entries))
	}
	if up.rawFetches != 0 {
		t.Errorf("check-only must not download managed files")
	}
	if out := stdout.(*bytes.Buffer).String(); !strings.Contains(out, "Update available: vnone -> v2.0.0") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRunUpdate_ManualStrategy(t *testing.T) {
	up, root := setupUpstream(t)
	strategyFlag = "manual"
	skipExternal = true

	if err := runUpdate(updateCmd, nil); err != nil {
		t.Fatalf("runUpdate failed: %v", err)
	}
	if up.rawFetches != 0 {
		t.Error("manual strategy must not download managed files")
	}

	guides, err := filepath.Glob(filepath.Join(root, ".claude-backups", "MANUAL_MERGE_GUIDE-*.md"))
	if err != nil {
		t.Fatal(err)
	}
	if len(guides) != 1 {
		t.Fatalf("expected one merge guide, got %v", guides)
	}
	if got := versions.Current(root, ".claude/.pilot-version"); got != versions.None {
		t.Errorf("manual strategy must not write the marker, got %s", got)
	}
}

func TestRunUpdate_InvalidStrategy(t *testing.T) {
	setupUpstream(t)
	strategyFlag = "yolo"

	if err := runUpdate(updateCmd, nil); err == nil {
		t.Error("expected error for invalid strategy")
	}
}

func TestRunUpdate_AllDownloadsFail(t *testing.T) {
	up, root := setupUpstream(t)
	up.rawStatus = http.StatusInternalServerError
	skipExternal = true

	err := runUpdate(updateCmd, nil)
	if !errors.Is(err, errUpdateFailed) {
		t.Fatalf("expected errUpdateFailed, got %v", err)
	}
	if got := versions.Current(root, ".claude/.pilot-version"); got != versions.None {
		t.Errorf("failed update must not write the marker, got %s", got)
	}
	if !strings.Contains(stderr.(*bytes.Buffer).String(), "Failed to download any files") {
		t.Errorf("expected error line, got %q", stderr)
	}
}

func TestRunUpdate_ApplyStatusline(t *testing.T) {
	_, root := setupUpstream(t)
	skipExternal = true
	applyStatusline = true

	if err := runUpdate(updateCmd, nil); err != nil {
		t.Fatalf("runUpdate failed: %v", err)
	}
	settings, err := os.ReadFile(filepath.Join(root, ".claude", "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(settings), "bash .claude/scripts/statusline.sh") {
		t.Errorf("status line not registered: %s", settings)
	}
}

func TestRunUpdate_StatuslineWithoutScriptFails(t *testing.T) {
	_, root := setupUpstream(t)
	skipExternal = true
	applyStatusline = true
	if err := versions.Write(root, ".claude/.pilot-version", "2.0.0"); err != nil {
		t.Fatal(err)
	}

	// Already current, so nothing installs the script.
	if err := runUpdate(updateCmd, nil); !errors.Is(err, errUpdateFailed) {
		t.Errorf("expected errUpdateFailed, got %v", err)
	}
}

func TestRunVersion(t *testing.T) {
	_, root := setupUpstream(t)
	if err := versions.Write(root, ".claude/.pilot-version", "1.9.0"); err != nil {
		t.Fatal(err)
	}

	if err := runVersion(versionCmd, nil); err != nil {
		t.Fatalf("runVersion failed: %v", err)
	}
	out := stdout.(*bytes.Buffer).String()
	for _, want := range []string{"pilotsync dev", "Current version: 1.9.0", "Latest version:  2.0.0", "Update available"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunVersion_LatestInstalled(t *testing.T) {
	_, root := setupUpstream(t)
	if err := versions.Write(root, ".claude/.pilot-version", "2.0.0"); err != nil {
		t.Fatal(err)
	}

	if err := runVersion(versionCmd, nil); err != nil {
		t.Fatalf("runVersion failed: %v", err)
	}
	out := stdout.(*bytes.Buffer).String()
	if !strings.Contains(out, "You are running the latest version!") {
		t.Errorf("expected latest-version line:\n%s", out)
	}
	if strings.Contains(out, "Update available") {
		t.Errorf("unexpected update notice:\n%s", out)
	}
}

func TestPrintReport_ManualListsNoPreservedFiles(t *testing.T) {
	var out bytes.Buffer
	p := console.NewPrinter(&out, &out)
	printReport(p, update.Report{
		Status:    update.StatusUpdated,
		State:     versions.State{Current: "1.0.0", Latest: "2.0.0"},
		GuidePath: "/tmp/guide.md",
	}, []string{"CLAUDE.md"})

	if strings.Contains(out.String(), "Preserved files") {
		t.Errorf("manual run must not list preserved files:\n%s", out.String())
	}
}
