package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/pilotsync/internal/config"
	"github.com/schaermu/pilotsync/internal/console"
	"github.com/schaermu/pilotsync/internal/github"
	"github.com/schaermu/pilotsync/internal/manifest"
	"github.com/schaermu/pilotsync/internal/pkgmgr"
	"github.com/schaermu/pilotsync/internal/remote"
	"github.com/schaermu/pilotsync/internal/skills"
	filesync "github.com/schaermu/pilotsync/internal/sync"
	"github.com/schaermu/pilotsync/internal/update"
	versions "github.com/schaermu/pilotsync/internal/version"
)

var (
	// Set by the release build
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	targetDir string

	// Update command flags
	checkOnly       bool
	skipPip         bool
	skipExternal    bool
	applyStatusline bool
	strategyFlag    string

	// Output streams, replaced in tests
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// errUpdateFailed signals a failed run whose details were already printed.
var errUpdateFailed = errors.New("update failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pilotsync",
	Short: "Keep claude-pilot managed files up to date",
	Long: `pilotsync keeps the managed files of a claude-pilot project (the .claude/
directory) in sync with the published version, without touching files you own.

It also mirrors external skill repositories into .claude/skills/external,
extracting their snapshots with path traversal and link protection.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Version prints the pilotsync build, the version of the managed files installed
in the target directory and the latest published version. It never writes.`,
	RunE: runVersion,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update managed files to the latest version",
	Long: `Update compares the installed version of the managed files with the latest
published version and reconciles them.

With the auto strategy the .claude directory is backed up to .claude-backups
and every managed file is downloaded again. With the manual strategy only a
merge guide is written to .claude-backups. External skills are refreshed when
their upstream commit changed.`,
	RunE: runUpdate,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/pilotsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&targetDir, "target-dir", "", "project directory (default is the current directory)")

	// Update command flags
	updateCmd.Flags().BoolVar(&checkOnly, "check-only", false, "only report whether an update is available")
	updateCmd.Flags().BoolVar(&skipPip, "skip-pip", false, "do not upgrade the claude-pilot package")
	updateCmd.Flags().BoolVar(&skipExternal, "skip-external", false, "do not sync external skills")
	updateCmd.Flags().BoolVar(&applyStatusline, "apply-statusline", false, "register the status line script in .claude/settings.json")
	updateCmd.Flags().StringVar(&strategyFlag, "strategy", "", "merge strategy (auto, manual); overrides update.strategy")

	// Add commands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(updateCmd)
}

// app holds the components wired from configuration
type app struct {
	cfg      *config.Config
	manifest *manifest.Manifest
	source   *versions.Source
	raw      *remote.Client
	logger   *slog.Logger
}

func newApp(logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	m, err := manifest.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	raw := remote.NewClient(cfg.Remote.RawBaseURL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithUserAgent("pilotsync/"+version))

	source := versions.NewSource(raw, cfg.Remote.PackageIndexURL, m.Version, m.VersionFile, logger,
		versions.WithChannel(cfg.Remote.VersionChannel),
		versions.WithHTTPClient(newHTTPClient(cfg)))

	return &app{cfg: cfg, manifest: m, source: source, raw: raw, logger: logger}, nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	a, err := newApp(logger)
	if err != nil {
		return err
	}

	root, err := resolveTargetDir()
	if err != nil {
		return err
	}

	state := a.source.State(ctx, root)
	p := console.NewPrinter(stdout, stderr)
	p.Plain("pilotsync %s", version)
	p.Plain("  commit: %s", commit)
	p.Plain("  built:  %s", date)
	p.Plain("Current version: %s", state.Current)
	p.Plain("Latest version:  %s", state.Latest)
	if state.NeedsUpdate() {
		p.Info("Update available: run 'pilotsync update'")
	} else {
		p.Success("You are running the latest version!")
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	a, err := newApp(logger)
	if err != nil {
		return err
	}

	root, err := resolveTargetDir()
	if err != nil {
		return err
	}

	strategyName := a.cfg.Update.Strategy
	if strategyFlag != "" {
		strategyName = strategyFlag
	}
	strategy, err := update.ParseStrategy(strategyName)
	if err != nil {
		return err
	}

	orch := a.newOrchestrator()
	p := console.NewPrinter(stdout, stderr)

	report, err := orch.Run(ctx, root, update.Options{
		CheckOnly:       checkOnly,
		SkipPackage:     skipPip,
		SkipExternal:    skipExternal,
		ApplyStatusline: applyStatusline,
		Strategy:        strategy,
	})
	printReport(p, report, a.manifest.UserFiles)
	if err != nil {
		logger.Error("update failed", "error", err)
		return err
	}
	if report.Failed() {
		return errUpdateFailed
	}
	return nil
}

func (a *app) newOrchestrator() *update.Orchestrator {
	gh := github.NewClient(
		github.WithBaseURL(a.cfg.Remote.GitHubAPIURL),
		github.WithHTTPClient(newHTTPClient(a.cfg)))

	return update.NewOrchestrator(a.manifest, a.source,
		filesync.NewEngine(a.manifest, a.raw, a.logger),
		a.logger,
		update.WithExternal(skills.NewSyncer(a.manifest, gh, a.logger)),
		update.WithUpgrader(pkgmgr.NewCommandUpgrader(a.cfg.Package.UpgradeCommand), versions.Installed(version, a.manifest.Version)),
		update.WithSourceURL(a.cfg.Remote.RawBaseURL))
}

func printReport(p *console.Printer, r update.Report, preserved []string) {
	if r.PackageUpgraded {
		p.Success("Upgraded the claude-pilot package")
	} else if r.PackageErr != nil {
		p.Warn("Package upgrade failed: %v", r.PackageErr)
	}

	switch {
	case r.CheckOnly && r.State.NeedsUpdate():
		p.Info("Update available: v%s -> v%s", r.State.Current, r.State.Latest)
	case r.CheckOnly:
		p.Success("Already up to date (v%s)", r.State.Latest)
	case r.Status == update.StatusAlreadyCurrent:
		p.Success("Already up to date (v%s)", r.State.Latest)
	case r.Status == update.StatusUpdated && r.GuidePath != "":
		p.Info("Manual merge guide written to %s", r.GuidePath)
		p.Info("No managed files were changed; v%s is available", r.State.Latest)
	case r.Status == update.StatusUpdated:
		if r.BackupPath != "" {
			p.Info("Backup created at %s", r.BackupPath)
		}
		if r.Sync != nil && r.Sync.Failed > 0 {
			p.Warn("%d files updated, %d failed", r.Sync.Succeeded, r.Sync.Failed)
			for _, fe := range r.Sync.Errors {
				p.Item("%s: %v", fe.Local, fe.Err)
			}
		}
		if len(r.Removed) > 0 {
			p.Info("Removed deprecated files:")
			for _, f := range r.Removed {
				p.Item("%s", f)
			}
		}
		if len(preserved) > 0 {
			p.Info("Preserved files (your changes):")
			for _, f := range preserved {
				p.Item("%s", f)
			}
		}
		p.Success("Updated to version %s", r.State.Latest)
	case r.Status == update.StatusFailed:
		if r.Sync != nil && r.Sync.AllFailed() {
			p.Error("Failed to download any files. Please check your internet connection.")
		}
		if r.BackupPath != "" {
			p.Info("Your previous files are kept at %s", r.BackupPath)
		}
	}

	if r.External != nil {
		switch r.External.Status {
		case skills.StatusSuccess:
			p.Success("External skills updated")
		case skills.StatusAlreadyCurrent:
			p.Success("External skills already up to date")
		case skills.StatusFailed:
			p.Error("External skills sync failed")
			for _, s := range r.External.Sources {
				if s.Err != nil {
					p.Item("%s: %v", s.Name, s.Err)
				}
			}
		}
	}

	if r.StatuslineApplied {
		p.Success("Status line registered in .claude/settings.json")
	} else if r.StatuslineErr != nil {
		p.Error("Could not apply status line: %v", r.StatuslineErr)
	}
}

func newHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.Remote.Timeout}
}

func resolveTargetDir() (string, error) {
	if targetDir == "" {
		return os.Getwd()
	}
	return filepath.Abs(os.ExpandEnv(targetDir))
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(stderr, opts)
	} else {
		handler = slog.NewTextHandler(stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		cfg, err = config.Load(cfgFile)
	} else {
		path := config.DefaultPath()
		logger.Debug("loading configuration", "path", path)
		cfg, err = config.LoadOptional(path)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"raw_base_url", cfg.Remote.RawBaseURL,
		"package_index_url", cfg.Remote.PackageIndexURL,
		"version_channel", cfg.Remote.VersionChannel,
		"strategy", cfg.Update.Strategy)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
