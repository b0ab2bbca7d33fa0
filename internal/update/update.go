// Package update reconciles the managed files of a target root with the
// latest published version.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/schaermu/pilotsync/internal/fsutil"
	"github.com/schaermu/pilotsync/internal/manifest"
	"github.com/schaermu/pilotsync/internal/pkgmgr"
	"github.com/schaermu/pilotsync/internal/skills"
	"github.com/schaermu/pilotsync/internal/statusline"
	filesync "github.com/schaermu/pilotsync/internal/sync"
	"github.com/schaermu/pilotsync/internal/version"
)

// LockFile is created below the target root by the first update and kept.
const LockFile = ".pilotsync.lock"

// ErrLocked is returned when another update holds the lock on the target root.
var ErrLocked = errors.New("another update is running for this directory")

// VersionSource reports installed and available versions
type VersionSource interface {
	State(ctx context.Context, root string) version.State
	PackageIndexVersion(ctx context.Context) (string, bool)
}

// FileSyncer writes the managed files
type FileSyncer interface {
	SyncAll(ctx context.Context, root string) filesync.Result
}

// ExternalSyncer refreshes external skill sources
type ExternalSyncer interface {
	Sync(ctx context.Context, root string, skip bool) skills.Report
}

// Options selects what a Run does
type Options struct {
	CheckOnly       bool
	SkipPackage     bool
	SkipExternal    bool
	ApplyStatusline bool
	Strategy        Strategy
}

// Report describes a finished Run
type Report struct {
	Status    Status
	State     version.State
	CheckOnly bool
	Strategy  Strategy

	BackupPath string
	GuidePath  string
	Sync       *filesync.Result
	Removed    []string

	PackageUpgraded bool
	PackageErr      error

	External *skills.Report

	StatuslineApplied bool
	StatuslineErr     error
}

// Failed reports whether any part of the run failed.
func (r Report) Failed() bool {
	if r.Status == StatusFailed || r.StatuslineErr != nil {
		return true
	}
	return r.External != nil && r.External.Failed()
}

// Orchestrator runs the update state machine
type Orchestrator struct {
	manifest  *manifest.Manifest
	versions  VersionSource
	files     FileSyncer
	external  ExternalSyncer
	upgrader  pkgmgr.Upgrader
	installed string
	sourceURL string
	status    func(root string) error
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExternal enables the external skills track.
func WithExternal(s ExternalSyncer) Option {
	return func(o *Orchestrator) {
		o.external = s
	}
}

// WithUpgrader enables the package upgrade step. installed is the version of
// the running tool compared against the package index.
func WithUpgrader(u pkgmgr.Upgrader, installed string) Option {
	return func(o *Orchestrator) {
		o.upgrader = u
		o.installed = installed
	}
}

// WithSourceURL sets the upstream location mentioned in merge guides.
func WithSourceURL(u string) Option {
	return func(o *Orchestrator) {
		o.sourceURL = u
	}
}

// WithStatusline replaces the status-line apply step.
func WithStatusline(apply func(root string) error) Option {
	return func(o *Orchestrator) {
		o.status = apply
	}
}

// WithClock sets the time source used for backup and guide names.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an orchestrator for the tables in m.
func NewOrchestrator(m *manifest.Manifest, versions VersionSource, files FileSyncer, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		manifest: m,
		versions: versions,
		files:    files,
		status:   statusline.Apply,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run compares versions and applies the selected strategy. The returned
// error is set for conditions that stop the run outright (lock held, backup
// or marker write failure); per-file and external failures are reported in
// the Report.
func (o *Orchestrator) Run(ctx context.Context, root string, opts Options) (Report, error) {
	state := o.versions.State(ctx, root)
	report := Report{
		State:     state,
		Strategy:  opts.Strategy,
		CheckOnly: opts.CheckOnly,
	}

	o.logger.Info("comparing versions",
		"root", root,
		"current", state.Current,
		"latest", state.Latest,
		"strategy", opts.Strategy,
		"check_only", opts.CheckOnly)

	if opts.CheckOnly {
		report.Status = StatusAlreadyCurrent
		return report, nil
	}

	info, err := os.Stat(root)
	if err != nil {
		report.Status = StatusFailed
		return report, fmt.Errorf("target directory is not accessible: %w", err)
	}
	if !info.IsDir() {
		report.Status = StatusFailed
		return report, fmt.Errorf("target %s is not a directory", root)
	}

	unlock, err := o.lock(root)
	if err != nil {
		report.Status = StatusFailed
		return report, err
	}
	defer unlock()

	if !opts.SkipPackage {
		report.PackageUpgraded, report.PackageErr = o.upgradePackage(ctx)
	}

	runErr := o.runVersionTrack(ctx, root, opts.Strategy, &report)

	if o.external != nil {
		ext := o.external.Sync(ctx, root, opts.SkipExternal)
		report.External = &ext
	}

	if opts.ApplyStatusline {
		if err := o.status(root); err != nil {
			o.logger.Error("failed to apply status line", "error", err)
			report.StatuslineErr = err
		} else {
			report.StatuslineApplied = true
		}
	}

	return report, runErr
}

func (o *Orchestrator) runVersionTrack(ctx context.Context, root string, strategy Strategy, report *Report) error {
	if !report.State.NeedsUpdate() {
		o.logger.Info("already up to date", "version", report.State.Latest)
		report.Status = StatusAlreadyCurrent
		return nil
	}

	if !version.Valid(report.State.Latest) {
		report.Status = StatusFailed
		return fmt.Errorf("latest version %q is invalid, no files were changed", report.State.Latest)
	}

	switch strategy {
	case Manual:
		return o.runManual(root, report)
	default:
		return o.runAuto(ctx, root, report)
	}
}

func (o *Orchestrator) runAuto(ctx context.Context, root string, report *Report) error {
	o.logger.Info("updating managed files", "from", report.State.Current, "to", report.State.Latest)

	backup, err := o.backup(root)
	if err != nil {
		report.Status = StatusFailed
		return fmt.Errorf("backup failed, no files were changed: %w", err)
	}
	report.BackupPath = backup

	res := o.files.SyncAll(ctx, root)
	report.Sync = &res

	if res.AllFailed() {
		o.logger.Error("no managed file could be updated", "failed", res.Failed, "backup", backup)
		report.Status = StatusFailed
		return nil
	}

	report.Removed = o.cleanupDeprecated(root)

	if err := version.Write(root, o.manifest.VersionFile, report.State.Latest); err != nil {
		report.Status = StatusFailed
		return fmt.Errorf("failed to write version marker: %w", err)
	}

	o.logger.Info("update complete", "version", report.State.Latest, "succeeded", res.Succeeded, "failed", res.Failed)
	report.Status = StatusUpdated
	return nil
}

func (o *Orchestrator) runManual(root string, report *Report) error {
	ts := timestamp(o.now())
	dir := filepath.Join(root, filepath.FromSlash(o.manifest.BackupDir))

	managed := make([]string, 0, len(o.manifest.ManagedFiles))
	for _, e := range o.manifest.ManagedFiles {
		managed = append(managed, e.Local)
	}

	data, err := renderGuide(guideData{
		Generated:   o.now().Format(time.RFC3339),
		Current:     report.State.Current,
		Latest:      report.State.Latest,
		VersionFile: o.manifest.VersionFile,
		ManagedRoot: o.manifest.ManagedRoot,
		BackupDir:   o.manifest.BackupDir,
		Source:      o.sourceURL,
		Managed:     managed,
		UserOwned:   o.manifest.UserFiles,
		Deprecated:  o.manifest.DeprecatedFiles,
	})
	if err != nil {
		report.Status = StatusFailed
		return err
	}

	path := uniquePath(dir, "MANUAL_MERGE_GUIDE-"+ts, ".md")
	if err := writeGuide(path, data); err != nil {
		report.Status = StatusFailed
		return fmt.Errorf("failed to write merge guide: %w", err)
	}

	o.logger.Info("merge guide written", "path", path, "latest", report.State.Latest)
	report.GuidePath = path
	report.Status = StatusUpdated
	return nil
}

// backup copies the managed root into a fresh timestamped directory. It
// returns an empty path when there is nothing to back up.
func (o *Orchestrator) backup(root string) (string, error) {
	src := filepath.Join(root, filepath.FromSlash(o.manifest.ManagedRoot))
	info, err := os.Lstat(src)
	if errors.Is(err, os.ErrNotExist) {
		o.logger.Info("nothing to back up", "path", src)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", src)
	}

	dir := filepath.Join(root, filepath.FromSlash(o.manifest.BackupDir))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	dst := uniquePath(dir, "claude-"+timestamp(o.now()), "")

	copied, skipped, err := fsutil.CopyTree(src, dst)
	if err != nil {
		return "", err
	}
	for _, s := range skipped {
		o.logger.Warn("not included in backup", "path", s)
	}
	o.logger.Info("backup created", "path", dst, "files", copied)
	return dst, nil
}

// cleanupDeprecated removes deprecated files that exist below root.
func (o *Orchestrator) cleanupDeprecated(root string) []string {
	var removed []string
	for _, rel := range o.manifest.DeprecatedFiles {
		if o.manifest.IsUserOwned(rel) {
			o.logger.Warn("not removing user-owned deprecated path", "path", rel)
			continue
		}
		p, err := fsutil.ResolveWithin(root, filepath.FromSlash(rel))
		if err != nil {
			o.logger.Warn("skipping deprecated path", "path", rel, "error", err)
			continue
		}
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				o.logger.Warn("failed to remove deprecated file", "path", rel, "error", err)
			}
			continue
		}
		o.logger.Info("removed deprecated file", "path", rel)
		removed = append(removed, rel)
	}
	return removed
}

// upgradePackage upgrades the tool when the package index has a version
// different from the running one. Failures are logged and returned, never fatal.
func (o *Orchestrator) upgradePackage(ctx context.Context) (bool, error) {
	if o.upgrader == nil {
		return false, nil
	}

	latest, ok := o.versions.PackageIndexVersion(ctx)
	if !ok {
		o.logger.Warn("could not check the package index, skipping package upgrade")
		return false, nil
	}
	if latest == o.installed {
		o.logger.Debug("package is current", "version", latest)
		return false, nil
	}

	if available, err := o.upgrader.IsAvailable(ctx); err != nil || !available {
		err = errors.Join(errors.New("package manager not available"), err)
		o.logger.Warn("skipping package upgrade", "error", err)
		return false, err
	}

	o.logger.Info("upgrading package", "from", o.installed, "to", latest)
	if err := o.upgrader.Upgrade(ctx); err != nil {
		o.logger.Warn("package upgrade failed", "error", err)
		return false, err
	}
	return true, nil
}

// lock takes the advisory lock for root and returns its release func. The
// lock file stays in place after release; unlinking it would let two runs
// lock different inodes of the same path.
func (o *Orchestrator) lock(root string) (func(), error) {
	path := filepath.Join(root, LockFile)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, path)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			o.logger.Warn("failed to release lock", "path", path, "error", err)
		}
	}, nil
}
