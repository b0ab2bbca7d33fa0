// Package skills mirrors external skill repositories into the target root.
// Each source is refreshed only when its upstream head commit differs from
// the hash recorded in its marker file.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/pilotsync/internal/extract"
	"github.com/schaermu/pilotsync/internal/github"
	"github.com/schaermu/pilotsync/internal/manifest"
	"github.com/schaermu/pilotsync/internal/version"
)

// Status is the outcome of syncing one source or the whole set
type Status string

const (
	StatusSkipped        Status = "skipped"
	StatusAlreadyCurrent Status = "already_current"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
)

// SourceReport describes what happened to a single source
type SourceReport struct {
	Name      string
	Status    Status
	Commit    string
	Extracted int
	Skipped   []extract.Rejection
	Err       error
}

// Report aggregates all sources of one run
type Report struct {
	Status  Status
	Sources []SourceReport
}

// Failed reports whether any source failed.
func (r Report) Failed() bool {
	return r.Status == StatusFailed
}

// Syncer refreshes external sources
type Syncer struct {
	manifest *manifest.Manifest
	fetcher  github.Fetcher
	logger   *slog.Logger
	tempDir  string
}

// NewSyncer creates a syncer for the sources listed in m.
func NewSyncer(m *manifest.Manifest, fetcher github.Fetcher, logger *slog.Logger) *Syncer {
	return &Syncer{
		manifest: m,
		fetcher:  fetcher,
		logger:   logger,
	}
}

// Sync refreshes every configured source below root. With skip set no
// network call is made and every source reports skipped.
func (s *Syncer) Sync(ctx context.Context, root string, skip bool) Report {
	report := Report{Status: StatusAlreadyCurrent}

	if skip {
		s.logger.Info("skipping external skills sync")
		report.Status = StatusSkipped
		for _, src := range s.manifest.ExternalSources {
			report.Sources = append(report.Sources, SourceReport{Name: src.Name, Status: StatusSkipped})
		}
		return report
	}

	anySuccess := false
	anyFailed := false
	for _, src := range s.manifest.ExternalSources {
		r := s.syncSource(ctx, root, src)
		report.Sources = append(report.Sources, r)
		switch r.Status {
		case StatusFailed:
			anyFailed = true
		case StatusSuccess:
			anySuccess = true
		}
	}

	switch {
	case anyFailed:
		report.Status = StatusFailed
	case anySuccess:
		report.Status = StatusSuccess
	}
	return report
}

func (s *Syncer) syncSource(ctx context.Context, root string, src manifest.ExternalSource) SourceReport {
	r := SourceReport{Name: src.Name}
	logger := s.logger.With("source", src.Name, "repo", src.Repo)

	latest, err := s.fetcher.LatestCommit(ctx, src.Repo, src.Branch)
	if err != nil {
		logger.Warn("could not resolve latest commit", "error", err)
		r.Status = StatusFailed
		r.Err = fmt.Errorf("resolve latest commit: %w", err)
		return r
	}
	r.Commit = latest

	current := version.Current(root, src.VersionFile)
	if current == latest {
		logger.Info("external skills already current", "commit", latest)
		r.Status = StatusAlreadyCurrent
		return r
	}

	dest := s.manifest.Destination(root, src)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return s.fail(logger, r, fmt.Errorf("create destination: %w", err))
	}

	tmp, err := os.MkdirTemp(s.tempDir, "pilotsync-skills-*")
	if err != nil {
		return s.fail(logger, r, fmt.Errorf("create download directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			logger.Warn("failed to remove download directory", "path", tmp, "error", err)
		}
	}()

	archive, err := s.fetcher.DownloadTarball(ctx, src.Repo, latest, tmp)
	if err != nil {
		return s.fail(logger, r, fmt.Errorf("download tarball: %w", err))
	}

	res, err := extract.Extract(archive, src.SkillsPath, dest)
	r.Skipped = res.Skipped
	r.Extracted = len(res.Extracted)
	for _, rej := range res.Skipped {
		logger.Warn("rejected archive member", "member", rej.Name, "reason", rej.Reason)
	}
	if err != nil {
		return s.fail(logger, r, fmt.Errorf("extract: %w", err))
	}

	if err := version.Write(root, src.VersionFile, latest); err != nil {
		return s.fail(logger, r, fmt.Errorf("write version marker: %w", err))
	}

	logger.Info("external skills updated", "commit", latest, "files", r.Extracted, "rejected", len(r.Skipped))
	r.Status = StatusSuccess
	return r
}

func (s *Syncer) fail(logger *slog.Logger, r SourceReport, err error) SourceReport {
	logger.Error("external skills sync failed", "error", err)
	r.Status = StatusFailed
	r.Err = err
	return r
}
