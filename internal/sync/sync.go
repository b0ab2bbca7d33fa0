// Package sync downloads the managed files listed in the manifest and writes
// them below the target root, one entry at a time.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/pilotsync/internal/fsutil"
	"github.com/schaermu/pilotsync/internal/manifest"
)

// Guard errors attached to rejected plan entries.
var (
	ErrUserOwned    = errors.New("path is user-owned")
	ErrReservedPath = errors.New("path is reserved for the version marker")
)

// Fetcher downloads a managed file by its remote path
type Fetcher interface {
	Fetch(ctx context.Context, relPath string) ([]byte, error)
}

// Engine writes managed files
type Engine struct {
	manifest *manifest.Manifest
	fetcher  Fetcher
	logger   *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(m *manifest.Manifest, fetcher Fetcher, logger *slog.Logger) *Engine {
	return &Engine{
		manifest: m,
		fetcher:  fetcher,
		logger:   logger,
	}
}

// SyncAll downloads every managed entry and writes it below root. A failing
// entry is counted and the loop continues; only cancellation stops it early,
// in which case the remaining entries are counted as failed.
func (e *Engine) SyncAll(ctx context.Context, root string) Result {
	var res Result

	plan := e.BuildPlan(root)
	e.logger.Info("sync plan", "write", len(plan.Write), "rejected", len(plan.Rejected))

	for _, op := range plan.Rejected {
		e.logger.Warn("refusing to write managed file", "path", op.Local, "error", op.Reason)
		res.Failed++
		res.Errors = append(res.Errors, FileError{Local: op.Local, Err: op.Reason})
	}

	for i, op := range plan.Write {
		if err := ctx.Err(); err != nil {
			for _, rest := range plan.Write[i:] {
				res.Failed++
				res.Errors = append(res.Errors, FileError{Local: rest.Local, Err: err})
			}
			e.logger.Warn("sync interrupted", "remaining", len(plan.Write)-i, "error", err)
			break
		}

		unchanged, err := e.applyOp(ctx, op)
		if err != nil {
			e.logger.Warn("failed to update managed file", "path", op.Local, "error", err)
			res.Failed++
			res.Errors = append(res.Errors, FileError{Local: op.Local, Err: err})
			continue
		}

		res.Succeeded++
		if unchanged {
			e.logger.Debug("managed file unchanged", "path", op.Local)
			res.Unchanged = append(res.Unchanged, op.Local)
		} else {
			e.logger.Info("updated managed file", "path", op.Local)
			res.Written = append(res.Written, op.Local)
		}
	}

	e.logger.Info("managed files synced", "succeeded", res.Succeeded, "failed", res.Failed)
	return res
}

// BuildPlan resolves every managed entry against root and applies the
// user-owned, containment and reserved-path guards.
func (e *Engine) BuildPlan(root string) *Plan {
	plan := &Plan{
		Write:    make([]FileOp, 0, len(e.manifest.ManagedFiles)),
		Rejected: make([]FileOp, 0),
	}

	marker := manifest.Normalize(e.manifest.VersionFile)
	for _, entry := range e.manifest.ManagedFiles {
		op := FileOp{Remote: entry.Remote, Local: entry.Local}
		local := manifest.Normalize(entry.Local)

		switch {
		case e.manifest.IsUserOwned(local):
			op.Reason = ErrUserOwned
		case local == marker:
			op.Reason = ErrReservedPath
		default:
			dest, err := fsutil.ResolveWithin(root, filepath.FromSlash(local))
			if err != nil {
				op.Reason = err
			} else {
				op.DestPath = dest
			}
		}

		if op.Reason != nil {
			plan.Rejected = append(plan.Rejected, op)
			continue
		}
		plan.Write = append(plan.Write, op)
	}

	return plan
}

// applyOp downloads one entry and writes it verbatim. Content identical to
// the file on disk is not rewritten.
func (e *Engine) applyOp(ctx context.Context, op FileOp) (unchanged bool, err error) {
	data, err := e.fetcher.Fetch(ctx, op.Remote)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", op.Remote, err)
	}

	if existing, err := fileHash(op.DestPath); err == nil && existing == contentHash(data) {
		return true, nil
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(op.DestPath); err == nil {
		perm = info.Mode().Perm()
	} else if filepath.Ext(op.DestPath) == ".sh" {
		perm = 0755
	}

	if err := fsutil.WriteFileAtomic(op.DestPath, data, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", op.Local, err)
	}
	return false, nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
