// Package fsutil holds the filesystem primitives shared by the sync, backup
// and extraction paths: root containment checks, atomic writes and tree copies.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a relative path resolves outside its root.
var ErrOutsideRoot = errors.New("path escapes root")

// ResolveWithin joins rel onto root and verifies the result stays inside root.
// Absolute paths and ".." escapes are rejected.
func ResolveWithin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideRoot, rel)
	}

	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, rel)

	relToRoot, err := filepath.Rel(cleanRoot, joined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutsideRoot, err)
	}
	if relToRoot == "." || relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}

	return joined, nil
}

// WriteFileAtomic writes data to dst through a temp file in the destination
// directory followed by a rename. Parent directories are created as needed.
func WriteFileAtomic(dst string, data []byte, perm fs.FileMode) error {
	return writeAtomic(dst, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// CopyFileAtomic copies src to dst with an atomic replace, keeping the source mode.
func CopyFileAtomic(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	return writeAtomic(dst, srcInfo.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, srcFile)
		return err
	})
}

// WriteStreamAtomic writes everything read from r to dst with an atomic replace.
func WriteStreamAtomic(dst string, r io.Reader, perm fs.FileMode) error {
	return writeAtomic(dst, perm, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

func writeAtomic(dst string, perm fs.FileMode, fill func(io.Writer) error) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".pilotsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if err := fill(tmpFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// CopyTree copies the regular files and directories below src into dst.
// Symlinks and other special files are not followed and are reported back
// as skipped relative paths. dst must not exist yet.
func CopyTree(src, dst string) (copied int, skipped []string, err error) {
	if _, err := os.Lstat(dst); err == nil {
		return 0, nil, fmt.Errorf("destination already exists: %s", dst)
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			if err := CopyFileAtomic(path, target); err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
			copied++
			return nil
		default:
			skipped = append(skipped, rel)
			return nil
		}
	})

	return copied, skipped, err
}

// Exists reports whether path exists without following a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
