// Package extract unpacks GitHub snapshot tarballs into a destination
// directory. Only regular files and directories below a chosen subpath are
// materialized; links, special files and anything resolving outside the
// destination are rejected and reported.
package extract

import (
	"archive/tar"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/pilotsync/internal/fsutil"
)

// MaxMemberSize bounds a single extracted file.
const MaxMemberSize = 64 << 20

var (
	// ErrCorruptArchive is returned for input that is not a readable gzip+tar stream.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrNoValidMembers is returned when no regular file was extracted.
	ErrNoValidMembers = errors.New("archive contains no valid members")
)

// Reason classifies why a member was skipped
type Reason string

const (
	ReasonTraversal   Reason = "traversal"
	ReasonLink        Reason = "link"
	ReasonUnsupported Reason = "unsupported"
	ReasonTooLarge    Reason = "too_large"
	// ReasonConflict marks a member that collides with an existing entry of
	// another type in the destination.
	ReasonConflict Reason = "conflict"
)

// Rejection records a member that was not extracted
type Rejection struct {
	Name   string
	Reason Reason
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.Reason)
}

// Result lists what an extraction produced. Extracted holds slash-separated
// paths relative to the destination root.
type Result struct {
	Extracted []string
	Skipped   []Rejection
}

// Extract unpacks the gzip-compressed tar at archivePath into destRoot. The
// first path component of every member is stripped, then only members below
// subpath are kept, with subpath stripped as well. An empty subpath keeps
// everything.
func Extract(archivePath, subpath, destRoot string) (Result, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ExtractReader(f, subpath, destRoot)
}

// ExtractReader is Extract for an already opened stream.
func ExtractReader(r io.Reader, subpath, destRoot string) (Result, error) {
	var res Result

	prefix, err := splitSubpath(subpath)
	if err != nil {
		return res, err
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer func() { _ = gz.Close() }()

	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return res, fmt.Errorf("failed to create destination: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return res, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}

		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		rel, ok, rejected := memberPath(hdr.Name, prefix)
		if rejected {
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonTraversal})
			continue
		}
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonLink})
			continue
		case tar.TypeReg, tar.TypeDir:
		default:
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonUnsupported})
			continue
		}

		target, err := fsutil.ResolveWithin(destRoot, filepath.FromSlash(rel))
		if err != nil {
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonTraversal})
			continue
		}

		if linked, err := hasSymlinkParent(destRoot, rel, hdr.Typeflag == tar.TypeDir); err != nil {
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonConflict})
			continue
		} else if linked {
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonLink})
			continue
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, 0755); err != nil {
				res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonConflict})
			}
			continue
		}

		if hdr.Size > MaxMemberSize {
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonTooLarge})
			continue
		}

		perm := os.FileMode(0644)
		if hdr.Mode&0111 != 0 {
			perm = 0755
		}

		if err := fsutil.WriteStreamAtomic(target, io.LimitReader(tr, hdr.Size), perm); err != nil {
			if isStreamError(err) {
				return res, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, hdr.Name, err)
			}
			res.Skipped = append(res.Skipped, Rejection{Name: hdr.Name, Reason: ReasonConflict})
			continue
		}
		res.Extracted = append(res.Extracted, rel)
	}

	if len(res.Extracted) == 0 {
		return res, ErrNoValidMembers
	}
	return res, nil
}

func splitSubpath(subpath string) ([]string, error) {
	subpath = strings.Trim(filepath.ToSlash(subpath), "/")
	if subpath == "" || subpath == "." {
		return nil, nil
	}
	parts := strings.Split(path.Clean(subpath), "/")
	for _, p := range parts {
		if p == ".." {
			return nil, fmt.Errorf("invalid subpath %q", subpath)
		}
	}
	return parts, nil
}

// memberPath strips the snapshot root and the subpath prefix from name.
// ok is false for members outside the subpath or equal to it. rejected is
// true for names that are absolute or climb out with "..".
func memberPath(name string, prefix []string) (rel string, ok bool, rejected bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || hasDrive(name) {
		return "", false, true
	}

	parts := make([]string, 0, 8)
	for _, p := range strings.Split(name, "/") {
		if p == "" || p == "." {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) <= 1 {
		return "", false, false
	}
	parts = parts[1:]

	if len(parts) < len(prefix) {
		return "", false, false
	}
	for i, p := range prefix {
		if parts[i] != p {
			return "", false, false
		}
	}
	parts = parts[len(prefix):]
	if len(parts) == 0 {
		return "", false, false
	}

	for _, p := range parts {
		if p == ".." {
			return "", false, true
		}
	}
	return strings.Join(parts, "/"), true, false
}

func hasDrive(name string) bool {
	return len(name) >= 2 && name[1] == ':' && ((name[0] >= 'a' && name[0] <= 'z') || (name[0] >= 'A' && name[0] <= 'Z'))
}

// hasSymlinkParent reports whether any existing component between root and
// rel is a symlink. For files the final component is excluded since the
// atomic rename replaces it instead of writing through it.
func hasSymlinkParent(root, rel string, includeLast bool) (bool, error) {
	parts := strings.Split(rel, "/")
	if !includeLast {
		parts = parts[:len(parts)-1]
	}
	current := root
	for _, p := range parts {
		current = filepath.Join(current, p)
		info, err := os.Lstat(current)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to inspect %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

func isStreamError(err error) bool {
	var corrupt flate.CorruptInputError
	if errors.As(err, &corrupt) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) || errors.Is(err, tar.ErrHeader)
}
