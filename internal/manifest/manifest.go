// Package manifest describes which files pilotsync manages, which it must
// never touch and where external skills come from. The tables are embedded at
// build time and are not configurable at runtime.
package manifest

import (
	_ "embed"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/pilotsync/internal/fsutil"
)

//go:embed manifest.yaml
var embedded []byte

// Entry maps a remote path on the raw-file host to a path below the target root
type Entry struct {
	Remote string `yaml:"remote"`
	Local  string `yaml:"local"`
}

// ExternalSource is a GitHub repository whose skills directory is mirrored locally
type ExternalSource struct {
	Name        string `yaml:"name"`
	Repo        string `yaml:"repo"`
	Branch      string `yaml:"branch"`
	SkillsPath  string `yaml:"skills_path"`
	VersionFile string `yaml:"version_file"`
}

// Manifest is the complete set of file tables
type Manifest struct {
	Version         string           `yaml:"version"`
	VersionFile     string           `yaml:"version_file"`
	ManagedRoot     string           `yaml:"managed_root"`
	BackupDir       string           `yaml:"backup_dir"`
	ExternalRoot    string           `yaml:"external_root"`
	ManagedFiles    []Entry          `yaml:"managed_files"`
	UserFiles       []string         `yaml:"user_files"`
	DeprecatedFiles []string         `yaml:"deprecated_files"`
	ExternalSources []ExternalSource `yaml:"external_sources"`
}

var (
	sourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	repoPattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*/[A-Za-z0-9_.-]+$`)
)

var loadDefault = sync.OnceValues(func() (*Manifest, error) {
	return Parse(embedded)
})

// Default returns the manifest compiled into the binary
func Default() (*Manifest, error) {
	return loadDefault()
}

// Parse decodes and validates a manifest document
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Validate checks the tables for entries that could write outside the root or
// collide with reserved paths
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version is required")
	}
	for name, p := range map[string]string{
		"version_file":  m.VersionFile,
		"managed_root":  m.ManagedRoot,
		"backup_dir":    m.BackupDir,
		"external_root": m.ExternalRoot,
	} {
		if err := checkRelative(p); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(m.ManagedFiles))
	for i, e := range m.ManagedFiles {
		if strings.TrimSpace(e.Remote) == "" {
			return fmt.Errorf("managed_files[%d]: remote is required", i)
		}
		if err := checkRelative(e.Local); err != nil {
			return fmt.Errorf("managed_files[%d]: %w", i, err)
		}
		local := Normalize(e.Local)
		if local == Normalize(m.VersionFile) {
			return fmt.Errorf("managed_files[%d]: %s is reserved for the version marker", i, e.Local)
		}
		if m.IsUserOwned(local) {
			return fmt.Errorf("managed_files[%d]: %s is user-owned", i, e.Local)
		}
		if seen[local] {
			return fmt.Errorf("managed_files[%d]: duplicate local path %s", i, e.Local)
		}
		seen[local] = true
	}

	for _, pattern := range m.UserFiles {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("user_files: invalid pattern %q", pattern)
		}
	}

	for i, p := range m.DeprecatedFiles {
		if err := checkRelative(p); err != nil {
			return fmt.Errorf("deprecated_files[%d]: %w", i, err)
		}
	}

	names := make(map[string]bool, len(m.ExternalSources))
	for i, src := range m.ExternalSources {
		if !sourceNamePattern.MatchString(src.Name) {
			return fmt.Errorf("external_sources[%d]: invalid name %q", i, src.Name)
		}
		if names[src.Name] {
			return fmt.Errorf("external_sources[%d]: duplicate name %q", i, src.Name)
		}
		names[src.Name] = true
		if !repoPattern.MatchString(src.Repo) {
			return fmt.Errorf("external_sources[%d]: repo must be owner/name, got %q", i, src.Repo)
		}
		if src.Branch == "" {
			return fmt.Errorf("external_sources[%d]: branch is required", i)
		}
		if err := checkRelative(src.SkillsPath); err != nil {
			return fmt.Errorf("external_sources[%d]: skills_path: %w", i, err)
		}
		if err := checkRelative(src.VersionFile); err != nil {
			return fmt.Errorf("external_sources[%d]: version_file: %w", i, err)
		}
	}

	return nil
}

// IsUserOwned reports whether rel (relative to the target root) falls under a
// user-owned prefix or matches a user-owned glob
func (m *Manifest) IsUserOwned(rel string) bool {
	rel = Normalize(rel)
	for _, pattern := range m.UserFiles {
		if hasMeta(pattern) {
			if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
				return true
			}
			continue
		}
		prefix := Normalize(pattern)
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// Destination returns the directory an external source extracts into
func (m *Manifest) Destination(root string, src ExternalSource) string {
	return filepath.Join(root, filepath.FromSlash(m.ExternalRoot), src.Name)
}

// Normalize cleans a relative path into forward-slash form for comparisons
func Normalize(rel string) string {
	return path.Clean(filepath.ToSlash(rel))
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// checkRelative verifies p is a non-empty relative path that stays inside any root
func checkRelative(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("path is required")
	}
	if _, err := fsutil.ResolveWithin("root", filepath.FromSlash(p)); err != nil {
		return err
	}
	return nil
}
