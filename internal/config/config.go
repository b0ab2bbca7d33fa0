package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/pilotsync/internal/version"
)

// Default values.
const (
	DefaultRawBaseURL   = "https://raw.githubusercontent.com/changoo89/claude-pilot/main"
	DefaultGitHubAPIURL = "https://api.github.com"
	DefaultPackageName  = "claude-pilot"
	DefaultTimeout      = 30 * time.Second
	DefaultStrategy     = "auto"
)

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config represents the complete pilotsync configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Update  UpdateConfig  `yaml:"update"`
	Package PackageConfig `yaml:"package"`
}

// RemoteConfig configures the upstream endpoints
type RemoteConfig struct {
	RawBaseURL      string          `yaml:"raw_base_url"`
	PackageIndexURL string          `yaml:"package_index_url"`
	GitHubAPIURL    string          `yaml:"github_api_url"`
	VersionChannel  version.Channel `yaml:"version_channel"`
	Timeout         time.Duration   `yaml:"timeout"`
}

// UpdateConfig configures update behavior
type UpdateConfig struct {
	Strategy string `yaml:"strategy"`
}

// PackageConfig configures the package self-upgrade
type PackageConfig struct {
	Name           string   `yaml:"name"`
	UpgradeCommand []string `yaml:"upgrade_command"`
}

// DefaultPath returns $XDG_CONFIG_HOME/pilotsync/config.yaml
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "pilotsync", "config.yaml")
}

// Default returns the configuration used when no file exists
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadOptional is Load, except that a missing file yields Default().
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.RawBaseURL = os.ExpandEnv(c.Remote.RawBaseURL)
	c.Remote.PackageIndexURL = os.ExpandEnv(c.Remote.PackageIndexURL)
	c.Remote.GitHubAPIURL = os.ExpandEnv(c.Remote.GitHubAPIURL)
	c.Update.Strategy = os.ExpandEnv(c.Update.Strategy)
	c.Package.Name = os.ExpandEnv(c.Package.Name)
	for i, arg := range c.Package.UpgradeCommand {
		c.Package.UpgradeCommand[i] = os.ExpandEnv(arg)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.RawBaseURL == "" {
		c.Remote.RawBaseURL = DefaultRawBaseURL
	}
	if c.Remote.GitHubAPIURL == "" {
		c.Remote.GitHubAPIURL = DefaultGitHubAPIURL
	}
	if c.Remote.VersionChannel == "" {
		c.Remote.VersionChannel = version.ChannelPackageIndex
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultTimeout
	}
	if c.Update.Strategy == "" {
		c.Update.Strategy = DefaultStrategy
	}
	if c.Package.Name == "" {
		c.Package.Name = DefaultPackageName
	}
	if c.Remote.PackageIndexURL == "" {
		c.Remote.PackageIndexURL = fmt.Sprintf("https://pypi.org/pypi/%s/json", c.Package.Name)
	}
	if len(c.Package.UpgradeCommand) == 0 {
		c.Package.UpgradeCommand = []string{"pip", "install", "--upgrade", c.Package.Name}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for name, u := range map[string]string{
		"remote.raw_base_url":      c.Remote.RawBaseURL,
		"remote.package_index_url": c.Remote.PackageIndexURL,
		"remote.github_api_url":    c.Remote.GitHubAPIURL,
	} {
		if err := validateURL(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch c.Remote.VersionChannel {
	case version.ChannelPackageIndex, version.ChannelRaw:
		// valid
	default:
		return fmt.Errorf("invalid remote.version_channel: %s (must be package-index or raw)", c.Remote.VersionChannel)
	}

	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must be positive: %s", c.Remote.Timeout)
	}

	switch strings.ToLower(c.Update.Strategy) {
	case "auto", "manual":
		// valid
	default:
		return fmt.Errorf("invalid update.strategy: %s (must be auto or manual)", c.Update.Strategy)
	}

	if !packageNamePattern.MatchString(c.Package.Name) {
		return fmt.Errorf("invalid package.name: %q", c.Package.Name)
	}
	if len(c.Package.UpgradeCommand) == 0 || strings.TrimSpace(c.Package.UpgradeCommand[0]) == "" {
		return fmt.Errorf("package.upgrade_command must name a program")
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) URL: %s", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host: %s", raw)
	}
	return nil
}
