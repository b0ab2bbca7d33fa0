package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/pilotsync/internal/version"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
remote:
  raw_base_url: "https://mirror.example.com/claude-pilot/main"
  version_channel: "raw"
  timeout: 5s

update:
  strategy: manual

package:
  name: claude-pilot
  upgrade_command: ["pipx", "upgrade", "claude-pilot"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://mirror.example.com/claude-pilot/main", cfg.Remote.RawBaseURL)
	assert.Equal(t, version.ChannelRaw, cfg.Remote.VersionChannel)
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "manual", cfg.Update.Strategy)
	assert.Equal(t, []string{"pipx", "upgrade", "claude-pilot"}, cfg.Package.UpgradeCommand)
	// Unset fields still get defaults
	assert.Equal(t, DefaultGitHubAPIURL, cfg.Remote.GitHubAPIURL)
}

func TestLoad_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadOptional(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRawBaseURL, cfg.Remote.RawBaseURL)
}

func TestLoadOptional_InvalidFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("update:\n  strategy: yolo\n"), 0644))

	_, err := LoadOptional(path)
	assert.Error(t, err)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("remote: [unclosed"))
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultRawBaseURL, cfg.Remote.RawBaseURL)
	assert.Equal(t, "https://pypi.org/pypi/claude-pilot/json", cfg.Remote.PackageIndexURL)
	assert.Equal(t, version.ChannelPackageIndex, cfg.Remote.VersionChannel)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "auto", cfg.Update.Strategy)
	assert.Equal(t, []string{"pip", "install", "--upgrade", "claude-pilot"}, cfg.Package.UpgradeCommand)
	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestApplyDefaults_PackageNameDrivesDerivedFields(t *testing.T) {
	cfg := &Config{Package: PackageConfig{Name: "claude-pilot-nightly"}}
	cfg.applyDefaults()

	assert.Equal(t, "https://pypi.org/pypi/claude-pilot-nightly/json", cfg.Remote.PackageIndexURL)
	require.Len(t, cfg.Package.UpgradeCommand, 4)
	assert.Equal(t, "claude-pilot-nightly", cfg.Package.UpgradeCommand[3])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "manual strategy", mutate: func(c *Config) { c.Update.Strategy = "Manual" }},
		{name: "raw channel", mutate: func(c *Config) { c.Remote.VersionChannel = version.ChannelRaw }},
		{name: "unknown strategy", mutate: func(c *Config) { c.Update.Strategy = "merge" }, wantErr: true},
		{name: "unknown channel", mutate: func(c *Config) { c.Remote.VersionChannel = "git" }, wantErr: true},
		{name: "non-http raw url", mutate: func(c *Config) { c.Remote.RawBaseURL = "file:///tmp/x" }, wantErr: true},
		{name: "relative api url", mutate: func(c *Config) { c.Remote.GitHubAPIURL = "api.github.com" }, wantErr: true},
		{name: "negative timeout", mutate: func(c *Config) { c.Remote.Timeout = -time.Second }, wantErr: true},
		{name: "bad package name", mutate: func(c *Config) { c.Package.Name = "claude pilot; rm -rf" }, wantErr: true},
		{name: "empty program", mutate: func(c *Config) { c.Package.UpgradeCommand = []string{" "} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PILOT_MIRROR", "https://mirror.internal")
	t.Setenv("PILOT_PIP", "/opt/venv/bin/pip")

	cfg, err := Parse([]byte(`
remote:
  raw_base_url: "${PILOT_MIRROR}/main"
package:
  upgrade_command: ["$PILOT_PIP", "install", "-U", "claude-pilot"]
`))
	require.NoError(t, err)

	assert.Equal(t, "https://mirror.internal/main", cfg.Remote.RawBaseURL)
	assert.Equal(t, "/opt/venv/bin/pip", cfg.Package.UpgradeCommand[0])
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, filepath.Join("pilotsync", "config.yaml"),
		filepath.Join(filepath.Base(filepath.Dir(DefaultPath())), filepath.Base(DefaultPath())))
}
