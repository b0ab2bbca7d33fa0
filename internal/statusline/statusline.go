// Package statusline registers the managed status-line script in the Claude
// settings file.
package statusline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/pilotsync/internal/fsutil"
)

// Paths relative to the target root.
const (
	ScriptPath   = ".claude/scripts/statusline.sh"
	SettingsPath = ".claude/settings.json"
)

// Command is the statusLine command written into the settings.
const Command = "bash " + ScriptPath

var (
	// ErrScriptMissing is returned when the managed script has not been installed yet.
	ErrScriptMissing = errors.New("status line script not found")
	// ErrInvalidSettings is returned when the settings file is not a JSON object.
	ErrInvalidSettings = errors.New("settings file is not a JSON object")
)

type statusLine struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Apply marks the status-line script executable and points statusLine in the
// settings file at it. Other settings keys are preserved.
func Apply(root string) error {
	script := filepath.Join(root, filepath.FromSlash(ScriptPath))
	info, err := os.Stat(script)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s (run update first)", ErrScriptMissing, ScriptPath)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrScriptMissing, ScriptPath)
	}

	settingsFile := filepath.Join(root, filepath.FromSlash(SettingsPath))
	settings, err := readSettings(settingsFile)
	if err != nil {
		return err
	}

	entry, err := json.Marshal(statusLine{Type: "command", Command: Command})
	if err != nil {
		return err
	}
	settings["statusLine"] = entry

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.Chmod(script, info.Mode().Perm()|0111); err != nil {
		return fmt.Errorf("failed to make %s executable: %w", ScriptPath, err)
	}

	if err := fsutil.WriteFileAtomic(settingsFile, buf.Bytes(), settingsMode(settingsFile)); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// readSettings returns the top-level settings object; a missing file is empty.
func readSettings(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	var settings map[string]json.RawMessage
	if err := json.Unmarshal(data, &settings); err != nil || settings == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSettings, SettingsPath)
	}
	return settings, nil
}

func settingsMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0644
}
