// Package pkgmgr upgrades the installed claude-pilot package through the
// system package manager.
package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultCommand upgrades claude-pilot with pip.
var DefaultCommand = []string{"pip", "install", "--upgrade", "claude-pilot"}

// Upgrader upgrades the installed package
type Upgrader interface {
	// Upgrade runs the package manager upgrade
	Upgrade(ctx context.Context) error
	// IsAvailable checks if the package manager can be executed
	IsAvailable(ctx context.Context) (bool, error)
}

// CommandUpgrader implements Upgrader by running a fixed argv
type CommandUpgrader struct {
	argv []string
}

// NewCommandUpgrader creates an upgrader for argv; an empty argv uses
// DefaultCommand.
func NewCommandUpgrader(argv []string) *CommandUpgrader {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	return &CommandUpgrader{argv: append([]string(nil), argv...)}
}

// Command returns the argv that Upgrade runs
func (c *CommandUpgrader) Command() []string {
	return append([]string(nil), c.argv...)
}

// Upgrade runs the command and returns its combined output on failure.
func (c *CommandUpgrader) Upgrade(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", strings.Join(c.argv, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// IsAvailable checks that the command binary is on PATH
func (c *CommandUpgrader) IsAvailable(_ context.Context) (bool, error) {
	if _, err := exec.LookPath(c.argv[0]); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%s not available: %w", c.argv[0], err)
	}
	return true, nil
}
