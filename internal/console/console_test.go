package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter_PlainWhenNotTerminal(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut)

	p.Success("Updated to version %s", "2.1.5")
	p.Info("Updating from v%s to v%s...", "none", "2.1.5")
	p.Warn("%d files failed", 2)
	p.Item("%s", ".claude/commands/00_plan.md")
	p.Plain("Current version: %s", "2.1.5")
	p.Error("update failed")

	assert.Equal(t, "✓ Updated to version 2.1.5\n"+
		"i Updating from vnone to v2.1.5...\n"+
		"! 2 files failed\n"+
		"  - .claude/commands/00_plan.md\n"+
		"Current version: 2.1.5\n", out.String())
	assert.Equal(t, "Error: update failed\n", errOut.String())
}

func TestPrinter_PercentInArgumentIsNotReinterpreted(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, &out)

	p.Info("%s", "100% done")
	p.Item("%s", "50%d")
	assert.Equal(t, "i 100% done\n  - 50%d\n", out.String())
}
