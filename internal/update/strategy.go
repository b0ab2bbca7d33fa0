package update

import (
	"fmt"
	"strings"
)

// Strategy selects how a version change is applied
type Strategy int

const (
	// Auto backs up the managed tree and overwrites managed files.
	Auto Strategy = iota
	// Manual writes a merge guide and leaves managed files alone.
	Manual
)

func (s Strategy) String() string {
	switch s {
	case Auto:
		return "auto"
	case Manual:
		return "manual"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "auto" or "manual"; an empty string is Auto.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "manual":
		return Manual, nil
	default:
		return Auto, fmt.Errorf("invalid strategy %q (must be auto or manual)", s)
	}
}

// Status is the outcome of the version track
type Status string

const (
	StatusAlreadyCurrent Status = "already_current"
	StatusUpdated        Status = "updated"
	StatusFailed         Status = "failed"
)
