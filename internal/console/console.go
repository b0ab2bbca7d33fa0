// Package console prints the user-facing status lines of the CLI. Logs go
// through slog on stderr; these lines are the human summary on stdout.
package console

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	cGreen  = lipgloss.Color("2")
	cBlue   = lipgloss.Color("4")
	cYellow = lipgloss.Color("3")
	cRed    = lipgloss.Color("1")
)

// Printer writes styled status lines. Colors are dropped automatically when
// the writer is not a terminal.
type Printer struct {
	out io.Writer
	err io.Writer

	success lipgloss.Style
	info    lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
}

// NewPrinter creates a printer writing normal lines to out and errors to errOut.
func NewPrinter(out, errOut io.Writer) *Printer {
	outR := lipgloss.NewRenderer(out)
	errR := lipgloss.NewRenderer(errOut)
	return &Printer{
		out:     out,
		err:     errOut,
		success: outR.NewStyle().Foreground(cGreen),
		info:    outR.NewStyle().Foreground(cBlue),
		warn:    outR.NewStyle().Foreground(cYellow),
		fail:    errR.NewStyle().Foreground(cRed).Bold(true),
	}
}

// Success prints a "✓" line.
func (p *Printer) Success(format string, args ...any) {
	p.line(p.out, p.success, "✓ "+format, args...)
}

// Info prints an "i" line.
func (p *Printer) Info(format string, args ...any) {
	p.line(p.out, p.info, "i "+format, args...)
}

// Warn prints a "!" line.
func (p *Printer) Warn(format string, args ...any) {
	p.line(p.out, p.warn, "! "+format, args...)
}

// Error prints an "Error:" line to the error writer.
func (p *Printer) Error(format string, args ...any) {
	p.line(p.err, p.fail, "Error: "+format, args...)
}

// Item prints an unstyled, indented list entry.
func (p *Printer) Item(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, "  - "+format+"\n", args...)
}

// Plain prints an unstyled line.
func (p *Printer) Plain(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *Printer) line(w io.Writer, style lipgloss.Style, format string, args ...any) {
	_, _ = fmt.Fprintln(w, style.Render(fmt.Sprintf(format, args...)))
}
