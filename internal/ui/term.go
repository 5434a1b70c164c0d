// File: internal/ui/term.go
// Brief: Terminal detection helpers for console output.

package ui

import (
	"io"
	"os"

	"golang.org/x/term"
)

type fdProvider interface {
	Fd() uintptr
}

// TerminalWidth returns the column count of w when it is a terminal.
func TerminalWidth(w io.Writer) (int, bool) {
	if v, ok := w.(fdProvider); ok {
		if cols, _, err := term.GetSize(int(v.Fd())); err == nil && cols > 0 {
			return cols, true
		}
	}
	return 0, false
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	v, ok := w.(fdProvider)
	return ok && term.IsTerminal(int(v.Fd()))
}

// ColorEnabled decides whether to emit ANSI colors on w. NO_COLOR and
// disabled always win.
func ColorEnabled(w io.Writer, disabled bool) bool {
	if disabled || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return IsTerminal(w)
}
