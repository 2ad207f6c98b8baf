// Package formatter renders the sanitizer's diagnostics with ANSI escape
// codes when the output is a terminal.
package formatter

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Style selects one ANSI rendition.
type Style int

const (
	Bold Style = iota
	Italic
	Underlined
	Greyed
	Red
	Green
	Amber
	Blue
	Magenta
)

var codes = map[Style]struct{ set, clear string }{
	Bold:       {"\033[1m", "\033[22m"},
	Italic:     {"\033[3m", "\033[23m"},
	Underlined: {"\033[4m", "\033[24m"},
	Greyed:     {"\033[90m", "\033[39m"},
	Red:        {"\033[31m", "\033[39m"},
	Green:      {"\033[32m", "\033[39m"},
	Amber:      {"\033[33m", "\033[39m"},
	Blue:       {"\033[34m", "\033[39m"},
	Magenta:    {"\033[95m", "\033[39m"},
}

// Formatter applies styles when enabled and is transparent otherwise.
type Formatter struct {
	enabled bool
}

// New creates a formatter. When override is non-nil it wins; otherwise
// formatting is enabled iff standard error is a terminal.
func New(override *bool) *Formatter {
	if override != nil {
		return &Formatter{enabled: *override}
	}
	return &Formatter{enabled: IsATTY(os.Stderr)}
}

// Enabled reports whether styles are applied.
func (f *Formatter) Enabled() bool {
	return f.enabled
}

// Format wraps text in the given styles.
func (f *Formatter) Format(text string, styles ...Style) string {
	if !f.enabled || len(styles) == 0 {
		return text
	}
	var sb strings.Builder
	for _, s := range styles {
		sb.WriteString(codes[s].set)
	}
	sb.WriteString(text)
	for i := len(styles) - 1; i >= 0; i-- {
		sb.WriteString(codes[styles[i]].clear)
	}
	return sb.String()
}

// Clear returns the terminating sequence of a style.
func (f *Formatter) Clear(style Style) string {
	if !f.enabled {
		return ""
	}
	return codes[style].clear
}

// Set returns the starting sequence of a style.
func (f *Formatter) Set(style Style) string {
	if !f.enabled {
		return ""
	}
	return codes[style].set
}

// IsATTY reports whether the file is connected to a terminal.
func IsATTY(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
