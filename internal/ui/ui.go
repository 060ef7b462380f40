// Package ui styles human-readable CLI output. Color is used only when the
// stream is a terminal and NO_COLOR is unset.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var (
	errWriter io.Writer = os.Stderr
	color               = detectColor(os.Stdout)
)

func detectColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorEnabled overrides color detection (for testing).
func SetColorEnabled(enabled bool) {
	color = enabled
}

// SetErrWriter redirects Warnf (for testing). Nil restores stderr.
func SetErrWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	errWriter = w
}

func ansi(code, s string) string {
	if !color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Style helpers wrap s in ANSI codes when color is enabled.
func Bold(s string) string   { return ansi("1", s) }
func Dim(s string) string    { return ansi("2", s) }
func Green(s string) string  { return ansi("32", s) }
func Red(s string) string    { return ansi("31", s) }
func Yellow(s string) string { return ansi("33", s) }

// OKTag, FailTag and WarnTag mark check results, as in "[ok] hash chain".
func OKTag() string   { return Green("[ok]") }
func FailTag() string { return Red("[FAIL]") }
func WarnTag() string { return Yellow("[warn]") }

// Section writes a bold title with an underline.
func Section(w io.Writer, title string) {
	fmt.Fprintln(w, Bold(title))
	fmt.Fprintln(w, Dim(strings.Repeat("-", len(title))))
}

// Warnf prints a user-facing warning to stderr.
func Warnf(format string, args ...any) {
	fmt.Fprintf(errWriter, "%s %s\n", Yellow("Warning:"), fmt.Sprintf(format, args...))
}
