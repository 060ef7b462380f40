// Package doctor runs diagnostic checks and prints a report.
package doctor

import (
	"context"
	"fmt"
	"io"

	"github.com/majorcontext/tglogin/internal/ui"
)

// Level grades a check result.
type Level int

const (
	OK Level = iota
	Warn
	Fail
)

// Check is one diagnostic result.
type Check struct {
	Level  Level  `json:"level"`
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

func (l Level) String() string {
	switch l {
	case OK:
		return "ok"
	case Warn:
		return "warn"
	}
	return "fail"
}

// MarshalText renders the level as its name in JSON output.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Section is a group of related checks.
type Section interface {
	// Name returns the section title (e.g., "Container Engine").
	Name() string
	Run(ctx context.Context) []Check
}

// Registry holds sections in registration order.
type Registry struct {
	sections []Section
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a section.
func (r *Registry) Register(s Section) {
	r.sections = append(r.sections, s)
}

// Sections returns all registered sections.
func (r *Registry) Sections() []Section {
	return r.sections
}

// Result is the outcome of one section.
type Result struct {
	Section string  `json:"section"`
	Checks  []Check `json:"checks"`
}

// Run executes every section in order.
func (r *Registry) Run(ctx context.Context) []Result {
	out := make([]Result, 0, len(r.sections))
	for _, s := range r.sections {
		out = append(out, Result{Section: s.Name(), Checks: s.Run(ctx)})
	}
	return out
}

// Failures counts failed checks.
func Failures(results []Result) int {
	n := 0
	for _, r := range results {
		for _, c := range r.Checks {
			if c.Level == Fail {
				n++
			}
		}
	}
	return n
}

// Print writes results as a human-readable report.
func Print(w io.Writer, results []Result) {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		ui.Section(w, r.Section)
		for _, c := range r.Checks {
			tag := ui.OKTag()
			switch c.Level {
			case Warn:
				tag = ui.WarnTag()
			case Fail:
				tag = ui.FailTag()
			}
			if c.Detail == "" {
				fmt.Fprintf(w, "  %s %s\n", tag, c.Name)
				continue
			}
			fmt.Fprintf(w, "  %s %s: %s\n", tag, c.Name, c.Detail)
		}
	}
}
