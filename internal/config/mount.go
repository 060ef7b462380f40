package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/majorcontext/tglogin/internal/engine"
)

// ParseMount parses a mount string like "/srv/data:/data:ro".
func ParseMount(s string) (engine.Bind, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return engine.Bind{}, fmt.Errorf("invalid mount: %s (expected source:target[:ro])", s)
	}
	b := engine.Bind{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			b.ReadOnly = true
		case "rw":
		default:
			return engine.Bind{}, fmt.Errorf("invalid mount mode %q in %s (expected ro or rw)", parts[2], s)
		}
	}
	if !filepath.IsAbs(b.Target) {
		return engine.Bind{}, fmt.Errorf("invalid mount: %s (target must be absolute)", s)
	}
	return b, nil
}
