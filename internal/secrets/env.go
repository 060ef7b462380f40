package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvResolver reads secrets from the process environment: env://NAME.
type EnvResolver struct {
	// Lookup replaces os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (r *EnvResolver) Scheme() string { return "env" }

func (r *EnvResolver) Resolve(_ context.Context, reference string) (string, error) {
	name := strings.TrimPrefix(reference, "env://")
	if name == "" || strings.ContainsAny(name, "/= ") {
		return "", &InvalidReferenceError{Reference: reference, Reason: "expected env://NAME"}
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || v == "" {
		return "", &NotFoundError{Reference: reference, Backend: "environment"}
	}
	return v, nil
}

func init() {
	Register(&EnvResolver{})
}
