// Package secrets resolves credential references such as the Telegram API
// hash. A reference is "scheme://..."; any other value is used literally.
//
//	env://TG_API_HASH
//	keyring://tglogin/api-hash
//	awssm://eu-west-1/prod/tglogin#api_hash
package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Resolver resolves references of one scheme.
type Resolver interface {
	// Scheme returns the URI scheme this resolver handles, e.g. "env".
	Scheme() string

	// Resolve fetches the secret for the full reference.
	Resolve(ctx context.Context, reference string) (string, error)
}

var (
	resolvers = make(map[string]Resolver)
	mu        sync.RWMutex
)

// Register adds r to the registry, replacing any resolver for its scheme.
func Register(r Resolver) {
	mu.Lock()
	defer mu.Unlock()
	resolvers[r.Scheme()] = r
}

// Schemes returns the registered schemes, sorted.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(resolvers))
	for s := range resolvers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsReference reports whether value names a secret rather than holding one.
func IsReference(value string) bool {
	return parseScheme(value) != ""
}

// Resolve returns the secret named by reference, or reference itself when
// it has no scheme.
func Resolve(ctx context.Context, reference string) (string, error) {
	scheme := parseScheme(reference)
	if scheme == "" {
		return reference, nil
	}

	mu.RLock()
	r, ok := resolvers[scheme]
	mu.RUnlock()
	if !ok {
		return "", &UnsupportedSchemeError{Scheme: scheme, Known: Schemes()}
	}
	return r.Resolve(ctx, reference)
}

// ResolveAll resolves every value of refs in key order. The first failure
// is returned wrapped with its key.
func ResolveAll(ctx context.Context, refs map[string]string) (map[string]string, error) {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(refs))
	for _, name := range names {
		v, err := Resolve(ctx, refs[name])
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// parseScheme extracts "env" from "env://NAME".
func parseScheme(ref string) string {
	idx := strings.Index(ref, "://")
	if idx < 1 {
		return ""
	}
	scheme := ref[:idx]
	for _, c := range scheme {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return ""
		}
	}
	return scheme
}

// clearRegistry removes all registered resolvers. For testing only.
func clearRegistry() {
	mu.Lock()
	defer mu.Unlock()
	resolvers = make(map[string]Resolver)
}
