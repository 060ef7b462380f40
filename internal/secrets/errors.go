package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound matches every *NotFoundError with errors.Is.
var ErrNotFound = errors.New("secret not found")

// UnsupportedSchemeError is returned for a reference whose scheme has no
// registered resolver.
type UnsupportedSchemeError struct {
	Scheme string
	// Known lists the registered schemes, sorted.
	Known []string
}

func (e *UnsupportedSchemeError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unsupported secret scheme %q", e.Scheme)
	}
	return fmt.Sprintf("unsupported secret scheme %q (use one of: %s)", e.Scheme, strings.Join(e.Known, ", "))
}

// InvalidReferenceError is a reference its resolver cannot parse.
type InvalidReferenceError struct {
	Reference string
	Reason    string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid secret reference %q: %s", e.Reference, e.Reason)
}

// NotFoundError means the backend answered but holds no such secret.
type NotFoundError struct {
	Reference string
	Backend   string
}

func (e *NotFoundError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("no secret at %s", e.Reference)
	}
	return fmt.Sprintf("no secret at %s in %s", e.Reference, e.Backend)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// BackendError is a failure to reach or read a backend. Fix, when set, is
// printed under the message as a hint for the operator.
type BackendError struct {
	Backend   string
	Reference string
	Reason    string
	Fix       string
	Err       error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reading %s from %s: %s", e.Reference, e.Backend, e.Reason)
	if e.Fix != "" {
		b.WriteString("\n\n  ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }
