// Package fault defines the error taxonomy shared by the login orchestrator.
//
// Every error that should be rendered as a specific message to an end user
// carries a Kind. Errors without a Kind are internal failures.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an orchestrator error.
type Kind int

const (
	KindUnknown Kind = iota
	// EngineUnavailable means no container engine socket answered a ping.
	EngineUnavailable
	// ContainerMissing means no candidate container exists or is usable.
	ContainerMissing
	// ContainerRestarting means the target container stayed in "restarting".
	ContainerRestarting
	// InvalidInput means a phone, code, password or key failed validation.
	InvalidInput
	// InvalidChallenge means the code hash was absent, stale or mismatched.
	InvalidChallenge
	// FloodWait means the messaging network asked us to back off.
	FloodWait
	// MalformedOutput means the helper produced no parsable JSON.
	MalformedOutput
	// Timeout means a step exceeded its wall-clock bound.
	Timeout
	// RateLimited means the local per-user limiter rejected the request.
	RateLimited
	// HelperFailed means the helper ran and reported failure.
	HelperFailed
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	EngineUnavailable:   "engine_unavailable",
	ContainerMissing:    "container_missing",
	ContainerRestarting: "container_restarting",
	InvalidInput:        "invalid_input",
	InvalidChallenge:    "invalid_challenge",
	FloodWait:           "flood_wait",
	MalformedOutput:     "malformed_output",
	Timeout:             "timeout",
	RateLimited:         "rate_limited",
	HelperFailed:        "helper_failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified orchestrator error.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set for FloodWait and RateLimited.
	RetryAfter time.Duration
	// Excerpt holds the head of raw helper output for MalformedOutput.
	Excerpt string
	// States maps unusable candidate names to their state for ContainerMissing.
	States map[string]string

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

// Retryable reports whether a caller may retry after a short delay.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ContainerMissing, ContainerRestarting:
		return true
	}
	return false
}
