package login

import (
	"regexp"
	"strings"

	"github.com/majorcontext/tglogin/internal/fault"
)

// shellMeta lists characters that must never reach a container argv, even
// though argv is never parsed by a shell.
const shellMeta = ";|&$(){}<>'\"`\\\r\n\x00"

const maxPasswordLen = 256

// noPassword is the helper's sentinel for "no password supplied".
const noPassword = "None"

var (
	userKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	phonePattern   = regexp.MustCompile(`^\+?[0-9]{2,15}$`)
	codePattern    = regexp.MustCompile(`^[0-9]{1,10}$`)
)

// ContainsShellMeta reports whether s contains a shell metacharacter.
func ContainsShellMeta(s string) bool {
	return strings.ContainsAny(s, shellMeta)
}

// ValidateUserKey checks an opaque user identifier.
func ValidateUserKey(key string) error {
	if !userKeyPattern.MatchString(key) {
		return fault.New(fault.InvalidInput, "invalid user key")
	}
	return nil
}

// NormalizePhone trims surrounding whitespace and validates an E.164-like
// number: an optional leading '+' followed by 2 to 15 digits. Metacharacters
// are rejected before trimming.
func NormalizePhone(phone string) (string, error) {
	if ContainsShellMeta(phone) {
		return "", fault.New(fault.InvalidInput, "phone number contains forbidden characters")
	}
	p := strings.TrimSpace(phone)
	if !phonePattern.MatchString(p) {
		return "", fault.New(fault.InvalidInput, "phone number must be digits with an optional leading +, 2 to 15 digits long")
	}
	return p, nil
}

// ValidateCode checks a one-time login code.
func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return fault.New(fault.InvalidInput, "code must be 1 to 10 digits")
	}
	return nil
}

// ValidatePassword checks a non-empty two-factor password.
func ValidatePassword(password string) error {
	switch {
	case len(password) > maxPasswordLen:
		return fault.New(fault.InvalidInput, "password is longer than %d bytes", maxPasswordLen)
	case ContainsShellMeta(password):
		return fault.New(fault.InvalidInput, "password contains forbidden characters")
	case password == noPassword:
		return fault.New(fault.InvalidInput, "password %q is reserved", noPassword)
	}
	return nil
}

// ValidateCodeHash checks the shape of a challenge token before it is
// compared or placed in an argv.
func ValidateCodeHash(hash string) error {
	if hash == "" || len(hash) > 256 || ContainsShellMeta(hash) || strings.ContainsAny(hash, " \t") {
		return fault.New(fault.InvalidChallenge, "missing or malformed code hash")
	}
	return nil
}
