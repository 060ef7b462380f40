package executor

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/majorcontext/tglogin/internal/fault"
)

// ExcerptLen is how much raw output a MalformedOutput error carries.
const ExcerptLen = 500

var greedyObject = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON finds the JSON object in a command's output. It reads stdout,
// or stderr when stdout is empty, and tries in order:
//
//  1. the greedy match from the first '{' to the last '}' across lines,
//  2. the slice between the first '{' and the last '}',
//  3. a brace-counting scan from a '{' to its matching '}'.
//
// The first candidate that is valid JSON wins. When none is, the error is
// fault.MalformedOutput carrying the head of the raw output.
func ExtractJSON(r Result) (json.RawMessage, error) {
	src := r.Stdout
	if len(bytes.TrimSpace(src)) == 0 {
		src = r.Stderr
	}

	if m := greedyObject.Find(src); m != nil && json.Valid(m) {
		return json.RawMessage(m), nil
	}

	first := bytes.IndexByte(src, '{')
	last := bytes.LastIndexByte(src, '}')
	if first >= 0 && last > first {
		if s := src[first : last+1]; json.Valid(s) {
			return json.RawMessage(s), nil
		}
	}

	// Retry from each later '{' so a stray brace in a leading log line
	// does not hide the payload.
	for start := first; start >= 0; {
		if end := matchBrace(src[start:]); end > 0 {
			if s := src[start : start+end]; json.Valid(s) {
				return json.RawMessage(s), nil
			}
		}
		next := bytes.IndexByte(src[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}

	return nil, malformed(r, src)
}

// matchBrace returns the length of the object starting at b[0], counting
// braces outside of JSON strings. It returns 0 when the object never closes.
func matchBrace(b []byte) int {
	depth := 0
	inString := false
	escaped := false
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return 0
}

func malformed(r Result, src []byte) error {
	raw := src
	if len(raw) == 0 {
		raw = append(append([]byte(nil), r.Stdout...), r.Stderr...)
	}
	if len(raw) > ExcerptLen {
		raw = raw[:ExcerptLen]
	}
	e := fault.New(fault.MalformedOutput, "helper output contained no JSON object (exit code %d)", r.ExitCode)
	e.Excerpt = string(raw)
	return e
}

// Decode extracts the JSON object from r and unmarshals it into v.
func Decode(r Result, v any) error {
	raw, err := ExtractJSON(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		e := fault.New(fault.MalformedOutput, "decoding helper output: %v", err)
		e.Excerpt = string(raw[:min(len(raw), ExcerptLen)])
		e.Err = err
		return e
	}
	return nil
}
