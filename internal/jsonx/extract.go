// Package jsonx extracts the small JSON payloads the pipeline needs from
// noisy model output: leading prose, fenced code blocks, and single-quoted
// JSON are all tolerated.
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNoObject is returned when no parseable JSON object was found.
	ErrNoObject = errors.New("no JSON object found")
	// ErrNoArray is returned when no parseable JSON array was found.
	ErrNoArray = errors.New("no JSON array found")
)

// ExtractObject finds the first balanced {...} in text that parses as
// JSON and decodes it into v.
func ExtractObject(text string, v any) error {
	for _, candidate := range balancedSpans(text, '{', '}') {
		if tryUnmarshal(candidate, v) {
			return nil
		}
	}
	return ErrNoObject
}

// ExtractStringArray finds the first balanced [...] in text that parses
// as a JSON array and returns its elements coerced to strings; non-string
// elements are skipped.
func ExtractStringArray(text string) ([]string, error) {
	for _, candidate := range balancedSpans(text, '[', ']') {
		var raw []any
		if !tryUnmarshal(candidate, &raw) {
			continue
		}
		out := make([]string, 0, len(raw))
		for _, el := range raw {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, ErrNoArray
}

// balancedSpans returns every top-level balanced open...close span in
// text, in order of appearance. Quotes inside JSON strings are honored so
// braces in string values do not end a span early.
func balancedSpans(text string, open, close byte) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
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
			if depth > 0 {
				inString = true
			}
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}

// tryUnmarshal attempts strict decoding, then a single-quote-normalized
// retry.
func tryUnmarshal(candidate string, v any) bool {
	if json.Unmarshal([]byte(candidate), v) == nil {
		return true
	}
	normalized := normalizeQuotes(candidate)
	if normalized != candidate && json.Unmarshal([]byte(normalized), v) == nil {
		return true
	}
	return false
}

// normalizeQuotes converts single-quoted JSON to double-quoted, keeping
// apostrophes inside existing double-quoted strings intact.
func normalizeQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inDouble := false
	inSingle := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			b.WriteByte(c)
			escaped = true
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
			b.WriteByte(c)
		case '\'':
			if inDouble {
				b.WriteByte(c)
			} else {
				inSingle = !inSingle
				b.WriteByte('"')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
