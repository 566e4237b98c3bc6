// Package jsonx recovers structured JSON from LLM output.
//
// Small models wrap JSON in markdown fences, leave trailing commas, or cut
// off mid-object when they hit a token limit. Decode runs a fixed ladder of
// repairs and only gives up after all of them fail.
package jsonx

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// Decode parses raw into v, trying in order:
//
//  1. the text verbatim
//  2. the body of a ```json fence
//  3. trailing-comma repair
//  4. the first balanced {...} block
//  5. appending closing braces for a truncated object
//
// It returns false when nothing parses; callers fall back to their own
// default shape in that case.
func Decode(raw string, v any) bool {
	candidates := []string{strings.TrimSpace(raw)}

	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	} else {
		// Unterminated fence: strip the opener and keep going.
		stripped := strings.TrimSpace(raw)
		stripped = strings.TrimPrefix(stripped, "```json")
		stripped = strings.TrimPrefix(stripped, "```")
		stripped = strings.TrimSuffix(stripped, "```")
		candidates = append(candidates, strings.TrimSpace(stripped))
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if json.Unmarshal([]byte(c), v) == nil {
			return true
		}
		repaired := trailingCommaRe.ReplaceAllString(c, "$1")
		if repaired != c && json.Unmarshal([]byte(repaired), v) == nil {
			return true
		}
		if block := firstBalancedObject(repaired); block != "" {
			if json.Unmarshal([]byte(block), v) == nil {
				return true
			}
		}
		if closed := closeTruncated(repaired); closed != "" {
			if json.Unmarshal([]byte(closed), v) == nil {
				return true
			}
		}
	}

	return false
}

// DecodeMap is Decode into a generic map, returning def on failure.
func DecodeMap(raw string, def map[string]any) map[string]any {
	var out map[string]any
	if Decode(raw, &out) && out != nil {
		return out
	}
	return def
}

// firstBalancedObject extracts the first {...} block with balanced braces,
// honoring strings and escapes.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}

	return ""
}

// closeTruncated appends the closing braces and brackets a truncated
// payload is missing. Returns "" when the text does not look like a
// cut-off object.
func closeTruncated(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	s = s[start:]

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				stack = append(stack, '}')
			}
		case '[':
			if !inString {
				stack = append(stack, ']')
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 && !inString {
		return ""
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(s, " \t\n,"))
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
