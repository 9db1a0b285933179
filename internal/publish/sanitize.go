package publish

import (
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

// Payload sanitization strips content that must never round-trip through
// the gateway: control characters, HTML/script markup, and executable URL
// schemes. Structure and non-string values pass through untouched.

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<\s*(script|style)[^>]*>.*?<\s*/\s*(script|style)\s*>`)
	htmlTagPattern     = regexp.MustCompile(`(?s)<[^>]*>`)
	urlSchemePattern   = regexp.MustCompile(`(?i)(javascript|vbscript)\s*:|data\s*:\s*text/html`)
)

// sanitizeString removes control characters (0x00-0x1F except whitespace,
// 0x7F), markup, and dangerous URL schemes from a single string value.
func sanitizeString(s string) string {
	s = scriptBlockPattern.ReplaceAllString(s, "")
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = urlSchemePattern.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0x7F {
			continue
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sanitizeValue walks a decoded JSON value and sanitizes every string,
// including map keys.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[sanitizeString(k)] = sanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// sanitizePayload decodes, sanitizes, and re-serializes the payload object.
func sanitizePayload(raw json.RawMessage) (json.RawMessage, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	clean, err := json.Marshal(sanitizeValue(decoded))
	if err != nil {
		return nil, err
	}
	return clean, nil
}
