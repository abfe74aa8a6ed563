package flow

import (
	"encoding/json"
	"regexp"
	"strings"
)

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseObject pulls a JSON object out of raw LLM or webhook output. It tries
// the whole string first, then strips markdown fences, then falls back to
// the first {...} span. Returns nil when no object can be recovered.
func parseObject(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj
	}

	if stripped := stripFences(raw); stripped != raw {
		if err := json.Unmarshal([]byte(stripped), &obj); err == nil {
			return obj
		}
		raw = stripped
	}

	if span := jsonObjectRe.FindString(raw); span != "" {
		if err := json.Unmarshal([]byte(span), &obj); err == nil {
			return obj
		}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 && !strings.ContainsAny(s[:idx], "{}") {
		// Drop a language tag like "json" on the fence line.
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
