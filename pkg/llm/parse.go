package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencePattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	arrayPattern  = regexp.MustCompile(`(?s)\[.*\]`)
	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// DecodeJSON parses model output into v, tolerating the usual noise:
// leading prose, markdown fences, trailing commentary. Returns false
// when no parseable JSON value can be found.
func DecodeJSON(raw string, v interface{}) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if json.Unmarshal([]byte(raw), v) == nil {
		return true
	}
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		if json.Unmarshal([]byte(m[1]), v) == nil {
			return true
		}
		raw = m[1]
	}
	if m := arrayPattern.FindString(raw); m != "" {
		if json.Unmarshal([]byte(m), v) == nil {
			return true
		}
	}
	if m := objectPattern.FindString(raw); m != "" {
		if json.Unmarshal([]byte(m), v) == nil {
			return true
		}
	}
	return false
}
