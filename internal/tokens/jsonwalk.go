package tokens

import (
	"encoding/json"
	"strings"
)

// ParseJSON decodes arbitrary JSON text into the generic tree the walking
// helpers below operate on.
func ParseJSON(s string) (any, error) {
	var payload any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Map returns v as a JSON object, or nil when it is anything else.
func Map(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Slice returns v as a JSON array, or nil when it is anything else.
func Slice(v any) []any {
	s, _ := v.([]any)
	return s
}

// Str returns v as a trimmed string, or "" when it is anything else.
func Str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
