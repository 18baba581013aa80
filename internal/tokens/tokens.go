// Package tokens decodes the detail-access keys the patent service embeds in
// its search responses. The service issues a short-lived per-record key ("pnk")
// in whatever shape the current frontend build happens to emit: JSON, nested
// JSON strings, percent-encoded query strings, or inline script fragments.
// Decode tries each shape in a fixed order and returns on the first hit.
package tokens

import (
	"net/url"
	"regexp"
	"strings"
)

// TokenSet is the ephemeral capability needed to call the detail endpoints.
// It lives for a single retrieval cycle and is never persisted.
type TokenSet struct {
	PNK        string
	FolderFlag string
	OID        string
}

// maxValueDecodeRounds bounds post-extraction percent-decoding of individual
// values. Decoding stops early once another round no longer changes the value.
const maxValueDecodeRounds = 3

var kvPairRe = regexp.MustCompile(`(?:"|')(pnk|folderFlag|oid)(?:"|')\s*[:=]\s*(?:"|')([^"']+)`)

// Decode extracts a TokenSet from a raw captured response body. contentType is
// advisory only. Returns ok=false when no variant yields a usable token; parse
// errors on individual variants are swallowed so the next variant can be tried.
func Decode(raw, contentType string) (TokenSet, bool) {
	if raw == "" {
		return TokenSet{}, false
	}
	ct := strings.ToLower(contentType)
	variants := decodedVariants(raw)

	// JSON payloads, including string-encoded nested JSON.
	for _, v := range variants {
		trimmed := strings.TrimSpace(v)
		if !strings.Contains(ct, "json") && !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			continue
		}
		payload, err := ParseJSON(v)
		if err != nil {
			continue
		}
		if ts, ok := fromJSONValue(payload); ok {
			return ts, true
		}
	}

	// Query-string-shaped text hiding inside designated JSON string fields.
	for _, v := range variants {
		payload, err := ParseJSON(v)
		if err != nil {
			continue
		}
		obj, ok := payload.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"body", "data", "params", "postData"} {
			field, ok := obj[key].(string)
			if !ok {
				continue
			}
			for _, nested := range decodedVariants(field) {
				if ts, ok := fromQueryString(nested); ok {
					return ts, true
				}
			}
		}
	}

	// The raw text itself may be query-string shaped.
	for _, v := range variants {
		if ts, ok := fromQueryString(v); ok {
			return ts, true
		}
	}

	// Regex fallback over everything, requiring all three keys.
	regexCandidates := append(variants, raw)
	for _, v := range regexCandidates {
		pairs := map[string]string{}
		for _, m := range kvPairRe.FindAllStringSubmatch(v, -1) {
			pairs[m[1]] = m[2]
		}
		if pairs["pnk"] != "" && pairs["oid"] != "" {
			if _, ok := pairs["folderFlag"]; ok {
				return TokenSet{
					PNK:        decodeValue(pairs["pnk"]),
					FolderFlag: pairs["folderFlag"],
					OID:        decodeValue(pairs["oid"]),
				}, true
			}
		}
	}

	return TokenSet{}, false
}

// decodedVariants applies percent-decoding (plus-aware and not) repeatedly
// until a fixed point. A visited set guarantees termination even when decoding
// cycles (e.g. repeated %25 expansion).
func decodedVariants(s string) []string {
	if s == "" {
		return nil
	}
	seen := map[string]bool{}
	queue := []string{s}
	var variants []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		variants = append(variants, current)
		if decoded, err := url.PathUnescape(current); err == nil && decoded != current && !seen[decoded] {
			queue = append(queue, decoded)
		}
		if decoded, err := url.QueryUnescape(current); err == nil && decoded != current && !seen[decoded] {
			queue = append(queue, decoded)
		}
	}
	return variants
}

// fromJSONValue walks a decoded JSON tree depth-first looking for an object
// that carries at least a pnk.
func fromJSONValue(payload any) (TokenSet, bool) {
	switch v := payload.(type) {
	case map[string]any:
		if pnk := stringValue(v["pnk"]); pnk != "" {
			return TokenSet{
				PNK:        pnk,
				FolderFlag: stringValue(v["folderFlag"]),
				OID:        stringValue(v["oid"]),
			}, true
		}
		for _, child := range v {
			if ts, ok := fromJSONValue(child); ok {
				return ts, true
			}
		}
	case []any:
		for _, child := range v {
			if ts, ok := fromJSONValue(child); ok {
				return ts, true
			}
		}
	case string:
		if nested, err := ParseJSON(v); err == nil {
			if _, isString := nested.(string); !isString {
				return fromJSONValue(nested)
			}
		}
	}
	return TokenSet{}, false
}

var querySplitRe = regexp.MustCompile(`[?&#\s]`)

// fromQueryString parses pnk/folderFlag/oid out of query-string-shaped text.
// A cheap substring gate avoids parse work on text that cannot match. All three
// keys must be present before the set is accepted; folderFlag is consumed as a
// presence marker only, matching the service's own client.
func fromQueryString(candidate string) (TokenSet, bool) {
	if candidate == "" {
		return TokenSet{}, false
	}
	lowered := strings.ToLower(candidate)
	if !strings.Contains(lowered, "pnk") || !strings.Contains(lowered, "oid") {
		return TokenSet{}, false
	}
	pairs := map[string]string{}
	for _, variant := range decodedVariants(candidate) {
		for _, part := range querySplitRe.Split(variant, -1) {
			low := strings.ToLower(part)
			if !strings.Contains(low, "pnk=") && !strings.Contains(low, "folderflag=") && !strings.Contains(low, "oid=") {
				continue
			}
			for _, sub := range strings.Split(part, "&") {
				key, value, ok := strings.Cut(sub, "=")
				if !ok || value == "" {
					continue
				}
				key = strings.TrimSpace(key)
				if key == "pnk" || key == "folderFlag" || key == "oid" {
					pairs[key] = value
				}
			}
		}
		if pairs["pnk"] != "" && pairs["folderFlag"] != "" && pairs["oid"] != "" {
			break
		}
	}
	if pairs["pnk"] == "" || pairs["folderFlag"] == "" || pairs["oid"] == "" {
		return TokenSet{}, false
	}
	return TokenSet{
		PNK:        decodeValue(pairs["pnk"]),
		FolderFlag: pairs["folderFlag"],
		OID:        decodeValue(pairs["oid"]),
	}, true
}

// decodeValue percent-decodes an extracted value for a bounded number of
// rounds, stopping as soon as decoding is idempotent.
func decodeValue(v string) string {
	decoded := v
	for i := 0; i < maxValueDecodeRounds; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil || next == decoded {
			break
		}
		decoded = next
	}
	return decoded
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
