package loom

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Store-write limits. The durable store rejects null values and nested
// arrays, and large blobs make execution records useless to read, so every
// write boundary passes through SanitizeForStore.
const (
	sanitizeMaxString = 200
	sanitizeMaxKeys   = 8
)

// SanitizeForStore normalizes a value for a durable write: nil values are
// dropped recursively, arrays nested directly inside arrays are serialized
// to JSON text, string summaries cap at 200 characters, and object
// summaries keep at most 8 keys (sorted for determinism). Applying the
// sanitizer twice yields the same value as once.
func SanitizeForStore(v any) any {
	return sanitizeValue(v)
}

// SanitizeMap sanitizes a map in one call, preserving the map type for
// callers writing record fields.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := sanitizeValue(m).(map[string]any)
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return truncate(t, sanitizeMaxString)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			if t[k] == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > sanitizeMaxKeys {
			keys = keys[:sanitizeMaxKeys]
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			if sv := sanitizeValue(t[k]); sv != nil {
				out[k] = sv
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			if inner, ok := item.([]any); ok {
				// The store disallows nested arrays.
				out = append(out, arrayToText(inner))
				continue
			}
			if sv := sanitizeValue(item); sv != nil {
				out = append(out, sv)
			}
		}
		return out
	default:
		return v
	}
}

// arrayToText renders a nested array as a single JSON text value, sanitized
// first so the text itself respects the string cap on its members.
func arrayToText(arr []any) string {
	sanitized, _ := sanitizeValue(arr).([]any)
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return truncate(fmt.Sprintf("%v", arr), sanitizeMaxString)
	}
	return truncate(string(raw), sanitizeMaxString)
}
