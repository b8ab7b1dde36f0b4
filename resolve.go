package loom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Resolve substitutes {{path}} references in value against an execution
// context snapshot (see ContextMemory.BuildStepContext).
//
// A string that is exactly one reference (optionally surrounded by
// whitespace) resolves to the raw value at that path, preserving its type.
// A string with embedded references has each token replaced by the
// stringified value — objects and arrays serialize as JSON text, and a
// missing path leaves the original token verbatim so the handler can see
// what failed to resolve. Arrays and maps resolve recursively; scalars other
// than strings pass through untouched.
func Resolve(value any, execCtx map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, execCtx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, execCtx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, execCtx)
		}
		return out
	default:
		return value
	}
}

// ResolveParams resolves every value of a step's parameter map.
func ResolveParams(params map[string]any, execCtx map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = Resolve(v, execCtx)
	}
	return out
}

// resolveString handles the two string forms: a bare reference (type
// preserved) and interpolation (everything stringified).
func resolveString(s string, execCtx map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	// Bare reference: exactly "{{ path }}" with optional outer whitespace.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 && strings.Count(trimmed, "}}") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if v, ok := lookupPath(execCtx, path); ok && v != nil {
			return v
		}
		return s
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		token := rest[start : end+2]
		path := strings.TrimSpace(rest[start+2 : end])
		if v, ok := lookupPath(execCtx, path); ok && v != nil {
			b.WriteString(stringify(v))
		} else {
			// Missing or null: keep the token verbatim.
			b.WriteString(token)
		}
		rest = rest[end+2:]
	}
	return b.String()
}

// stringify renders a resolved value for interpolation. Scalars use their
// natural form; objects and arrays serialize as JSON text.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// lookupPath walks a dotted path against the context snapshot. The first
// segment is tried under stepOutputs first, so named aliases and positional
// step_N keys are first-class; on a miss the walk restarts from the snapshot
// root (user.email, trigger.type, webhookPayload...).
//
// The path grammar is restricted to dots and [index] — no expressions.
func lookupPath(execCtx map[string]any, path string) (any, bool) {
	segs, ok := splitPath(path)
	if !ok || len(segs) == 0 {
		return nil, false
	}
	if outputs, ok := execCtx["stepOutputs"].(map[string]any); ok {
		if v, found := walkSegments(outputs, segs); found {
			return v, true
		}
	}
	return walkSegments(execCtx, segs)
}

// pathSegment is one step of a path: a key and any [index] accesses on it.
type pathSegment struct {
	key     string
	indexes []int
}

// splitPath parses "a.b[0].c" into segments. Returns false on malformed
// index syntax.
func splitPath(path string) ([]pathSegment, bool) {
	parts := strings.Split(path, ".")
	segs := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, false
		}
		seg := pathSegment{key: part}
		if i := strings.IndexByte(part, '['); i >= 0 {
			seg.key = part[:i]
			rest := part[i:]
			for len(rest) > 0 {
				if rest[0] != '[' {
					return nil, false
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, false
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return nil, false
				}
				seg.indexes = append(seg.indexes, n)
				rest = rest[end+1:]
			}
		}
		segs = append(segs, seg)
	}
	return segs, true
}

// walkSegments descends maps and slices along the parsed path. Missing
// segments yield (nil, false).
func walkSegments(root any, segs []pathSegment) (any, bool) {
	current := root
	for _, seg := range segs {
		if seg.key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			v, found := m[seg.key]
			if !found {
				return nil, false
			}
			current = v
		}
		for _, idx := range seg.indexes {
			arr, ok := current.([]any)
			if !ok || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}
