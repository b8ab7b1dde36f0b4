// Package transform implements the pure data-shaping handlers:
// extract_field and format_text. They carry no side effects and no external
// dependencies, which also makes them useful as RPC-callable probes.
package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ExtractField is the loom.Handler for extract_field. Params: path
// (required, dotted with optional [index]), from (the value to walk;
// defaults to the context's stepOutputs mapping, or to the whole context
// when it has none, so paths like "step_1.items[0].title" work).
func ExtractField(_ context.Context, params map[string]any, execCtx map[string]any) (map[string]any, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("extract_field: missing path")
	}

	root := params["from"]
	if root == nil {
		if outputs, ok := execCtx["stepOutputs"]; ok {
			root = outputs
		} else {
			root = execCtx
		}
	}

	value, ok := walk(root, path)
	if !ok {
		return nil, fmt.Errorf("extract_field: path %q not found", path)
	}
	return map[string]any{"value": value}, nil
}

// FormatText is the loom.Handler for format_text. The template's {{path}}
// placeholders are resolved by the executor before invocation, so the
// handler only hands the finished text back.
func FormatText(_ context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	template, _ := params["template"].(string)
	if template == "" {
		return nil, fmt.Errorf("format_text: missing template")
	}
	return map[string]any{"text": template}, nil
}

// walk descends maps and slices along a dotted path with [index] accesses.
func walk(root any, path string) (any, bool) {
	current := root
	for _, part := range strings.Split(path, ".") {
		key := part
		var indexes []int
		if i := strings.IndexByte(part, '['); i >= 0 {
			key = part[:i]
			rest := part[i:]
			for len(rest) > 0 && rest[0] == '[' {
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, false
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return nil, false
				}
				indexes = append(indexes, n)
				rest = rest[end+1:]
			}
		}

		if key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			v, found := m[key]
			if !found {
				return nil, false
			}
			current = v
		}
		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}
