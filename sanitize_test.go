package loom

import (
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeDropsNils(t *testing.T) {
	in := map[string]any{
		"keep": "value",
		"gone": nil,
		"nested": map[string]any{
			"alsoGone": nil,
			"kept":     1,
		},
		"arr": []any{"a", nil, "b"},
	}

	out := SanitizeMap(in)

	if _, ok := out["gone"]; ok {
		t.Error("nil value survived")
	}
	nested := out["nested"].(map[string]any)
	if _, ok := nested["alsoGone"]; ok {
		t.Error("nested nil survived")
	}
	arr := out["arr"].([]any)
	if !reflect.DeepEqual(arr, []any{"a", "b"}) {
		t.Errorf("arr = %#v", arr)
	}
}

func TestSanitizeNestedArraysBecomeText(t *testing.T) {
	in := map[string]any{
		"rows": []any{
			[]any{"a", "b"},
			"plain",
		},
	}

	out := SanitizeMap(in)
	rows := out["rows"].([]any)
	if rows[0] != `["a","b"]` {
		t.Errorf("nested array = %#v", rows[0])
	}
	if rows[1] != "plain" {
		t.Errorf("plain member = %#v", rows[1])
	}
}

func TestSanitizeCaps(t *testing.T) {
	in := map[string]any{
		"long": strings.Repeat("y", 500),
	}
	for i := 0; i < 12; i++ {
		in["k"+string(rune('a'+i))] = i
	}

	out := SanitizeMap(in)
	if len(out) != sanitizeMaxKeys {
		t.Errorf("kept %d keys, want %d", len(out), sanitizeMaxKeys)
	}
	if long, ok := out["long"].(string); ok && len(long) > sanitizeMaxString {
		t.Errorf("string not capped: %d", len(long))
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	in := map[string]any{
		"long": strings.Repeat("z", 999),
		"rows": []any{[]any{1, 2, []any{3}}, "x"},
		"obj": map[string]any{
			"a": 1, "b": nil, "c": []any{[]any{"deep"}},
		},
	}

	once := SanitizeForStore(in)
	twice := SanitizeForStore(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("sanitizer not idempotent:\nonce  = %#v\ntwice = %#v", once, twice)
	}
}
