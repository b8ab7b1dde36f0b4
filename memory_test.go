package loom

import (
	"strings"
	"testing"
	"time"
)

func TestContextMemorySnapshotShape(t *testing.T) {
	user := User{ID: "user_1", Email: "ada@example.com", Handles: map[string]string{"telegram": "@ada"}}
	mem := NewContextMemory("exec_1", "auto_1", user)
	mem.Set("triggerType", "webhook")
	mem.Set("webhookPayload", map[string]any{"ticker": "NVDA"})

	snap := mem.BuildStepContext()

	if snap["executionId"] != "exec_1" || snap["automationId"] != "auto_1" {
		t.Errorf("identity = %v / %v", snap["executionId"], snap["automationId"])
	}
	u := snap["user"].(map[string]any)
	if u["email"] != "ada@example.com" {
		t.Errorf("user = %#v", u)
	}
	if snap["triggerType"] != "webhook" {
		t.Errorf("triggerType = %v", snap["triggerType"])
	}
	payload := snap["webhookPayload"].(map[string]any)
	if payload["ticker"] != "NVDA" {
		t.Errorf("webhookPayload = %#v", payload)
	}
	if _, err := time.Parse(time.RFC3339, snap["startedAt"].(string)); err != nil {
		t.Errorf("startedAt not RFC3339: %v", err)
	}
}

func TestStoreStepOutputPositionalAndAlias(t *testing.T) {
	mem := NewContextMemory("exec_1", "auto_1", User{})
	mem.StoreStepOutput(1, "quote", map[string]any{"price": "190.23"})
	mem.StoreStepOutput(2, "", map[string]any{"sent": true})

	outputs := mem.BuildStepContext()["stepOutputs"].(map[string]any)
	if _, ok := outputs["step_1"]; !ok {
		t.Error("missing positional key step_1")
	}
	if _, ok := outputs["quote"]; !ok {
		t.Error("missing alias key quote")
	}
	if _, ok := outputs["step_2"]; !ok {
		t.Error("missing positional key step_2")
	}
	if len(outputs) != 3 {
		t.Errorf("stepOutputs has %d keys, want 3", len(outputs))
	}
}

func TestSnapshotMutationsDoNotLeak(t *testing.T) {
	mem := NewContextMemory("exec_1", "auto_1", User{})
	mem.Set("triggerType", "manual")
	mem.StoreStepOutput(1, "", map[string]any{"n": 1})

	first := mem.BuildStepContext()
	first["triggerType"] = "hacked"
	first["stepOutputs"].(map[string]any)["step_99"] = "planted"

	second := mem.BuildStepContext()
	if second["triggerType"] != "manual" {
		t.Errorf("triggerType leaked: %v", second["triggerType"])
	}
	if _, ok := second["stepOutputs"].(map[string]any)["step_99"]; ok {
		t.Error("stepOutputs mutation leaked into later snapshot")
	}
}

func TestSummarizeContext(t *testing.T) {
	long := strings.Repeat("x", 250)
	in := map[string]any{
		"a": long,
		"b": []any{1, 2, 3, 4},
		"c": map[string]any{
			"k1": 1, "k2": 2, "k3": 3, "k4": 4, "k5": 5, "k6": 6, "k7": 7,
		},
		"d": 42,
	}

	out := SummarizeContext(in)

	if got := out["a"].(string); len(got) != 100 {
		t.Errorf("string summary length = %d, want 100", len(got))
	}
	arr := out["b"].(map[string]any)
	if arr["type"] != "array" || arr["count"] != 4 {
		t.Errorf("array summary = %#v", arr)
	}
	obj := out["c"].(map[string]any)
	if len(obj) != 5 {
		t.Errorf("object summary keeps %d keys, want 5", len(obj))
	}
	if out["d"] != 42 {
		t.Errorf("scalar = %v", out["d"])
	}
}
