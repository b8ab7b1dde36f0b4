package loom

import (
	"context"
	"encoding/json"
)

// --- Domain types (database records) ---

// AutomationStatus is the lifecycle state of an automation definition.
type AutomationStatus string

const (
	// StatusDraft is the initial state after creation. Draft automations are
	// never scheduled.
	StatusDraft AutomationStatus = "draft"
	// StatusActive means the automation's trigger is live.
	StatusActive AutomationStatus = "active"
	// StatusPaused means the automation is retained but its trigger is off.
	StatusPaused AutomationStatus = "paused"
)

// Automation is a user-owned definition of (trigger, steps). Deleting an
// automation cascades to all of its executions.
type Automation struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Trigger     Trigger          `json:"trigger"`
	Steps       []Step           `json:"steps"`
	Status      AutomationStatus `json:"status"`
	// AuxState holds trigger-bound auxiliary state, e.g. a provisioned
	// spreadsheet id. Keys are integration-specific.
	AuxState  map[string]string `json:"aux_state,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Step is one unit of work inside an automation: a registered tool type plus
// its parameter map. Parameter strings may embed {{path}} references resolved
// against the execution context at run time.
//
// The wire form is flat: {"type": "send_email", "to": "{{user.email}}",
// "outputAs": "mail"} — every key other than "type" and "outputAs" is a
// parameter. Step implements json.Marshaler/Unmarshaler to preserve that
// shape.
type Step struct {
	Type     string
	Params   map[string]any
	OutputAs string
}

// MarshalJSON flattens Params alongside the type and outputAs keys.
func (s Step) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(s.Params)+2)
	for k, v := range s.Params {
		flat[k] = v
	}
	flat["type"] = s.Type
	if s.OutputAs != "" {
		flat["outputAs"] = s.OutputAs
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits the flat wire form back into Type, OutputAs, and Params.
func (s *Step) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	s.Params = make(map[string]any, len(flat))
	for k, v := range flat {
		switch k {
		case "type":
			if t, ok := v.(string); ok {
				s.Type = t
			}
		case "outputAs":
			if a, ok := v.(string); ok {
				s.OutputAs = a
			}
		default:
			s.Params[k] = v
		}
	}
	return nil
}

// User identifies the owner an execution runs on behalf of. Handles maps a
// messaging service name to the user's address on it ("telegram", "slack",
// "phone", ...).
type User struct {
	ID      string            `json:"id"`
	Email   string            `json:"email"`
	Handles map[string]string `json:"handles,omitempty"`
}

// --- Execution records ---

// ExecutionStatus is the state-machine state of one execution.
type ExecutionStatus string

const (
	ExecPending  ExecutionStatus = "pending"
	ExecRunning  ExecutionStatus = "running"
	ExecRetrying ExecutionStatus = "retrying"
	ExecSuccess  ExecutionStatus = "success"
	ExecFailed   ExecutionStatus = "failed"
)

// Terminal reports whether s is an end state. Executions are append-only
// once terminal.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailed
}

// Execution is one end-to-end run of an automation.
type Execution struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	// Input is the triggering payload, if any (webhook body, RSS delta).
	Input        map[string]any  `json:"input,omitempty"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    int64           `json:"started_at,omitempty"`
	FinishedAt   int64           `json:"finished_at,omitempty"`
	Steps        []StepRecord    `json:"steps,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	TotalRetries int             `json:"total_retries"`
	Error        string          `json:"error,omitempty"`
	// ContextSnapshot is a summarized view of step outputs at termination,
	// kept for debugging rather than replay.
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	CreatedAt       int64          `json:"created_at"`
}

// StepRecord is the durable outcome of one attempted step. Output is a
// sanitized summary, not the raw handler result.
type StepRecord struct {
	Index      int            `json:"index"` // 1-based
	Type       string         `json:"type"`
	DurationMS int64          `json:"duration_ms"`
	Retries    int            `json:"retries"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// StateTransition is one edge of an execution's state machine, recorded in
// time order. The first entry is always pending→running; the last is
// …→success or …→failed.
type StateTransition struct {
	From     ExecutionStatus `json:"from"`
	To       ExecutionStatus `json:"to"`
	AtMS     int64           `json:"at_ms"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// --- Trigger-layer records ---

// RSSPollState is the per-automation poll cursor: when the feed was last
// polled and a rolling set of recently seen item identifiers, newest first.
// Mutated only by the RSS poller.
type RSSPollState struct {
	AutomationID string   `json:"automation_id"`
	LastPolledAt int64    `json:"last_polled_at"`
	SeenIDs      []string `json:"seen_ids"`
	FeedURL      string   `json:"feed_url"`
}

// --- Handler contract ---

// Handler is the executable bound to a tool definition. It receives the
// step's resolved parameter map and a snapshot of the execution context
// (see ContextMemory.BuildStepContext) and returns a structured output.
// Handlers must observe ctx cancellation: the RPC timeout and graceful
// shutdown paths cancel it, and the executor treats cancellation as a
// terminal failure.
//
// Adding, replacing or deleting top-level keys of the snapshot or of its
// stepOutputs mapping has no effect on later steps — each step receives a
// fresh shallow copy. Nested values, such as earlier step outputs, are
// shared.
type Handler func(ctx context.Context, params map[string]any, execCtx map[string]any) (map[string]any, error)
