package loom

import "fmt"

// ValidationError reports a malformed automation, trigger, or parameter set.
// It is surfaced at the control-plane boundary (activation, RPC tools/call),
// never from inside a running execution.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ErrHTTP is an HTTP-level failure from an integration. The status code
// drives transient/terminal classification: 429, 503, and 504 retry, other
// 4xx/5xx fail the step immediately.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// UnsupportedStepError reports a step whose tool type has no registry
// definition. Suggestion carries the closest registered name within edit
// distance 3, or "" when nothing is close enough.
type UnsupportedStepError struct {
	Type       string
	Suggestion string
}

func (e *UnsupportedStepError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unsupported step type %q — did you mean %q?", e.Type, e.Suggestion)
	}
	return fmt.Sprintf("unsupported step type %q", e.Type)
}

// StepFailedError is the terminal failure of an execution: the step at Index
// (1-based) failed after exhausting any retries. Earlier steps completed and
// their records remain on the execution.
type StepFailedError struct {
	Index int
	Type  string
	Err   error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Type, e.Err)
}

func (e *StepFailedError) Unwrap() error {
	return e.Err
}

// InternalError wraps an unexpected fault in the executor itself (a panic
// recovered during a run). It is recorded as an execution failure and never
// propagated to trigger callers. Store write failures mid-run are logged and
// do not produce an InternalError.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal: %v", e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
