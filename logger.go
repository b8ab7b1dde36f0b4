package loom

import (
	"context"
	"fmt"
)

// ExecutionLogger writes the durable event log of an execution: state
// transitions, per-step results, and status updates on the execution record.
// Every payload passes through the store sanitizer on the way in.
type ExecutionLogger struct {
	store Store
}

// NewExecutionLogger creates a logger over the given store.
func NewExecutionLogger(store Store) *ExecutionLogger {
	return &ExecutionLogger{store: store}
}

// StateTransition appends one state-machine edge to the execution's log.
func (l *ExecutionLogger) StateTransition(ctx context.Context, executionID string, from, to ExecutionStatus, metadata map[string]any) error {
	t := StateTransition{
		From:     from,
		To:       to,
		AtMS:     NowUnixMilli(),
		Metadata: SanitizeMap(metadata),
	}
	if err := l.store.AppendStateTransition(ctx, executionID, t); err != nil {
		return fmt.Errorf("log transition %s→%s: %w", from, to, err)
	}
	return nil
}

// StepResult appends the durable record of one attempted step. The output is
// summarized before the write; errors keep their message only.
func (l *ExecutionLogger) StepResult(ctx context.Context, executionID string, r StepRecord) error {
	r.Output = SanitizeMap(r.Output)
	r.Error = truncate(r.Error, sanitizeMaxString)
	if err := l.store.AppendStepRecord(ctx, executionID, r); err != nil {
		return fmt.Errorf("log step %d (%s): %w", r.Index, r.Type, err)
	}
	return nil
}

// UpdateStatus overwrites the execution record's mutable fields. Callers
// hand in the full record; the logger sanitizes snapshot and step outputs
// before the write.
func (l *ExecutionLogger) UpdateStatus(ctx context.Context, e Execution) error {
	e.ContextSnapshot = SanitizeMap(e.ContextSnapshot)
	for i := range e.Steps {
		e.Steps[i].Output = SanitizeMap(e.Steps[i].Output)
		e.Steps[i].Error = truncate(e.Steps[i].Error, sanitizeMaxString)
	}
	e.Error = truncate(e.Error, sanitizeMaxString)
	if err := l.store.UpdateExecution(ctx, e); err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	return nil
}
