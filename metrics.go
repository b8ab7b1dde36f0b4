package loom

import "context"

// Metrics receives the execution core's measurements: execution and step
// outcomes from the Executor, poll and delivery counts from the trigger
// layer, and tool-call counts from the RPC surface. The observer package
// provides an OTEL-backed implementation; when no Metrics is configured,
// recording is skipped entirely.
type Metrics interface {
	// ExecutionFinished records one terminal execution.
	ExecutionFinished(ctx context.Context, status ExecutionStatus, durationMS int64)
	// StepFinished records one attempted step, with the retries it consumed.
	StepFinished(ctx context.Context, toolType string, failed bool, durationMS int64, retries int)
	// RSSPolled records one completed feed poll and how many new items it saw.
	RSSPolled(ctx context.Context, newItems int)
	// WebhookDelivered records one webhook POST by outcome
	// (accepted, skipped, unauthorized).
	WebhookDelivered(ctx context.Context, outcome string)
	// RPCToolCalled records one tools/call by tool name and result kind.
	RPCToolCalled(ctx context.Context, tool string, isError bool)
}
