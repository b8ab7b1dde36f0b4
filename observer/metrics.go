package observer

import (
	"context"

	loom "github.com/loomhq/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys for trigger and RPC metrics.
var (
	AttrRSSNewItems    = attribute.Key("rss.new_items")
	AttrWebhookOutcome = attribute.Key("webhook.outcome")
	AttrRPCIsError     = attribute.Key("rpc.is_error")
)

// execMetrics implements loom.Metrics over the OTEL instruments.
type execMetrics struct {
	inst *Instruments
}

// NewMetrics returns a loom.Metrics recording against inst. Wire it into
// the executor with loom.WithMetrics and into the RPC surface with
// rpc.WithMetrics; the trigger layer records through the executor's sink.
func NewMetrics(inst *Instruments) loom.Metrics {
	return &execMetrics{inst: inst}
}

func (m *execMetrics) ExecutionFinished(ctx context.Context, status loom.ExecutionStatus, durationMS int64) {
	attrs := metric.WithAttributes(AttrStatus.String(string(status)))
	m.inst.Executions.Add(ctx, 1, attrs)
	m.inst.ExecutionDuration.Record(ctx, float64(durationMS), attrs)
}

func (m *execMetrics) StepFinished(ctx context.Context, toolType string, failed bool, durationMS int64, retries int) {
	status := "success"
	if failed {
		status = "failed"
	}
	attrs := metric.WithAttributes(
		AttrToolType.String(toolType),
		AttrStatus.String(status),
	)
	m.inst.StepExecutions.Add(ctx, 1, attrs)
	m.inst.StepDuration.Record(ctx, float64(durationMS), attrs)
	if retries > 0 {
		m.inst.StepRetries.Add(ctx, int64(retries), metric.WithAttributes(AttrToolType.String(toolType)))
	}
}

func (m *execMetrics) RSSPolled(ctx context.Context, newItems int) {
	m.inst.RSSPolls.Add(ctx, 1, metric.WithAttributes(AttrRSSNewItems.Int(newItems)))
}

func (m *execMetrics) WebhookDelivered(ctx context.Context, outcome string) {
	m.inst.WebhookEvents.Add(ctx, 1, metric.WithAttributes(AttrWebhookOutcome.String(outcome)))
}

func (m *execMetrics) RPCToolCalled(ctx context.Context, tool string, isError bool) {
	m.inst.RPCCalls.Add(ctx, 1, metric.WithAttributes(
		AttrToolType.String(tool),
		AttrRPCIsError.Bool(isError),
	))
}

// compile-time check
var _ loom.Metrics = (*execMetrics)(nil)
