// Package observer provides OTEL-based observability for loom's execution
// core. It sets up trace, metric, and log providers with OTLP HTTP exporters
// and exposes the instruments the executor and trigger layer record against.
// Users export to any OTEL-compatible backend by setting standard OTEL env
// vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/loomhq/loom/observer"

// Instruments holds the OTEL instruments the core records against.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Executions     metric.Int64Counter
	StepExecutions metric.Int64Counter
	StepRetries    metric.Int64Counter
	RSSPolls       metric.Int64Counter
	WebhookEvents  metric.Int64Counter
	RPCCalls       metric.Int64Counter

	// Histograms
	ExecutionDuration metric.Float64Histogram
	StepDuration      metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars. Returns a
// shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("loom")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	executions, err := meter.Int64Counter("workflow.executions",
		metric.WithDescription("Workflow execution count by terminal status"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	stepExecutions, err := meter.Int64Counter("workflow.steps",
		metric.WithDescription("Step execution count by tool type and status"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	stepRetries, err := meter.Int64Counter("workflow.step.retries",
		metric.WithDescription("Step retry count"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	rssPolls, err := meter.Int64Counter("trigger.rss.polls",
		metric.WithDescription("RSS poll count"),
		metric.WithUnit("{poll}"))
	if err != nil {
		return nil, err
	}

	webhookEvents, err := meter.Int64Counter("trigger.webhook.deliveries",
		metric.WithDescription("Webhook delivery count"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, err
	}

	rpcCalls, err := meter.Int64Counter("rpc.tool_calls",
		metric.WithDescription("RPC tools/call count"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	executionDuration, err := meter.Float64Histogram("workflow.execution.duration",
		metric.WithDescription("End-to-end execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("workflow.step.duration",
		metric.WithDescription("Step handler duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		Executions:        executions,
		StepExecutions:    stepExecutions,
		StepRetries:       stepRetries,
		RSSPolls:          rssPolls,
		WebhookEvents:     webhookEvents,
		RPCCalls:          rpcCalls,
		ExecutionDuration: executionDuration,
		StepDuration:      stepDuration,
	}, nil
}
