// Package observability records runtime metrics through OpenTelemetry
// with a Prometheus exporter. The Recorder is passed as a dependency;
// there are no process globals.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder receives measurements from the runner and adapters.
type Recorder interface {
	RecordRun(ctx context.Context, agentID, status string, duration time.Duration, tokens int, costUSD float64)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordToolExecution(ctx context.Context, toolType, tool string, duration time.Duration, err error)
}

type prometheusRecorder struct {
	runDuration   metric.Float64Histogram
	runsTotal     metric.Int64Counter
	runTokens     metric.Int64Counter
	runCostCents  metric.Float64Counter
	llmDuration   metric.Float64Histogram
	llmInTokens   metric.Int64Counter
	llmOutTokens  metric.Int64Counter
	llmErrors     metric.Int64Counter
	toolDuration  metric.Float64Histogram
	toolCalls     metric.Int64Counter
	toolErrors    metric.Int64Counter
}

// NewPrometheusRecorder builds a Recorder backed by the otel metric SDK
// with a Prometheus reader. Scraping goes through promhttp at /metrics.
func NewPrometheusRecorder() (Recorder, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("castellan")

	r := &prometheusRecorder{}
	if r.runDuration, err = meter.Float64Histogram(
		"castellan_run_duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
	); err != nil {
		return nil, err
	}
	if r.runsTotal, err = meter.Int64Counter(
		"castellan_runs_total",
		metric.WithDescription("Total agent runs by terminal status"),
	); err != nil {
		return nil, err
	}
	if r.runTokens, err = meter.Int64Counter(
		"castellan_run_tokens_total",
		metric.WithDescription("Total tokens consumed by runs"),
	); err != nil {
		return nil, err
	}
	if r.runCostCents, err = meter.Float64Counter(
		"castellan_run_cost_usd_total",
		metric.WithDescription("Total run cost in USD"),
	); err != nil {
		return nil, err
	}
	if r.llmDuration, err = meter.Float64Histogram(
		"castellan_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if r.llmInTokens, err = meter.Int64Counter(
		"castellan_llm_tokens_input_total",
		metric.WithDescription("Input tokens sent to the LLM"),
	); err != nil {
		return nil, err
	}
	if r.llmOutTokens, err = meter.Int64Counter(
		"castellan_llm_tokens_output_total",
		metric.WithDescription("Output tokens produced by the LLM"),
	); err != nil {
		return nil, err
	}
	if r.llmErrors, err = meter.Int64Counter(
		"castellan_llm_errors_total",
		metric.WithDescription("LLM stream failures"),
	); err != nil {
		return nil, err
	}
	if r.toolDuration, err = meter.Float64Histogram(
		"castellan_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if r.toolCalls, err = meter.Int64Counter(
		"castellan_tool_calls_total",
		metric.WithDescription("Tool invocations"),
	); err != nil {
		return nil, err
	}
	if r.toolErrors, err = meter.Int64Counter(
		"castellan_tool_errors_total",
		metric.WithDescription("Tool invocation failures"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *prometheusRecorder) RecordRun(ctx context.Context, agentID, status string, duration time.Duration, tokens int, costUSD float64) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("status", status),
	)
	r.runDuration.Record(ctx, duration.Seconds(), attrs)
	r.runsTotal.Add(ctx, 1, attrs)
	r.runTokens.Add(ctx, int64(tokens), attrs)
	r.runCostCents.Add(ctx, costUSD, attrs)
}

func (r *prometheusRecorder) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	r.llmDuration.Record(ctx, duration.Seconds(), attrs)
	r.llmInTokens.Add(ctx, int64(inputTokens), attrs)
	r.llmOutTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		r.llmErrors.Add(ctx, 1, attrs)
	}
}

func (r *prometheusRecorder) RecordToolExecution(ctx context.Context, toolType, tool string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("type", toolType),
		attribute.String("tool", tool),
	)
	r.toolDuration.Record(ctx, duration.Seconds(), attrs)
	r.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		r.toolErrors.Add(ctx, 1, attrs)
	}
}

type noopRecorder struct{}

// Noop returns a Recorder that discards all measurements.
func Noop() Recorder { return noopRecorder{} }

func (noopRecorder) RecordRun(context.Context, string, string, time.Duration, int, float64) {}
func (noopRecorder) RecordLLMCall(context.Context, string, time.Duration, int, int, error)  {}
func (noopRecorder) RecordToolExecution(context.Context, string, string, time.Duration, error) {
}
