package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"locpipe/internal/domain/entity"
)

// Metric names following OpenTelemetry semantic conventions.
const (
	CallDurationHistogramName      = "translation_call_duration_seconds"
	CallCounterName                = "translation_call_total"
	BatchCounterName               = "translation_batch_total"
	BatchSizeHistogramName         = "translation_batch_size"
	RowCounterName                 = "translation_row_total"
	BisectionCounterName           = "translation_bisection_total"
	TokenCounterName               = "translation_tokens_total"
	CheckpointPersistHistogramName = "checkpoint_persist_duration_seconds"
)

// Common attribute keys for consistent metrics labeling.
const (
	AttrModel        = "model"
	AttrOutcome      = "outcome"
	AttrContentType  = "content_type"
	AttrTokenKind    = "token_kind"
	AttrServiceName  = "service_name"
	AttrFailureClass = "failure_class"
)

// Batch and row outcome attribute values.
const (
	OutcomeCommitted = "committed"
	OutcomeRequeued  = "requeued"
	OutcomeBisected  = "bisected"
	OutcomeFailed    = "failed"
	OutcomeOK        = "ok"
	OutcomeEscalated = "escalated"
	OutcomeMemoryHit = "memory_hit"
)

// PipelineMetricsConfig holds configuration for pipeline metrics collection.
type PipelineMetricsConfig struct {
	ServiceName         string
	ServiceVersion      string
	CallDurationBuckets []float64
}

// PipelineMetrics records the translation pipeline's observability signals:
// model call latency and outcomes, batch and row dispositions, bisections,
// token spend, and checkpoint persistence latency.
type PipelineMetrics struct {
	config PipelineMetricsConfig

	callDuration      metric.Float64Histogram
	callCounter       metric.Int64Counter
	batchCounter      metric.Int64Counter
	batchSize         metric.Int64Histogram
	rowCounter        metric.Int64Counter
	bisectionCounter  metric.Int64Counter
	tokenCounter      metric.Int64Counter
	checkpointPersist metric.Float64Histogram
}

// NewPipelineMetrics creates pipeline metrics with a default meter provider.
func NewPipelineMetrics(config PipelineMetricsConfig) (*PipelineMetrics, error) {
	if config.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", config.ServiceName),
			attribute.String("service.version", config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
	)

	return NewPipelineMetricsWithProvider(config, provider)
}

// NewPipelineMetricsWithProvider creates pipeline metrics against a custom
// meter provider.
func NewPipelineMetricsWithProvider(
	config PipelineMetricsConfig,
	provider metric.MeterProvider,
) (*PipelineMetrics, error) {
	if config.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}

	meter := provider.Meter("pipeline-metrics")

	callDurationOptions := []metric.Float64HistogramOption{
		metric.WithDescription("Model call duration in seconds, across retries"),
	}
	if len(config.CallDurationBuckets) > 0 {
		callDurationOptions = append(callDurationOptions,
			metric.WithExplicitBucketBoundaries(config.CallDurationBuckets...))
	} else {
		callDurationOptions = append(callDurationOptions,
			metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300))
	}

	callDuration, err := meter.Float64Histogram(CallDurationHistogramName, callDurationOptions...)
	if err != nil {
		return nil, err
	}

	callCounter, err := meter.Int64Counter(CallCounterName,
		metric.WithDescription("Total number of model calls"),
	)
	if err != nil {
		return nil, err
	}

	batchCounter, err := meter.Int64Counter(BatchCounterName,
		metric.WithDescription("Total number of batch dispositions"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram(BatchSizeHistogramName,
		metric.WithDescription("Rows per dispatched batch"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 20, 50),
	)
	if err != nil {
		return nil, err
	}

	rowCounter, err := meter.Int64Counter(RowCounterName,
		metric.WithDescription("Total number of row dispositions"),
	)
	if err != nil {
		return nil, err
	}

	bisectionCounter, err := meter.Int64Counter(BisectionCounterName,
		metric.WithDescription("Total number of batch bisections"),
	)
	if err != nil {
		return nil, err
	}

	tokenCounter, err := meter.Int64Counter(TokenCounterName,
		metric.WithDescription("Total provider-reported tokens"),
	)
	if err != nil {
		return nil, err
	}

	checkpointPersist, err := meter.Float64Histogram(CheckpointPersistHistogramName,
		metric.WithDescription("Checkpoint persist duration in seconds"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		config:            config,
		callDuration:      callDuration,
		callCounter:       callCounter,
		batchCounter:      batchCounter,
		batchSize:         batchSize,
		rowCounter:        rowCounter,
		bisectionCounter:  bisectionCounter,
		tokenCounter:      tokenCounter,
		checkpointPersist: checkpointPersist,
	}, nil
}

// RecordCall records one completed gateway invocation.
func (m *PipelineMetrics) RecordCall(ctx context.Context, model, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrModel, model),
		attribute.String(AttrOutcome, outcome),
		attribute.String(AttrServiceName, m.config.ServiceName),
	)
	m.callCounter.Add(ctx, 1, attrs)
	m.callDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBatch records a batch disposition after reconciliation.
func (m *PipelineMetrics) RecordBatch(ctx context.Context, outcome string, size int, contentType string) {
	attrs := metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
		attribute.String(AttrContentType, contentType),
		attribute.String(AttrServiceName, m.config.ServiceName),
	)
	m.batchCounter.Add(ctx, 1, attrs)
	m.batchSize.Record(ctx, int64(size), attrs)
}

// RecordRow records a row-level disposition.
func (m *PipelineMetrics) RecordRow(ctx context.Context, outcome string, count int64) {
	m.rowCounter.Add(ctx, count,
		metric.WithAttributes(
			attribute.String(AttrOutcome, outcome),
			attribute.String(AttrServiceName, m.config.ServiceName),
		),
	)
}

// RecordBisection records one batch split after a content-level failure.
func (m *PipelineMetrics) RecordBisection(ctx context.Context, failureClass string) {
	m.bisectionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrFailureClass, failureClass),
			attribute.String(AttrServiceName, m.config.ServiceName),
		),
	)
}

// RecordTokens records the provider-reported token spend of one call.
func (m *PipelineMetrics) RecordTokens(ctx context.Context, model string, usage entity.TokenUsage) {
	if usage.PromptTokens > 0 {
		m.tokenCounter.Add(ctx, int64(usage.PromptTokens),
			metric.WithAttributes(
				attribute.String(AttrModel, model),
				attribute.String(AttrTokenKind, "prompt"),
			),
		)
	}
	if usage.CompletionTokens > 0 {
		m.tokenCounter.Add(ctx, int64(usage.CompletionTokens),
			metric.WithAttributes(
				attribute.String(AttrModel, model),
				attribute.String(AttrTokenKind, "completion"),
			),
		)
	}
}

// RecordCheckpointPersist records one checkpoint write.
func (m *PipelineMetrics) RecordCheckpointPersist(ctx context.Context, duration time.Duration) {
	m.checkpointPersist.Record(ctx, duration.Seconds())
}
