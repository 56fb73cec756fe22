package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"locpipe/internal/domain/entity"
)

func createTestMeterProvider(t *testing.T) *sdkmetric.MeterProvider {
	t.Helper()

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "test-service"),
			attribute.String("service.version", "test"),
		),
	)
	require.NoError(t, err)

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
	)
}

func TestNewPipelineMetrics(t *testing.T) {
	tests := []struct {
		name    string
		config  PipelineMetricsConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: PipelineMetricsConfig{
				ServiceName:    "locpipe",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "custom buckets",
			config: PipelineMetricsConfig{
				ServiceName:         "locpipe",
				CallDurationBuckets: []float64{1, 5, 30},
			},
		},
		{
			name:    "empty service name returns error",
			config:  PipelineMetricsConfig{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics, err := NewPipelineMetrics(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, metrics)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, metrics)
		})
	}
}

func TestPipelineMetricsRecording(t *testing.T) {
	provider := createTestMeterProvider(t)
	metrics, err := NewPipelineMetricsWithProvider(
		PipelineMetricsConfig{ServiceName: "locpipe", ServiceVersion: "test"},
		provider,
	)
	require.NoError(t, err)

	ctx := context.Background()

	// Recording must never panic regardless of attribute values.
	metrics.RecordCall(ctx, "gpt-4o-mini", OutcomeOK, 1200*time.Millisecond)
	metrics.RecordCall(ctx, "deepseek-chat", OutcomeFailed, 30*time.Second)
	metrics.RecordBatch(ctx, OutcomeCommitted, 20, "normal")
	metrics.RecordBatch(ctx, OutcomeBisected, 8, "normal")
	metrics.RecordRow(ctx, OutcomeOK, 20)
	metrics.RecordRow(ctx, OutcomeEscalated, 1)
	metrics.RecordRow(ctx, OutcomeMemoryHit, 5)
	metrics.RecordBisection(ctx, "id_mismatch")
	metrics.RecordTokens(ctx, "gpt-4o-mini", entity.TokenUsage{
		PromptTokens:     812,
		CompletionTokens: 344,
		TotalTokens:      1156,
	})
	metrics.RecordTokens(ctx, "gpt-4o-mini", entity.TokenUsage{})
	metrics.RecordCheckpointPersist(ctx, 3*time.Millisecond)

	require.NoError(t, provider.ForceFlush(ctx))
}
