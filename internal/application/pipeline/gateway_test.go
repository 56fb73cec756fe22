package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"locpipe/internal/application/common/retry"
	"locpipe/internal/config"
	"locpipe/internal/domain/entity"
	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/domain/valueobject"
	"locpipe/internal/port/outbound"
)

// MockTranslator mocks the single-attempt translation boundary.
type MockTranslator struct {
	mock.Mock
}

func (m *MockTranslator) Translate(
	ctx context.Context,
	request outbound.TranslationRequest,
) (*outbound.TranslationResult, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*outbound.TranslationResult), args.Error(1)
}

// captureRecorder collects trace events in memory for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []entity.TraceEvent
}

func (r *captureRecorder) Record(_ context.Context, event entity.TraceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *captureRecorder) Close() error { return nil }

func (r *captureRecorder) byType(eventType string) []entity.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]entity.TraceEvent, 0)
	for _, event := range r.events {
		if event.EventType == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func fastRetry(maxRetries int) *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		Jitter:        false,
	}
}

func gatewayPolicies() config.ModelPolicies {
	return config.ModelPolicies{
		"gpt-4o-mini": {
			MaxBatchSize:         4,
			MaxBatchSizeLongText: 1,
			TimeoutNormal:        time.Second,
			TimeoutLongText:      2 * time.Second,
			FallbackChain:        []string{"deepseek-chat"},
			Status:               config.ModelStatusActive,
		},
		"deepseek-chat": {
			MaxBatchSize:         4,
			MaxBatchSizeLongText: 1,
			TimeoutNormal:        time.Second,
			TimeoutLongText:      2 * time.Second,
			Status:               config.ModelStatusActive,
		},
	}
}

func newTestGateway(t *testing.T, translator outbound.Translator, recorder outbound.TraceRecorder, policies config.ModelPolicies, maxRetries int) *Gateway {
	t.Helper()

	metrics, err := NewPipelineMetricsWithProvider(
		PipelineMetricsConfig{ServiceName: "locpipe-test"},
		createTestMeterProvider(t),
	)
	require.NoError(t, err)

	gateway, err := NewGateway(
		GatewayConfig{
			PrimaryModel:    "gpt-4o-mini",
			FallbackEnabled: true,
			RunID:           "run-test",
			Retry:           fastRetry(maxRetries),
		},
		policies,
		translator,
		NewPromptBuilder("en", nil),
		metrics,
		recorder,
	)
	require.NoError(t, err)
	return gateway
}

func okTranslation(text string) *outbound.TranslationResult {
	return &outbound.TranslationResult{
		Text:    text,
		Model:   "gpt-4o-mini",
		Usage:   entity.TokenUsage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140},
		Latency: 80 * time.Millisecond,
	}
}

func serverError() *outbound.TranslationError {
	return &outbound.TranslationError{
		Code:      "SERVER_ERROR",
		Message:   "upstream returned 503",
		Type:      outbound.TranslationErrorTypeServer,
		Retryable: true,
	}
}

func authError() *outbound.TranslationError {
	return &outbound.TranslationError{
		Code:      "UNAUTHORIZED",
		Message:   "invalid API key",
		Type:      outbound.TranslationErrorTypeAuth,
		Retryable: false,
	}
}

func TestGatewayCallSucceedsFirstAttempt(t *testing.T) {
	translator := &MockTranslator{}
	recorder := &captureRecorder{}
	gateway := newTestGateway(t, translator, recorder, gatewayPolicies(), 2)

	raw := `{"translations":[{"id":"r1","text":"Hello"}]}`
	translator.On("Translate", mock.Anything, mock.MatchedBy(func(req outbound.TranslationRequest) bool {
		return req.Model == "gpt-4o-mini" && req.RequestID != ""
	})).Return(okTranslation(raw), nil).Once()

	batch := testBatch(t, map[string]string{"r1": "你好"})
	result, err := gateway.Call(context.Background(), batch)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Failed())
	assert.Equal(t, "gpt-4o-mini", result.ModelUsed())
	assert.Equal(t, raw, result.RawText())
	assert.Equal(t, 1, result.Attempts())
	assert.Equal(t, 140, result.Usage().TotalTokens)

	attempts := recorder.byType(entity.EventCallAttempt)
	require.Len(t, attempts, 1)
	assert.Equal(t, "ok", attempts[0].Fields["outcome"])
	assert.Equal(t, 100, attempts[0].Fields["prompt_tokens"])
	translator.AssertExpectations(t)
}

func TestGatewayCallRetriesSameModel(t *testing.T) {
	translator := &MockTranslator{}
	recorder := &captureRecorder{}
	gateway := newTestGateway(t, translator, recorder, gatewayPolicies(), 2)

	translator.On("Translate", mock.Anything, mock.Anything).Return(nil, serverError()).Once()
	translator.On("Translate", mock.Anything, mock.Anything).Return(okTranslation("{}"), nil).Once()

	batch := testBatch(t, map[string]string{"r1": "你好"})
	result, err := gateway.Call(context.Background(), batch)

	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Equal(t, 2, result.Attempts())

	attempts := recorder.byType(entity.EventCallAttempt)
	require.Len(t, attempts, 2)
	assert.Equal(t, "error", attempts[0].Fields["outcome"])
	assert.Equal(t, "ok", attempts[1].Fields["outcome"])
	translator.AssertExpectations(t)
}

func TestGatewayCallFallsBackOnNonRetryableError(t *testing.T) {
	translator := &MockTranslator{}
	recorder := &captureRecorder{}
	gateway := newTestGateway(t, translator, recorder, gatewayPolicies(), 2)

	translator.On("Translate", mock.Anything, mock.MatchedBy(func(req outbound.TranslationRequest) bool {
		return req.Model == "gpt-4o-mini"
	})).Return(nil, authError()).Once()
	translator.On("Translate", mock.Anything, mock.MatchedBy(func(req outbound.TranslationRequest) bool {
		return req.Model == "deepseek-chat"
	})).Return(okTranslation("{}"), nil).Once()

	batch := testBatch(t, map[string]string{"r1": "你好"})
	result, err := gateway.Call(context.Background(), batch)

	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Equal(t, "deepseek-chat", result.ModelUsed())
	assert.Equal(t, 2, result.Attempts())

	fallbacks := recorder.byType(entity.EventCallFallback)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, "gpt-4o-mini", fallbacks[0].Fields["from_model"])
	assert.Equal(t, "deepseek-chat", fallbacks[0].Fields["to_model"])
	translator.AssertExpectations(t)
}

func TestGatewayCallExhaustsChainIntoFailedResult(t *testing.T) {
	translator := &MockTranslator{}
	recorder := &captureRecorder{}
	gateway := newTestGateway(t, translator, recorder, gatewayPolicies(), 1)

	rateLimited := &outbound.TranslationError{
		Code:      "RATE_LIMITED",
		Message:   "quota exceeded",
		Type:      outbound.TranslationErrorTypeQuota,
		Retryable: true,
	}
	translator.On("Translate", mock.Anything, mock.Anything).Return(nil, rateLimited)

	batch := testBatch(t, map[string]string{"r1": "你好"})
	result, err := gateway.Call(context.Background(), batch)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Failed())
	assert.Equal(t, valueobject.FailureRateLimit, result.Failure().Class)
	// Two models, each retried once: four attempts in total.
	assert.Equal(t, 4, result.Attempts())
	assert.Len(t, recorder.byType(entity.EventCallAttempt), 4)
}

func TestGatewayCooldownSpacesConsecutiveCalls(t *testing.T) {
	policies := gatewayPolicies()
	policy := policies["gpt-4o-mini"]
	policy.CooldownRequired = 60 * time.Millisecond
	policies["gpt-4o-mini"] = policy

	translator := &MockTranslator{}
	var callTimes []time.Time
	translator.On("Translate", mock.Anything, mock.Anything).
		Run(func(_ mock.Arguments) { callTimes = append(callTimes, time.Now()) }).
		Return(okTranslation("{}"), nil)

	gateway := newTestGateway(t, translator, &captureRecorder{}, policies, 0)
	batch := testBatch(t, map[string]string{"r1": "你好"})

	_, err := gateway.Call(context.Background(), batch)
	require.NoError(t, err)
	_, err = gateway.Call(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, callTimes, 2)
	assert.GreaterOrEqual(t, callTimes[1].Sub(callTimes[0]), 55*time.Millisecond)
}

func TestGatewayCallStopsOnContextCancel(t *testing.T) {
	translator := &MockTranslator{}
	gateway := newTestGateway(t, translator, &captureRecorder{}, gatewayPolicies(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := testBatch(t, map[string]string{"r1": "你好"})
	result, err := gateway.Call(ctx, batch)

	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
	translator.AssertNotCalled(t, "Translate", mock.Anything, mock.Anything)
}

func TestNewGatewayValidatesModels(t *testing.T) {
	translator := &MockTranslator{}
	prompts := NewPromptBuilder("en", nil)
	metrics, err := NewPipelineMetricsWithProvider(
		PipelineMetricsConfig{ServiceName: "locpipe-test"},
		createTestMeterProvider(t),
	)
	require.NoError(t, err)

	_, err = NewGateway(
		GatewayConfig{PrimaryModel: "no-such-model", RunID: "run"},
		gatewayPolicies(), translator, prompts, metrics, nil,
	)
	require.ErrorIs(t, err, domainerrors.ErrUnknownModel)

	policies := gatewayPolicies()
	disabled := policies["gpt-4o-mini"]
	disabled.Status = config.ModelStatusDisabled
	policies["gpt-4o-mini"] = disabled

	_, err = NewGateway(
		GatewayConfig{PrimaryModel: "gpt-4o-mini", RunID: "run"},
		policies, translator, prompts, metrics, nil,
	)
	require.ErrorIs(t, err, domainerrors.ErrModelDisabled)
}

func TestNewGatewaySkipsDisabledFallback(t *testing.T) {
	policies := gatewayPolicies()
	disabled := policies["deepseek-chat"]
	disabled.Status = config.ModelStatusDisabled
	policies["deepseek-chat"] = disabled

	gateway := newTestGateway(t, &MockTranslator{}, &captureRecorder{}, policies, 0)

	assert.Equal(t, []string{"gpt-4o-mini"}, gateway.Chain())
}

func TestNewGatewayWithFallbackDisabledKeepsPrimaryOnly(t *testing.T) {
	metrics, err := NewPipelineMetricsWithProvider(
		PipelineMetricsConfig{ServiceName: "locpipe-test"},
		createTestMeterProvider(t),
	)
	require.NoError(t, err)

	gateway, err := NewGateway(
		GatewayConfig{PrimaryModel: "gpt-4o-mini", FallbackEnabled: false, RunID: "run"},
		gatewayPolicies(), &MockTranslator{}, NewPromptBuilder("ru", nil), metrics, nil,
	)

	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o-mini"}, gateway.Chain())
}
