package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"locpipe/internal/application/common/retry"
	"locpipe/internal/application/common/slogger"
	"locpipe/internal/config"
	"locpipe/internal/domain/entity"
	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/domain/valueobject"
	"locpipe/internal/port/outbound"
)

// GatewayConfig holds the call policy knobs resolved from run configuration.
type GatewayConfig struct {
	PrimaryModel    string
	FallbackEnabled bool
	RunID           string
	Retry           *retry.RetryConfig
}

// Gateway issues one model call per batch, enforcing the per-model policy:
// retry with backoff against the same model, then fall back through the
// primary's chain, honoring cooldown gaps between consecutive calls to the
// same model. Batches are all-or-nothing at this boundary; the gateway never
// splits or resumes a batch mid-call.
type Gateway struct {
	config     GatewayConfig
	policies   config.ModelPolicies
	chain      []string
	translator outbound.Translator
	prompts    *PromptBuilder
	executor   *retry.RetryExecutor
	metrics    *PipelineMetrics
	recorder   outbound.TraceRecorder

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewGateway resolves the model chain and validates that at least the primary
// model is usable. The chain is the primary followed by its active fallbacks,
// in policy order; disabled fallbacks are skipped with a warning.
func NewGateway(
	cfg GatewayConfig,
	policies config.ModelPolicies,
	translator outbound.Translator,
	prompts *PromptBuilder,
	metrics *PipelineMetrics,
	recorder outbound.TraceRecorder,
) (*Gateway, error) {
	primary, err := policies.Get(cfg.PrimaryModel)
	if err != nil {
		return nil, err
	}
	if !primary.IsActive() {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrModelDisabled, cfg.PrimaryModel)
	}

	chain := []string{cfg.PrimaryModel}
	if cfg.FallbackEnabled {
		for _, fallback := range primary.FallbackChain {
			policy, err := policies.Get(fallback)
			if err != nil {
				return nil, err
			}
			if !policy.IsActive() {
				slogger.WarnNoCtx("Skipping disabled fallback model", slogger.Field("model", fallback))
				continue
			}
			chain = append(chain, fallback)
		}
	}

	return &Gateway{
		config:     cfg,
		policies:   policies,
		chain:      chain,
		translator: translator,
		prompts:    prompts,
		executor:   retry.NewRetryExecutor(cfg.Retry),
		metrics:    metrics,
		recorder:   recorder,
		cooldowns:  make(map[string]time.Time),
	}, nil
}

// Chain returns the resolved model chain, primary first.
func (g *Gateway) Chain() []string {
	return g.chain
}

// Call translates one batch. Transport failures are absorbed into a failed
// CallResult after the retry and fallback budget is spent; the returned error
// is reserved for context cancellation and request rendering problems.
func (g *Gateway) Call(ctx context.Context, batch *entity.Batch) (*entity.CallResult, error) {
	start := time.Now()
	totalAttempts := 0
	var lastFailure *entity.CallFailure

	userPrompt, err := g.prompts.User(batch)
	if err != nil {
		return nil, err
	}

	for position, model := range g.chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		policy, err := g.policies.Get(model)
		if err != nil {
			slogger.Warn(ctx, "Model vanished from policy, skipping", slogger.Field("model", model))
			continue
		}

		if position > 0 {
			g.record(ctx, entity.StepDispatching, entity.EventCallFallback, map[string]any{
				"batch_idx":  batch.Index(),
				"from_model": g.chain[position-1],
				"to_model":   model,
			})
			slogger.Info(ctx, "Falling back to next model in chain", slogger.Fields3(
				"batch_idx", batch.Index(),
				"from_model", g.chain[position-1],
				"to_model", model,
			))
		}

		if err := g.waitCooldown(ctx, model); err != nil {
			return nil, err
		}

		result, attempts, callErr := g.callModel(ctx, model, policy, batch, userPrompt)
		totalAttempts += attempts
		g.stampCooldown(model, policy)

		if callErr == nil {
			latency := time.Since(start)
			g.metrics.RecordCall(ctx, model, OutcomeOK, latency)
			g.metrics.RecordTokens(ctx, model, result.Usage)
			return entity.NewCallResult(nil, model, latency, result.Usage, result.Text, totalAttempts), nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		g.metrics.RecordCall(ctx, model, OutcomeFailed, time.Since(start))
		lastFailure = &entity.CallFailure{
			Class:   classifyCallError(callErr),
			Message: callErr.Error(),
		}

		// A rate-limited model stays off limits for the provider-suggested
		// window, which matters when a later batch retries the chain.
		var translationErr *outbound.TranslationError
		if errors.As(callErr, &translationErr) && translationErr.IsRateLimit() && translationErr.RetryAfter > 0 {
			g.extendCooldown(model, translationErr.RetryAfter)
		}

		slogger.Warn(ctx, "Model exhausted its retry budget", slogger.Fields3(
			"batch_idx", batch.Index(),
			"model", model,
			"error", callErr.Error(),
		))
	}

	if lastFailure == nil {
		lastFailure = &entity.CallFailure{
			Class:   valueobject.FailureUnknown,
			Message: "no usable model in chain",
		}
	}
	return entity.NewFailedCallResult(
		lastFailure.Class,
		lastFailure.Message,
		"",
		time.Since(start),
		totalAttempts,
	), nil
}

// callModel spends the retry budget against a single model. Every attempt is
// traced with latency and token usage; cost accounting downstream reads these
// events, so they are emitted for failures too.
func (g *Gateway) callModel(
	ctx context.Context,
	model string,
	policy config.ModelPolicy,
	batch *entity.Batch,
	userPrompt string,
) (*outbound.TranslationResult, int, error) {
	timeout := policy.TimeoutFor(batch.ContentType())
	systemPrompt := g.prompts.System(batch)

	attempts := 0
	var result *outbound.TranslationResult

	err := g.executor.Execute(ctx, func(ctx context.Context) error {
		attempts++
		requestID := uuid.New().String()
		attemptStart := time.Now()

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, err := g.translator.Translate(attemptCtx, outbound.TranslationRequest{
			RequestID:    requestID,
			Model:        model,
			SystemPrompt: systemPrompt,
			UserPrompt:   userPrompt,
		})

		fields := map[string]any{
			"batch_idx":  batch.Index(),
			"model":      model,
			"attempt":    attempts,
			"request_id": requestID,
			"rows":       batch.Size(),
			"latency_ms": time.Since(attemptStart).Milliseconds(),
		}
		if err != nil {
			fields["outcome"] = "error"
			fields["error"] = err.Error()
			g.record(ctx, entity.StepDispatching, entity.EventCallAttempt, fields)
			return err
		}

		fields["outcome"] = "ok"
		fields["prompt_tokens"] = res.Usage.PromptTokens
		fields["completion_tokens"] = res.Usage.CompletionTokens
		g.record(ctx, entity.StepDispatching, entity.EventCallAttempt, fields)

		result = res
		return nil
	})
	return result, attempts, err
}

// waitCooldown blocks until the model's cooldown window has passed.
func (g *Gateway) waitCooldown(ctx context.Context, model string) error {
	g.mu.Lock()
	until, ok := g.cooldowns[model]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	remaining := time.Until(until)
	if remaining <= 0 {
		return nil
	}

	slogger.Debug(ctx, "Waiting out model cooldown", slogger.Fields2(
		"model", model,
		"wait_ms", remaining.Milliseconds(),
	))

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stampCooldown records the policy-required gap after a completed call.
func (g *Gateway) stampCooldown(model string, policy config.ModelPolicy) {
	if policy.CooldownRequired <= 0 {
		return
	}
	g.mu.Lock()
	g.cooldowns[model] = time.Now().Add(policy.CooldownRequired)
	g.mu.Unlock()
}

// extendCooldown pushes the model's next-allowed time further out, keeping
// the later of the two deadlines.
func (g *Gateway) extendCooldown(model string, wait time.Duration) {
	until := time.Now().Add(wait)
	g.mu.Lock()
	if current, ok := g.cooldowns[model]; !ok || until.After(current) {
		g.cooldowns[model] = until
	}
	g.mu.Unlock()
}

func (g *Gateway) record(ctx context.Context, step, eventType string, fields map[string]any) {
	if g.recorder == nil {
		return
	}
	event := entity.NewTraceEvent(g.config.RunID, step, eventType, fields)
	if err := g.recorder.Record(ctx, event); err != nil {
		slogger.Warn(ctx, "Failed to record trace event", slogger.Fields2(
			"event", eventType,
			"error", err.Error(),
		))
	}
}

// classifyCallError maps a transport error onto the failure taxonomy the
// driver keys its escalation decisions off.
func classifyCallError(err error) valueobject.FailureClass {
	var translationErr *outbound.TranslationError
	if errors.As(err, &translationErr) {
		return translationErr.FailureClass()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return valueobject.FailureTimeout
	}
	return valueobject.FailureTransport
}
