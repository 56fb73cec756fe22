package outbound

import (
	"context"
	"fmt"
	"time"

	"locpipe/internal/domain/entity"
	"locpipe/internal/domain/valueobject"
)

// Translator defines the interface for one model invocation covering a full
// batch. It is a single-attempt boundary: retry, fallback, and cooldown policy
// live above it in the call gateway.
type Translator interface {
	// Translate sends one structured request and returns the raw model output.
	// Failures are returned as *TranslationError so callers can classify them.
	Translate(ctx context.Context, request TranslationRequest) (*TranslationResult, error)
}

// TranslationRequest carries one rendered batch request.
type TranslationRequest struct {
	RequestID    string `json:"request_id"`    // Correlates attempts across logs and traces
	Model        string `json:"model"`         // Provider model identifier
	SystemPrompt string `json:"system_prompt"` // Instruction prompt including the glossary section
	UserPrompt   string `json:"user_prompt"`   // Serialized batch payload (id/source pairs)
}

// TranslationResult is the normalized provider response.
type TranslationResult struct {
	Text      string            `json:"text"`       // Raw response text, still fenced/unparsed
	Model     string            `json:"model"`      // Model that actually served the request
	Usage     entity.TokenUsage `json:"usage"`      // Provider-reported token accounting
	Latency   time.Duration     `json:"latency"`    // Wall time of this attempt
	RequestID string            `json:"request_id"` // Echo of the request correlation id
}

// Translation error types.
const (
	TranslationErrorTypeAuth       = "auth"
	TranslationErrorTypeQuota      = "quota"
	TranslationErrorTypeNetwork    = "network"
	TranslationErrorTypeServer     = "server"
	TranslationErrorTypeTimeout    = "timeout"
	TranslationErrorTypeValidation = "validation"
)

// TranslationError represents errors from the translation boundary with
// classification the gateway keys its retry and fallback decisions off.
type TranslationError struct {
	Code       string        `json:"code"`                  // Machine-readable error code
	Message    string        `json:"message"`               // Human-readable error message
	Type       string        `json:"type"`                  // One of the TranslationErrorType constants
	RequestID  string        `json:"request_id,omitempty"`  // Correlation id when available
	Retryable  bool          `json:"retryable"`             // Whether retrying the same model may help
	RetryAfter time.Duration `json:"retry_after,omitempty"` // Provider-suggested cooldown, zero when absent
	Cause      error         `json:"-"`                     // Underlying error
}

// Error implements the error interface.
func (e *TranslationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("translation error [%s/%s]: %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("translation error [%s/%s]: %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TranslationError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the same model may succeed on retry.
func (e *TranslationError) IsRetryable() bool {
	return e.Retryable
}

// IsRateLimit returns true for quota and rate-limit errors.
func (e *TranslationError) IsRateLimit() bool {
	return e.Type == TranslationErrorTypeQuota
}

// IsTimeout returns true when the attempt exceeded its time budget.
func (e *TranslationError) IsTimeout() bool {
	return e.Type == TranslationErrorTypeTimeout
}

// IsAuthError returns true for authentication and authorization failures.
func (e *TranslationError) IsAuthError() bool {
	return e.Type == TranslationErrorTypeAuth
}

// DelayHint returns the provider-suggested wait before the next attempt,
// zero when the provider gave none.
func (e *TranslationError) DelayHint() time.Duration {
	return e.RetryAfter
}

// FailureClass maps the transport error onto the domain failure taxonomy.
func (e *TranslationError) FailureClass() valueobject.FailureClass {
	switch e.Type {
	case TranslationErrorTypeTimeout:
		return valueobject.FailureTimeout
	case TranslationErrorTypeQuota:
		return valueobject.FailureRateLimit
	case TranslationErrorTypeNetwork, TranslationErrorTypeServer:
		return valueobject.FailureTransport
	case TranslationErrorTypeAuth:
		return valueobject.FailureAuth
	default:
		return valueobject.FailureUnknown
	}
}
