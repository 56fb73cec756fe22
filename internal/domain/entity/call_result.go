package entity

import (
	"time"

	"locpipe/internal/domain/valueobject"
)

// TokenUsage carries the token accounting reported by the model provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CallFailure classifies a failed gateway invocation.
type CallFailure struct {
	Class   valueobject.FailureClass
	Message string
}

// CallResult is the outcome of one gateway invocation covering a full batch.
// The gateway fills rawText and the transport facts; reconciliation parses the
// raw text and attaches the id-to-translation items. A failed result carries a
// classification instead.
type CallResult struct {
	items     map[string]string
	modelUsed string
	latency   time.Duration
	usage     TokenUsage
	rawText   string
	attempts  int
	failure   *CallFailure
}

// NewCallResult creates a successful call result.
func NewCallResult(
	items map[string]string,
	modelUsed string,
	latency time.Duration,
	usage TokenUsage,
	rawText string,
	attempts int,
) *CallResult {
	return &CallResult{
		items:     items,
		modelUsed: modelUsed,
		latency:   latency,
		usage:     usage,
		rawText:   rawText,
		attempts:  attempts,
	}
}

// NewFailedCallResult creates a call result carrying an error classification
// instead of items.
func NewFailedCallResult(
	class valueobject.FailureClass,
	message string,
	modelUsed string,
	latency time.Duration,
	attempts int,
) *CallResult {
	return &CallResult{
		modelUsed: modelUsed,
		latency:   latency,
		attempts:  attempts,
		failure:   &CallFailure{Class: class, Message: message},
	}
}

// Items returns the parsed row id to translated text mapping.
func (r *CallResult) Items() map[string]string {
	return r.items
}

// AttachItems records the parsed id-to-translation mapping after
// reconciliation parsed the raw response.
func (r *CallResult) AttachItems(items map[string]string) {
	r.items = items
}

// ModelUsed returns the model that produced the response; it differs from the
// requested model when the fallback chain was exercised.
func (r *CallResult) ModelUsed() string {
	return r.modelUsed
}

// Latency returns the total wall time spent across attempts.
func (r *CallResult) Latency() time.Duration {
	return r.latency
}

// Usage returns the provider-reported token accounting.
func (r *CallResult) Usage() TokenUsage {
	return r.usage
}

// RawText returns the unparsed response text, kept for diagnostics.
func (r *CallResult) RawText() string {
	return r.rawText
}

// Attempts returns how many call attempts were made, across all models tried.
func (r *CallResult) Attempts() int {
	return r.attempts
}

// Failed reports whether the invocation failed across the full retry and
// fallback chain.
func (r *CallResult) Failed() bool {
	return r.failure != nil
}

// Failure returns the error classification, or nil on success.
func (r *CallResult) Failure() *CallFailure {
	return r.failure
}
