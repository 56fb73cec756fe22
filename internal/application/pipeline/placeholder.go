// Package pipeline implements the batch translation orchestration core: batch
// partitioning, the model call gateway with retry and fallback policy,
// response reconciliation, and the checkpointed processing driver.
package pipeline

import (
	"fmt"
	"regexp"

	domainerrors "locpipe/internal/domain/errors/domain"
)

// DefaultPlaceholderPattern matches the frozen tokens embedded in source text:
// brace placeholders like {player_name} and markup tags like <color=#ff0000>
// or </color>. Datasets with a different freezing scheme override the pattern
// in configuration.
const DefaultPlaceholderPattern = `\{[^{}]+\}|<[^<>]+>`

// PlaceholderValidator enforces the tag preservation invariant: every token
// occurrence in the source must survive, unchanged, in the translation.
type PlaceholderValidator struct {
	pattern *regexp.Regexp
}

// NewPlaceholderValidator compiles the token pattern. An empty pattern selects
// the default.
func NewPlaceholderValidator(pattern string) (*PlaceholderValidator, error) {
	if pattern == "" {
		pattern = DefaultPlaceholderPattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid placeholder pattern: %w", err)
	}
	return &PlaceholderValidator{pattern: compiled}, nil
}

// Tokens returns every token occurrence in the text, in order.
func (v *PlaceholderValidator) Tokens(text string) []string {
	return v.pattern.FindAllString(text, -1)
}

// Validate checks that the translation carries at least as many occurrences of
// each source token as the source does. Translations may reorder tokens freely
// but must never drop or mutate one.
func (v *PlaceholderValidator) Validate(source, translation string) error {
	sourceTokens := v.Tokens(source)
	if len(sourceTokens) == 0 {
		return nil
	}

	required := make(map[string]int, len(sourceTokens))
	for _, token := range sourceTokens {
		required[token]++
	}
	for _, token := range v.Tokens(translation) {
		if required[token] > 0 {
			required[token]--
		}
	}
	for token, missing := range required {
		if missing > 0 {
			return fmt.Errorf("%w: token %q missing %d occurrence(s)",
				domainerrors.ErrPlaceholderViolation, token, missing)
		}
	}
	return nil
}
