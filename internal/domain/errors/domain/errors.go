// Package domain provides domain-specific error definitions and utilities.
package domain

import "errors"

// Checkpoint-related errors.
var (
	ErrCorruptCheckpoint    = errors.New("checkpoint file is corrupt")
	ErrCheckpointUnreadable = errors.New("checkpoint file cannot be read")
)

// Dataset-related errors.
var (
	ErrMissingIDColumn     = errors.New("dataset is missing the id column")
	ErrMissingSourceColumn = errors.New("dataset is missing the source_text column")
	ErrDuplicateRowID      = errors.New("dataset contains a duplicate row id")
	ErrEmptyDataset        = errors.New("dataset contains no rows")
)

// Reconciliation-related errors.
var (
	ErrMalformedResponse    = errors.New("response is missing the translations container")
	ErrIDMismatch           = errors.New("returned ids do not match requested ids")
	ErrPlaceholderViolation = errors.New("translation does not preserve source placeholders")
)

// Model policy errors.
var (
	ErrUnknownModel   = errors.New("model has no policy entry")
	ErrModelDisabled  = errors.New("model is disabled by policy")
	ErrEmptyFallback  = errors.New("fallback chain is exhausted")
	ErrInvalidPolicy  = errors.New("model policy is invalid")
	ErrNoActiveModels = errors.New("policy file declares no active models")
)

// General domain errors.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrEmptyBatch       = errors.New("batch contains no rows")
	ErrMixedContentType = errors.New("batch mixes content types")
)
