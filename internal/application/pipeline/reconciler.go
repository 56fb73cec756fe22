package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/domain/entity"
	domainerrors "locpipe/internal/domain/errors/domain"
)

// markdownCodeBlock strips the ```json fences models love to wrap output in.
var markdownCodeBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// RowTranslation is one accepted translation produced by reconciliation.
type RowTranslation struct {
	RowID string
	Text  string
}

// translationItem is one entry of the response contract.
type translationItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Reconciler parses model output and matches it back to the requested batch.
// Matching is by id and order-independent; the model is free to return rows in
// any order but never to rename, drop, or invent ids silently.
type Reconciler struct {
	validator     *PlaceholderValidator
	partialAccept bool
}

// NewReconciler creates a reconciler. With partialAccept enabled, a response
// covering only part of the batch commits the matched rows and reports the
// rest for requeueing; otherwise any mismatch rejects the whole batch.
func NewReconciler(validator *PlaceholderValidator, partialAccept bool) *Reconciler {
	return &Reconciler{
		validator:     validator,
		partialAccept: partialAccept,
	}
}

// Reconcile validates a call result against its batch. It returns the accepted
// translations and the row ids that must be retried. A non-nil error means the
// whole batch is rejected (rejected then lists every id).
func (r *Reconciler) Reconcile(
	ctx context.Context,
	result *entity.CallResult,
	batch *entity.Batch,
) ([]RowTranslation, []string, error) {
	items, err := parseTranslations(result.RawText())
	if err != nil {
		return nil, batch.IDs(), err
	}
	result.AttachItems(items)

	accepted := make([]RowTranslation, 0, batch.Size())
	rejected := make([]string, 0)
	missing := 0
	violations := 0

	for _, row := range batch.Rows() {
		text, ok := items[row.ID()]
		if !ok || text == "" {
			rejected = append(rejected, row.ID())
			missing++
			continue
		}
		if err := r.validator.Validate(row.SourceText(), text); err != nil {
			slogger.Warn(ctx, "Translation rejected by placeholder check", slogger.Fields3(
				"row_id", row.ID(),
				"batch_idx", batch.Index(),
				"reason", err.Error(),
			))
			rejected = append(rejected, row.ID())
			violations++
			continue
		}
		accepted = append(accepted, RowTranslation{RowID: row.ID(), Text: text})
	}

	// Returned ids outside the request are logged and ignored, never fatal.
	if extra := extraIDs(items, batch); len(extra) > 0 {
		slogger.Warn(ctx, "Response contained ids outside the request", slogger.Fields2(
			"batch_idx", batch.Index(),
			"extra_ids", extra,
		))
	}

	if len(rejected) == 0 {
		return accepted, nil, nil
	}

	if len(accepted) > 0 && r.partialAccept {
		return accepted, rejected, nil
	}

	// Strict mode (or nothing usable): reject the whole batch.
	if missing == 0 && violations > 0 {
		return nil, batch.IDs(), fmt.Errorf("%w: %d row(s) in batch %d",
			domainerrors.ErrPlaceholderViolation, violations, batch.Index())
	}
	return nil, batch.IDs(), fmt.Errorf("%w: batch %d missing %d of %d row(s)",
		domainerrors.ErrIDMismatch, batch.Index(), missing, batch.Size())
}

// parseTranslations extracts the structured payload from raw model output,
// tolerating code fences and surrounding prose. The top-level container key is
// required; its absence is a malformed response, never an empty success.
func parseTranslations(raw string) (map[string]string, error) {
	content := strings.TrimSpace(raw)

	if m := markdownCodeBlock.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}

	// Fall back to the outermost JSON object when the model added prose.
	startIdx := strings.Index(content, "{")
	endIdx := strings.LastIndex(content, "}")
	if startIdx >= 0 && endIdx > startIdx {
		content = content[startIdx : endIdx+1]
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", domainerrors.ErrMalformedResponse, err)
	}

	rawItems, ok := envelope["translations"]
	if !ok {
		return nil, fmt.Errorf("%w: no translations key", domainerrors.ErrMalformedResponse)
	}

	var parsed []translationItem
	if err := json.Unmarshal(rawItems, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", domainerrors.ErrMalformedResponse, err)
	}

	items := make(map[string]string, len(parsed))
	for _, item := range parsed {
		if item.ID == "" {
			continue
		}
		items[item.ID] = item.Text
	}
	return items, nil
}

func extraIDs(items map[string]string, batch *entity.Batch) []string {
	requested := make(map[string]bool, batch.Size())
	for _, id := range batch.IDs() {
		requested[id] = true
	}
	extra := make([]string, 0)
	for id := range items {
		if !requested[id] {
			extra = append(extra, id)
		}
	}
	return extra
}
