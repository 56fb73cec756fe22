package entity

import (
	"errors"
	"locpipe/internal/domain/valueobject"
)

// Row represents one translatable text unit with a stable id. The source text
// arrives already placeholder-tokenized; targetText is the only field the
// pipeline mutates, and only after the translation passed validation.
type Row struct {
	id          string
	sourceText  string
	contentType valueobject.ContentType
	targetText  string
}

// NewRow creates a new Row with validation.
func NewRow(id, sourceText string, contentType valueobject.ContentType) (*Row, error) {
	if id == "" {
		return nil, errors.New("row id cannot be empty")
	}
	if sourceText == "" {
		return nil, errors.New("row source text cannot be empty")
	}
	if contentType == "" {
		contentType = valueobject.ContentTypeNormal
	}
	return &Row{
		id:          id,
		sourceText:  sourceText,
		contentType: contentType,
	}, nil
}

// RestoreRow reconstructs a Row that already carries a translation, used when
// rehydrating state from the result journal.
func RestoreRow(id, sourceText string, contentType valueobject.ContentType, targetText string) (*Row, error) {
	row, err := NewRow(id, sourceText, contentType)
	if err != nil {
		return nil, err
	}
	row.targetText = targetText
	return row, nil
}

// ID returns the row identifier.
func (r *Row) ID() string {
	return r.id
}

// SourceText returns the placeholder-tokenized source text.
func (r *Row) SourceText() string {
	return r.sourceText
}

// ContentType returns the sizing classification of the row.
func (r *Row) ContentType() valueobject.ContentType {
	return r.contentType
}

// TargetText returns the translated text, empty until a translation was accepted.
func (r *Row) TargetText() string {
	return r.targetText
}

// HasTranslation returns true once a validated translation was recorded.
func (r *Row) HasTranslation() bool {
	return r.targetText != ""
}

// SetTranslation records the validated translation for this row.
func (r *Row) SetTranslation(text string) error {
	if text == "" {
		return errors.New("translation text cannot be empty")
	}
	r.targetText = text
	return nil
}
