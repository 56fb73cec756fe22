package valueobject

import "fmt"

// ContentType classifies a translatable row for batch sizing and timeout policy.
type ContentType string

// Content type constants.
const (
	ContentTypeNormal   ContentType = "normal"
	ContentTypeLongText ContentType = "long_text"
)

// validContentTypes contains all valid content types.
var validContentTypes = map[ContentType]bool{
	ContentTypeNormal:   true,
	ContentTypeLongText: true,
}

// NewContentType creates a new ContentType with validation. An empty string
// defaults to ContentTypeNormal, matching datasets that omit the column.
func NewContentType(contentType string) (ContentType, error) {
	if contentType == "" {
		return ContentTypeNormal, nil
	}
	c := ContentType(contentType)
	if !validContentTypes[c] {
		return "", fmt.Errorf("invalid content type: %s", contentType)
	}
	return c, nil
}

// String returns the string representation of the content type.
func (c ContentType) String() string {
	return string(c)
}

// IsLongText returns true if rows of this type use the long-text batch budget.
func (c ContentType) IsLongText() bool {
	return c == ContentTypeLongText
}

// AllContentTypes returns all valid content types.
func AllContentTypes() []ContentType {
	return []ContentType{ContentTypeNormal, ContentTypeLongText}
}
