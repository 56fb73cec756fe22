package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"locpipe/internal/application/glossary"
	"locpipe/internal/domain/entity"
)

// languageNames maps config language codes onto the names used in prompts.
var languageNames = map[string]string{
	"ru": "Russian",
	"en": "English",
}

type promptRow struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type promptPayload struct {
	Rows []promptRow `json:"rows"`
}

// PromptBuilder renders the system and user prompts for one batch. The system
// prompt carries the contract the reconciler later enforces: ids must round
// trip and placeholder tokens must survive verbatim.
type PromptBuilder struct {
	targetLang string
	glossary   *glossary.Glossary
	preamble   string
}

// NewPromptBuilder creates a prompt builder for a target language. A nil
// glossary disables term injection.
func NewPromptBuilder(targetLang string, g *glossary.Glossary) *PromptBuilder {
	if g == nil {
		g = glossary.Empty()
	}
	return &PromptBuilder{
		targetLang: targetLang,
		glossary:   g,
	}
}

// SetSystemPreamble replaces the built-in translator instruction sentence.
// The response contract rules and the glossary section are always appended,
// since the reconciler depends on them.
func (b *PromptBuilder) SetSystemPreamble(text string) {
	b.preamble = strings.TrimSpace(text)
}

// System renders the instruction prompt, including the glossary section for
// terms that occur in this batch.
func (b *PromptBuilder) System(batch *entity.Batch) string {
	language, ok := languageNames[b.targetLang]
	if !ok {
		language = b.targetLang
	}

	var sb strings.Builder
	if b.preamble != "" {
		sb.WriteString(b.preamble)
		sb.WriteString("\n\n")
	} else {
		fmt.Fprintf(&sb, "You are a professional game localization translator. Translate each entry from Chinese into %s.\n\n", language)
	}
	sb.WriteString("Rules:\n")
	sb.WriteString("- Preserve every placeholder token such as {player_name} and every markup tag such as <color=#ff0000> exactly as written. Never translate, drop, or alter the characters inside them.\n")
	sb.WriteString("- Keep line breaks where the source text has them.\n")
	sb.WriteString("- Return a translation for every id you were given, and for no other ids.\n")
	sb.WriteString("- Respond with a single JSON object and nothing else, in the form:\n")
	sb.WriteString(`  {"translations":[{"id":"<id>","text":"<translation>"}]}`)
	sb.WriteString("\n")

	sources := make([]string, 0, batch.Size())
	for _, row := range batch.Rows() {
		sources = append(sources, row.SourceText())
	}
	if section := b.glossary.Section(sources); section != "" {
		sb.WriteString("\n")
		sb.WriteString(section)
	}

	return sb.String()
}

// User renders the serialized batch payload.
func (b *PromptBuilder) User(batch *entity.Batch) (string, error) {
	payload := promptPayload{Rows: make([]promptRow, 0, batch.Size())}
	for _, row := range batch.Rows() {
		payload.Rows = append(payload.Rows, promptRow{
			ID:   row.ID(),
			Text: row.SourceText(),
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize batch %d payload: %w", batch.Index(), err)
	}
	return string(data), nil
}
