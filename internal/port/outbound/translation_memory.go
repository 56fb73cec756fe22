package outbound

import "context"

// MemoryEntry is one reusable translation stored in the translation memory.
type MemoryEntry struct {
	SourceText string
	TargetText string
	TargetLang string
	Model      string
}

// TranslationMemory caches validated translations keyed by exact source text
// and target language. Lookups run before dispatch so previously translated
// rows never reach the model again; stores run after commit, best-effort.
type TranslationMemory interface {
	// Lookup returns source text to translated text for every hit. Misses are
	// simply absent from the map.
	Lookup(ctx context.Context, sourceTexts []string, targetLang string) (map[string]string, error)

	// Store upserts validated translations.
	Store(ctx context.Context, entries []MemoryEntry) error

	Close() error
}
