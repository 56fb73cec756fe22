// Package glossary loads the project term base and renders the prompt section
// that pins domain terminology. Only terms that actually occur in the batch
// being translated are injected, keeping prompts small.
package glossary

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Term is one enforced source-to-target term mapping.
type Term struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Note   string `yaml:"note,omitempty"`
}

// Glossary is an immutable term base loaded once per run.
type Glossary struct {
	terms []Term
}

type glossaryFile struct {
	Terms []Term `yaml:"terms"`
}

// Load reads and parses a glossary YAML file.
func Load(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read glossary file %s: %w", path, err)
	}
	glossary, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse glossary file %s: %w", path, err)
	}
	return glossary, nil
}

// Parse parses glossary YAML content.
func Parse(data []byte) (*Glossary, error) {
	var file glossaryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid glossary YAML: %w", err)
	}

	for i, term := range file.Terms {
		if strings.TrimSpace(term.Source) == "" {
			return nil, fmt.Errorf("glossary term %d: source cannot be empty", i)
		}
		if strings.TrimSpace(term.Target) == "" {
			return nil, fmt.Errorf("glossary term %d (%s): target cannot be empty", i, term.Source)
		}
	}

	return &Glossary{terms: file.Terms}, nil
}

// Empty returns a glossary with no terms.
func Empty() *Glossary {
	return &Glossary{}
}

// Len returns the number of loaded terms.
func (g *Glossary) Len() int {
	return len(g.terms)
}

// MatchingTerms returns the terms whose source form occurs in any of the
// given texts, in glossary order.
func (g *Glossary) MatchingTerms(texts []string) []Term {
	if len(g.terms) == 0 || len(texts) == 0 {
		return nil
	}

	matched := make([]Term, 0)
	for _, term := range g.terms {
		for _, text := range texts {
			if strings.Contains(text, term.Source) {
				matched = append(matched, term)
				break
			}
		}
	}
	return matched
}

// Section renders the prompt fragment enforcing the terms that occur in the
// given texts. It returns the empty string when nothing matches.
func (g *Glossary) Section(texts []string) string {
	matched := g.MatchingTerms(texts)
	if len(matched) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Glossary (use these exact translations):\n")
	for _, term := range matched {
		b.WriteString("- ")
		b.WriteString(term.Source)
		b.WriteString(" => ")
		b.WriteString(term.Target)
		if term.Note != "" {
			b.WriteString(" (")
			b.WriteString(term.Note)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}
