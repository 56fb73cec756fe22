package glossary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const glossaryYAML = `
terms:
  - source: 灵力
    target: spirit energy
    note: core resource, never "mana"
  - source: 宗门
    target: sect
  - source: 金丹
    target: golden core
`

func TestParseGlossary(t *testing.T) {
	glossary, err := Parse([]byte(glossaryYAML))

	require.NoError(t, err)
	assert.Equal(t, 3, glossary.Len())
}

func TestParseGlossaryInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing source",
			yaml: "terms:\n  - target: sect\n",
		},
		{
			name: "missing target",
			yaml: "terms:\n  - source: 宗门\n",
		},
		{
			name: "not yaml",
			yaml: "{{{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadGlossaryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glossary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(glossaryYAML), 0o644))

	glossary, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 3, glossary.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMatchingTermsFiltersByOccurrence(t *testing.T) {
	glossary, err := Parse([]byte(glossaryYAML))
	require.NoError(t, err)

	matched := glossary.MatchingTerms([]string{"消耗灵力施放技能", "回到宗门"})

	require.Len(t, matched, 2)
	assert.Equal(t, "灵力", matched[0].Source)
	assert.Equal(t, "宗门", matched[1].Source)
}

func TestSectionRendersOnlyMatchedTerms(t *testing.T) {
	glossary, err := Parse([]byte(glossaryYAML))
	require.NoError(t, err)

	section := glossary.Section([]string{"消耗灵力"})

	assert.Contains(t, section, "灵力 => spirit energy")
	assert.Contains(t, section, `core resource, never "mana"`)
	assert.NotContains(t, section, "宗门")
}

func TestSectionEmptyWhenNothingMatches(t *testing.T) {
	glossary, err := Parse([]byte(glossaryYAML))
	require.NoError(t, err)

	assert.Empty(t, glossary.Section([]string{"你好"}))
	assert.Empty(t, Empty().Section([]string{"灵力"}))
}
