package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
)

const capitalDoc = `---
name: capital
description: Ask for a capital city
version: 1.2.0
temperature: 0.3
max_tokens: 50
output: capital
---
{{#system}}Answer with one word.{{/system}}
{{#user}}Capital of {{country}}?{{/user}}

---

trailing rule stays in the body
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(capitalDoc)
	require.NoError(t, err)

	assert.Equal(t, "capital", doc.Metadata.Name)
	assert.Equal(t, "capital", doc.Metadata.Output)
	assert.Equal(t, "1.2.0", doc.SemVer().String())
	assert.Equal(t, 0.3, doc.GetTemperature(0.2))
	assert.Equal(t, 50, doc.GetMaxTokens(1000))
	assert.Equal(t, "fallback", doc.GetModel("fallback"))
	assert.Contains(t, doc.Body, "trailing rule")
	assert.Equal(t, []string{"country"}, doc.Template.Variables())
}

func TestParseDocument_NoFrontmatter(t *testing.T) {
	doc, err := ParseDocument("{{#user}}hi{{/user}}")
	require.NoError(t, err)
	assert.Empty(t, doc.Metadata.Name)
	assert.Equal(t, "0.0.0", doc.SemVer().String())
}

func TestParseDocument_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad version":     "---\nversion: banana\n---\nx",
		"bad temperature": "---\ntemperature: 3\n---\nx",
		"bad max tokens":  "---\nmax_tokens: 0\n---\nx",
		"bad output key":  "---\noutput: not-ident\n---\nx",
		"bad parser":      "---\nparser: xml\n---\nx",
		"bad yaml":        "---\nname: [\n---\nx",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument(src)
			assert.Error(t, err)
		})
	}

	_, err := ParseDocument("---\nname: x\n---\n{{#user}}")
	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
}

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLibrary_VersionsAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "capital-v1.prompt", "---\nname: capital\nversion: 1.0.0\n---\nv1 {{country}}")
	writeDoc(t, dir, "capital-v2.prompt", "---\nname: capital\nversion: 2.1.0\n---\nv2 {{country}}")
	writeDoc(t, dir, "summarize.md", "Summarize {{text}}")
	writeDoc(t, dir, "notes.txt", "ignored")

	lib, err := OpenLibrary(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"capital", "summarize"}, lib.Names())

	doc, err := lib.Get("capital")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", doc.Metadata.Version)

	doc, err = lib.GetVersion("capital", "^1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", doc.Metadata.Version)

	_, err = lib.GetVersion("capital", ">=3")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = lib.GetVersion("capital", "not a constraint")
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = lib.Get("missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLibrary_DuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.prompt", "---\nname: same\nversion: 1.0.0\n---\na")
	writeDoc(t, dir, "b.prompt", "---\nname: same\nversion: 1.0.0\n---\nb")

	_, err := OpenLibrary(dir, nil)
	assert.Error(t, err)
}

func TestLibrary_BadDocumentKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "ok.prompt", "fine")
	lib, err := OpenLibrary(dir, nil)
	require.NoError(t, err)

	writeDoc(t, dir, "broken.prompt", "{{#user}}")
	assert.Error(t, lib.Load())
	assert.Equal(t, []string{"ok"}, lib.Names())
}

func TestLibrary_Watch(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "first.prompt", "one")

	lib, err := OpenLibrary(dir, nil)
	require.NoError(t, err)
	lib.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, lib.Watch(ctx))

	writeDoc(t, dir, "second.prompt", "two")

	assert.Eventually(t, func() bool {
		_, err := lib.Get("second")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
