package inject

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
)

type stubCatalog struct {
	enabled []*domain.Extension
}

func (c *stubCatalog) ListEnabled() []*domain.Extension {
	return c.enabled
}

func makeExtension(t *testing.T, id string, scripts []domain.ContentScript, files map[string]string) *domain.Extension {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return &domain.Extension{
		ID:             id,
		Enabled:        true,
		ContentScripts: scripts,
		Directory:      dir,
	}
}

func TestScriptsFor_CSSBeforeJS(t *testing.T) {
	ext := makeExtension(t, "ext-a", []domain.ContentScript{
		{
			Matches: []string{"<all_urls>"},
			JS:      []string{"main.js"},
			CSS:     []string{"style.css"},
			RunAt:   domain.RunAtDocumentEnd,
		},
	}, map[string]string{
		"main.js":   "console.log('js');",
		"style.css": "body { margin: 0; }",
	})

	injector := New(&stubCatalog{enabled: []*domain.Extension{ext}}, 0)
	payloads := injector.ScriptsFor("https://example.com/")

	require.Len(t, payloads, 2)
	assert.Equal(t, domain.PayloadCSS, payloads[0].Kind)
	assert.Equal(t, domain.PayloadJS, payloads[1].Kind)
	assert.Equal(t, "console.log('js');", payloads[1].Source)
	assert.Equal(t, domain.RunAtDocumentEnd, payloads[0].RunAt)

	// CSS arrives as the generated style-append script, not raw stylesheet.
	assert.Contains(t, payloads[0].Source, "document.createElement('style')")
	assert.Contains(t, payloads[0].Source, "body { margin: 0; }")
}

func TestScriptsFor_CatalogAndDeclarationOrder(t *testing.T) {
	first := makeExtension(t, "ext-first", []domain.ContentScript{
		{Matches: []string{"<all_urls>"}, JS: []string{"a.js", "b.js"}},
	}, map[string]string{"a.js": "a", "b.js": "b"})

	second := makeExtension(t, "ext-second", []domain.ContentScript{
		{Matches: []string{"<all_urls>"}, JS: []string{"c.js"}},
	}, map[string]string{"c.js": "c"})

	injector := New(&stubCatalog{enabled: []*domain.Extension{first, second}}, 0)
	payloads := injector.ScriptsFor("https://example.com/")

	require.Len(t, payloads, 3)
	assert.Equal(t, "ext-first", payloads[0].ExtensionID)
	assert.Equal(t, "a.js", payloads[0].Path)
	assert.Equal(t, "b.js", payloads[1].Path)
	assert.Equal(t, "ext-second", payloads[2].ExtensionID)
}

func TestScriptsFor_PatternScoping(t *testing.T) {
	ext := makeExtension(t, "ext-scoped", []domain.ContentScript{
		{Matches: []string{"*://*.example.com/*"}, JS: []string{"a.js"}},
	}, map[string]string{"a.js": "a"})

	injector := New(&stubCatalog{enabled: []*domain.Extension{ext}}, 0)

	assert.Len(t, injector.ScriptsFor("https://www.example.com/page"), 1)
	assert.Empty(t, injector.ScriptsFor("https://other.net/"))
	assert.Empty(t, injector.ScriptsFor("file:///tmp/x"))
}

func TestScriptsFor_MissingAssetSkipped(t *testing.T) {
	ext := makeExtension(t, "ext-partial", []domain.ContentScript{
		{Matches: []string{"<all_urls>"}, JS: []string{"gone.js", "here.js"}},
	}, map[string]string{"here.js": "present"})

	injector := New(&stubCatalog{enabled: []*domain.Extension{ext}}, 0)
	payloads := injector.ScriptsFor("https://example.com/")

	require.Len(t, payloads, 1)
	assert.Equal(t, "here.js", payloads[0].Path)
}

func TestScriptsFor_SandboxEscapeSkipped(t *testing.T) {
	ext := makeExtension(t, "ext-escape", []domain.ContentScript{
		{Matches: []string{"<all_urls>"}, JS: []string{"../../etc/passwd", "ok.js"}},
	}, map[string]string{"ok.js": "fine"})

	injector := New(&stubCatalog{enabled: []*domain.Extension{ext}}, 0)
	payloads := injector.ScriptsFor("https://example.com/")

	require.Len(t, payloads, 1)
	assert.Equal(t, "ok.js", payloads[0].Path)
}

func TestScriptsFor_CacheInvalidation(t *testing.T) {
	catalog := &stubCatalog{}
	ext := makeExtension(t, "ext-cached", []domain.ContentScript{
		{Matches: []string{"<all_urls>"}, JS: []string{"a.js"}},
	}, map[string]string{"a.js": "a"})
	catalog.enabled = []*domain.Extension{ext}

	injector := New(catalog, time.Hour)

	require.Len(t, injector.ScriptsFor("https://example.com/"), 1)

	// The catalog changed underneath but the cached decision still serves.
	catalog.enabled = nil
	require.Len(t, injector.ScriptsFor("https://example.com/"), 1)

	injector.InvalidateCache()
	assert.Empty(t, injector.ScriptsFor("https://example.com/"))
}

func TestScriptsFor_CachedResultIsIsolated(t *testing.T) {
	ext := makeExtension(t, "ext-iso", []domain.ContentScript{
		{Matches: []string{"<all_urls>"}, JS: []string{"a.js", "b.js"}},
	}, map[string]string{"a.js": "a", "b.js": "b"})

	injector := New(&stubCatalog{enabled: []*domain.Extension{ext}}, time.Hour)

	// Mutating a returned slice must not corrupt later cached responses.
	first := injector.ScriptsFor("https://example.com/")
	require.Len(t, first, 2)
	first[0], first[1] = first[1], first[0]
	first[0].Source = "mutated"

	second := injector.ScriptsFor("https://example.com/")
	require.Len(t, second, 2)
	assert.Equal(t, "a.js", second[0].Path)
	assert.Equal(t, "a", second[0].Source)
	assert.Equal(t, "b.js", second[1].Path)
}

func TestWrapCSS_Escaping(t *testing.T) {
	tests := []struct {
		name     string
		css      string
		expected string
	}{
		{"double quotes", `a[title="x"] { }`, `a[title=\"x\"] { }`},
		{"backslash", `content: "\2022"`, `content: \"\\2022\"`},
		{"newlines", "a{}\nb{}", `a{}\nb{}`},
		{"tabs and cr", "a{}\r\tb{}", `a{}\r\tb{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapCSS(tt.css)
			assert.Contains(t, wrapped, tt.expected)
			// The generated script stays a single line regardless of input.
			assert.NotContains(t, wrapped, "\n")
		})
	}
}
