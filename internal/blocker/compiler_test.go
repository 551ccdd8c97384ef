package blocker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
	"github.com/nimbusbrowser/extension-runtime/internal/rules"
)

// fakeEngine records rule-list operations and can be told to fail
// compilation.
type fakeEngine struct {
	mu          sync.Mutex
	compiled    map[string]string // identifier -> rulesJSON
	attached    []string          // "identifier@pageContext"
	removed     []string
	failCompile bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{compiled: make(map[string]string)}
}

func (e *fakeEngine) EvaluateScript(ctx context.Context, source, pageContext string) (any, error) {
	return nil, nil
}

func (e *fakeEngine) LoadLocalFile(ctx context.Context, path, sandboxRoot, pageContext string) error {
	return nil
}

func (e *fakeEngine) CompileRuleList(ctx context.Context, identifier, rulesJSON string) (domain.RuleListHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCompile {
		return nil, errors.New("compile rejected")
	}
	e.compiled[identifier] = rulesJSON
	return "handle-" + identifier, nil
}

func (e *fakeEngine) RemoveRuleList(ctx context.Context, identifier string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, identifier)
	delete(e.compiled, identifier)
	return nil
}

func (e *fakeEngine) AttachRuleList(ctx context.Context, handle domain.RuleListHandle, pageContext string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = append(e.attached, handle.(string)+"@"+pageContext)
	return nil
}

func (e *fakeEngine) OnScriptMessage(handler func(channel string, payload []byte)) {}

type stubCatalog struct {
	enabled []*domain.Extension
}

func (c *stubCatalog) ListEnabled() []*domain.Extension {
	return c.enabled
}

func makeExtension(t *testing.T, id, version string, files map[string]string) *domain.Extension {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return &domain.Extension{
		ID:        id,
		Version:   version,
		Enabled:   true,
		Directory: dir,
	}
}

func newTestCompiler(engine *fakeEngine, catalog *stubCatalog) *Compiler {
	return New(engine, rules.NewConverter(0), catalog)
}

func TestCompile_NativeRulesPassThrough(t *testing.T) {
	native := `[{"trigger":{"url-filter":"ads"},"action":{"type":"block"}}]`
	ext := makeExtension(t, "ext-native", "1.0", map[string]string{
		NativeRuleFile: native,
	})

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	compiled, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	require.NotNil(t, compiled)

	assert.Equal(t, 1, compiled.RuleCount)
	assert.Equal(t, "1.0", compiled.SourceVersion)
	// Native rules reach the engine untouched.
	assert.Equal(t, native, engine.compiled["ext-native"])
}

func TestCompile_ThirdPartyRulesConverted(t *testing.T) {
	ext := makeExtension(t, "ext-dnr", "1.0", map[string]string{
		ThirdPartyRuleFile: `[{"condition":{"urlFilter":"||ads.example.com^"}}]`,
	})

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	compiled, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	require.NotNil(t, compiled)

	assert.Equal(t, 1, compiled.RuleCount)
	assert.Contains(t, engine.compiled["ext-dnr"], `url-filter`)
	assert.Contains(t, engine.compiled["ext-dnr"], `ads\.example\.com`)
}

func TestCompile_NativeWinsOverThirdParty(t *testing.T) {
	ext := makeExtension(t, "ext-both", "1.0", map[string]string{
		NativeRuleFile:     `[{"trigger":{"url-filter":"native"},"action":{"type":"block"}}]`,
		ThirdPartyRuleFile: `[{"condition":{"urlFilter":"third-party"}}]`,
	})

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	_, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	assert.Contains(t, engine.compiled["ext-both"], "native")
	assert.NotContains(t, engine.compiled["ext-both"], "third-party")
}

func TestCompile_NoRuleFiles(t *testing.T) {
	ext := makeExtension(t, "ext-none", "1.0", nil)

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	compiled, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	assert.Nil(t, compiled)
	assert.Empty(t, engine.compiled)
}

func TestCompile_CachedHandleReused(t *testing.T) {
	ext := makeExtension(t, "ext-cache", "1.0", map[string]string{
		NativeRuleFile: `[]`,
	})

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	first, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)

	second, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A version bump forces a recompile.
	ext.Version = "2.0"
	third, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, "2.0", third.SourceVersion)
}

func TestCompile_FailureRetainsPreviousHandle(t *testing.T) {
	ext := makeExtension(t, "ext-retain", "1.0", map[string]string{
		NativeRuleFile: `[]`,
	})

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	first, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)

	engine.failCompile = true
	ext.Version = "2.0"

	// The previous rule set keeps serving instead of dropping to none.
	retained, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	assert.Same(t, first, retained)

	cached, ok := c.CompiledFor(ext.ID)
	require.True(t, ok)
	assert.Equal(t, "1.0", cached.SourceVersion)
}

func TestCompile_FailureWithoutPreviousHandle(t *testing.T) {
	ext := makeExtension(t, "ext-fail", "1.0", map[string]string{
		NativeRuleFile: `[]`,
	})

	engine := newFakeEngine()
	engine.failCompile = true
	c := newTestCompiler(engine, &stubCatalog{})

	_, err := c.Compile(context.Background(), ext)
	require.Error(t, err)
	assert.True(t, domain.IsCompileError(err))

	_, ok := c.CompiledFor(ext.ID)
	assert.False(t, ok)
}

func TestCompile_InFlightRequestDropped(t *testing.T) {
	ext := makeExtension(t, "ext-busy", "1.0", map[string]string{
		NativeRuleFile: `[]`,
	})

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	// Simulate a compilation already holding the slot.
	require.True(t, c.inFlight.CompareAndSwap(false, true))

	_, err := c.Compile(context.Background(), ext)
	require.Error(t, err)
	assert.True(t, domain.IsCompileError(err))

	// Releasing the slot lets the next request through.
	c.inFlight.Store(false)
	compiled, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)
	assert.NotNil(t, compiled)
}

func TestApplyTo_EnabledOnly(t *testing.T) {
	enabled := makeExtension(t, "ext-on", "1.0", map[string]string{NativeRuleFile: `[]`})
	catalog := &stubCatalog{enabled: []*domain.Extension{enabled}}

	engine := newFakeEngine()
	c := newTestCompiler(engine, catalog)

	c.CompileAll(context.Background())
	c.ApplyTo(context.Background(), "page-1")

	assert.Equal(t, []string{"handle-ext-on@page-1"}, engine.attached)

	// A second application of the same handle is harmless.
	c.ApplyTo(context.Background(), "page-1")
	assert.Len(t, engine.attached, 2)
}

func TestApplyTo_SkipsUncompiled(t *testing.T) {
	noRules := makeExtension(t, "ext-norules", "1.0", nil)
	catalog := &stubCatalog{enabled: []*domain.Extension{noRules}}

	engine := newFakeEngine()
	c := newTestCompiler(engine, catalog)

	c.CompileAll(context.Background())
	c.ApplyTo(context.Background(), "page-1")
	assert.Empty(t, engine.attached)
}

func TestInvalidate(t *testing.T) {
	ext := makeExtension(t, "ext-gone", "1.0", map[string]string{NativeRuleFile: `[]`})

	engine := newFakeEngine()
	c := newTestCompiler(engine, &stubCatalog{})

	_, err := c.Compile(context.Background(), ext)
	require.NoError(t, err)

	c.Invalidate(context.Background(), ext.ID)

	_, ok := c.CompiledFor(ext.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{ext.ID}, engine.removed)

	// Invalidating an unknown id never reaches the engine.
	c.Invalidate(context.Background(), "unknown")
	assert.Len(t, engine.removed, 1)
}
