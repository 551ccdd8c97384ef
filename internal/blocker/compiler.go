// Package blocker submits content-blocking rule sets to the engine's rule
// compiler, caches the compiled handles, and applies them to page contexts.
package blocker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
	"github.com/nimbusbrowser/extension-runtime/internal/rules"
)

// Rule file conventions inside an extension directory. The native file is
// compiled as-is; the third-party file goes through the converter first.
const (
	NativeRuleFile     = "content_blocker.json"
	ThirdPartyRuleFile = "rules.json"
)

// Catalog is the slice of the registry the compiler reads when applying
// rule sets to page contexts.
type Catalog interface {
	ListEnabled() []*domain.Extension
}

// Compiler compiles and caches content-blocking rule sets. Compilation is
// serialized process-wide: a request arriving while one is in flight is
// dropped with a warning, not queued. Bounded concurrency by rejection.
type Compiler struct {
	mu        sync.Mutex
	compiled  map[string]*domain.CompiledRuleSet
	inFlight  atomic.Bool
	engine    domain.Engine
	converter *rules.Converter
	catalog   Catalog
}

// New creates a Compiler.
func New(engine domain.Engine, converter *rules.Converter, catalog Catalog) *Compiler {
	return &Compiler{
		compiled:  make(map[string]*domain.CompiledRuleSet),
		engine:    engine,
		converter: converter,
		catalog:   catalog,
	}
}

// Compile locates the extension's rule source, converts it if needed, and
// compiles it through the engine. A still-valid cached handle is returned
// without recompiling; a version change invalidates it. On engine failure
// the previous handle, if any, is retained so the extension keeps its last
// good rules rather than none.
func (c *Compiler) Compile(ctx context.Context, ext *domain.Extension) (*domain.CompiledRuleSet, error) {
	c.mu.Lock()
	if cached, ok := c.compiled[ext.ID]; ok && cached.SourceVersion == ext.Version {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	if !c.inFlight.CompareAndSwap(false, true) {
		log.Warn().Str("id", ext.ID).Msg("Rule compilation already in flight, dropping request")
		return nil, domain.NewAppError(
			domain.ErrCompile,
			"A rule compilation is already in progress",
			map[string]any{"id": ext.ID},
		).WithOperation("compile")
	}
	defer c.inFlight.Store(false)

	rulesJSON, count, ok := c.loadRuleSource(ext)
	if !ok {
		// No rule files at all; nothing to compile.
		return nil, nil
	}

	handle, err := c.engine.CompileRuleList(ctx, ext.ID, rulesJSON)
	if err != nil {
		c.mu.Lock()
		previous := c.compiled[ext.ID]
		c.mu.Unlock()

		if previous != nil {
			log.Warn().Err(err).Str("id", ext.ID).Msg("Rule compilation failed, retaining previous rule set")
			return previous, nil
		}
		return nil, domain.NewAppErrorWithCause(
			domain.ErrCompile,
			"Content-blocking rules failed to compile",
			err,
			map[string]any{"id": ext.ID},
		).WithOperation("compile")
	}

	compiled := &domain.CompiledRuleSet{
		ExtensionID:   ext.ID,
		Handle:        handle,
		RuleCount:     count,
		SourceVersion: ext.Version,
		CompiledAt:    time.Now(),
	}

	c.mu.Lock()
	c.compiled[ext.ID] = compiled
	c.mu.Unlock()

	log.Info().Str("id", ext.ID).Int("rules", count).Msg("Content-blocking rules compiled")
	return compiled, nil
}

// loadRuleSource reads the native rule file when present, else converts the
// third-party one. The third bool is false when the extension ships no
// rules.
func (c *Compiler) loadRuleSource(ext *domain.Extension) (string, int, bool) {
	if data, err := os.ReadFile(filepath.Join(ext.Directory, NativeRuleFile)); err == nil {
		return string(data), countNativeRules(data), true
	}

	data, err := os.ReadFile(filepath.Join(ext.Directory, ThirdPartyRuleFile))
	if err != nil {
		return "", 0, false
	}

	converted, count := c.converter.Convert(data)
	return converted, count, true
}

// countNativeRules counts entries in a native rule list without decoding
// rule bodies.
func countNativeRules(data []byte) int {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0
	}
	return len(raw)
}

// CompileAll compiles rules for every enabled extension, skipping failures.
func (c *Compiler) CompileAll(ctx context.Context) {
	for _, ext := range c.catalog.ListEnabled() {
		if _, err := c.Compile(ctx, ext); err != nil {
			log.Warn().Err(err).Str("id", ext.ID).Msg("Skipping extension with uncompilable rules")
		}
	}
}

// ApplyTo attaches every enabled extension's compiled rule set to a page
// context. Reapplying is harmless, but contexts created before a rule set
// compiled do not receive it unless this is called again for them.
func (c *Compiler) ApplyTo(ctx context.Context, pageContext string) {
	enabled := c.catalog.ListEnabled()

	c.mu.Lock()
	handles := make([]*domain.CompiledRuleSet, 0, len(enabled))
	for _, ext := range enabled {
		if compiled, ok := c.compiled[ext.ID]; ok {
			handles = append(handles, compiled)
		}
	}
	c.mu.Unlock()

	for _, compiled := range handles {
		if err := c.engine.AttachRuleList(ctx, compiled.Handle, pageContext); err != nil {
			log.Warn().Err(err).Str("id", compiled.ExtensionID).Msg("Failed to attach rule list to page context")
		}
	}
}

// Invalidate drops an extension's compiled rule set and evicts it from the
// engine's rule store. Used on uninstall.
func (c *Compiler) Invalidate(ctx context.Context, extensionID string) {
	c.mu.Lock()
	_, ok := c.compiled[extensionID]
	delete(c.compiled, extensionID)
	c.mu.Unlock()

	if ok {
		if err := c.engine.RemoveRuleList(ctx, extensionID); err != nil {
			log.Warn().Err(err).Str("id", extensionID).Msg("Failed to remove rule list from engine store")
		}
	}
}

// CompiledFor returns the cached rule set for an extension id, if any.
func (c *Compiler) CompiledFor(extensionID string) (*domain.CompiledRuleSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	compiled, ok := c.compiled[extensionID]
	return compiled, ok
}

// Stats returns compiler statistics
func (c *Compiler) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, compiled := range c.compiled {
		total += compiled.RuleCount
	}
	return map[string]any{
		"compiled_rule_sets": len(c.compiled),
		"total_rules":        total,
	}
}
