// Package host composes the extension runtime: registry, injector,
// background host, and content-blocking compiler, wired to a rendering
// engine supplied by the browser shell. Services are explicitly constructed
// here with lifecycle tied to the shell's start/stop; there is no global
// state, and tests build isolated instances freely.
package host

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/nimbusbrowser/extension-runtime/internal/background"
	"github.com/nimbusbrowser/extension-runtime/internal/blocker"
	"github.com/nimbusbrowser/extension-runtime/internal/config"
	"github.com/nimbusbrowser/extension-runtime/internal/domain"
	"github.com/nimbusbrowser/extension-runtime/internal/inject"
	"github.com/nimbusbrowser/extension-runtime/internal/registry"
	"github.com/nimbusbrowser/extension-runtime/internal/rules"
)

// Runtime is the assembled extension runtime the browser shell drives.
type Runtime struct {
	cfg        *config.Config
	registry   *registry.Registry
	injector   *inject.Injector
	background *background.Host
	compiler   *blocker.Compiler
	watcher    *registry.Watcher
	engine     domain.Engine
}

// New wires the runtime from configuration and the shell's engine.
func New(cfg *config.Config, engine domain.Engine) *Runtime {
	backgroundHost := background.NewHost(background.Config{
		ExecTimeout: cfg.Background.ExecTimeout,
	})

	reg := registry.New(registry.Config{
		ExtensionsDir: cfg.Extensions.Dir,
		CatalogPath:   cfg.Extensions.CatalogPath,
	}, backgroundHost)

	injector := inject.New(reg, cfg.Injection.CacheTTL)
	converter := rules.NewConverter(cfg.Rules.MaxConverted)
	compiler := blocker.New(engine, converter, reg)

	// Every catalog mutation invalidates cached injection decisions and
	// recompiles rule sets; Compile is version-pinned, so unchanged
	// extensions keep their cached handle and a rescan version update gets
	// fresh rules before the next page context.
	reg.SetOnChange(func() {
		injector.InvalidateCache()
		compiler.CompileAll(context.Background())
	})

	rt := &Runtime{
		cfg:        cfg,
		registry:   reg,
		injector:   injector,
		background: backgroundHost,
		compiler:   compiler,
		engine:     engine,
	}

	engine.OnScriptMessage(rt.dispatchScriptMessage)

	return rt
}

// Start loads the catalog, starts background contexts for enabled
// extensions, compiles their rule sets, and begins watching the extensions
// directory when configured.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.cfg.EnsureDirectories(); err != nil {
		return err
	}

	if err := rt.registry.Load(); err != nil {
		return err
	}

	for _, ext := range rt.registry.ListEnabled() {
		if !ext.HasBackgroundScript() {
			continue
		}
		if err := rt.background.Start(ext); err != nil {
			log.Warn().Err(err).Str("id", ext.ID).Msg("Background context failed to start at launch")
		}
	}

	rt.compiler.CompileAll(ctx)

	if rt.cfg.Extensions.Watch {
		rt.watcher = registry.NewWatcher(rt.registry, rt.cfg.Extensions.WatchDebounce)
		if err := rt.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Extensions directory watcher failed to start")
			rt.watcher = nil
		}
	}

	log.Info().Int("extensions", len(rt.registry.List())).Msg("Extension runtime started")
	return nil
}

// Stop tears the runtime down: watcher first, then every background
// context. Compiled rule handles stay in the engine's store; the engine
// session owns their lifetime.
func (rt *Runtime) Stop() {
	if rt.watcher != nil {
		rt.watcher.Stop()
		rt.watcher = nil
	}
	rt.background.StopAll()
	log.Info().Msg("Extension runtime stopped")
}

// Registry exposes the extension catalog.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Injector exposes the content-script injector.
func (rt *Runtime) Injector() *inject.Injector { return rt.injector }

// Background exposes the background execution host.
func (rt *Runtime) Background() *background.Host { return rt.background }

// Compiler exposes the content-blocking compiler.
func (rt *Runtime) Compiler() *blocker.Compiler { return rt.compiler }

// Install installs an extension and compiles its rule set. Rule problems
// degrade to no blocking; they never fail the install.
func (rt *Runtime) Install(ctx context.Context, sourcePath string) (*domain.Extension, error) {
	ext, err := rt.registry.Install(sourcePath)
	if err != nil {
		return nil, err
	}

	if _, err := rt.compiler.Compile(ctx, ext); err != nil {
		log.Warn().Err(err).Str("id", ext.ID).Msg("Installed without content-blocking rules")
	}
	return ext, nil
}

// Uninstall removes an extension and evicts its compiled rules.
func (rt *Runtime) Uninstall(ctx context.Context, id string) error {
	if err := rt.registry.Uninstall(id); err != nil {
		return err
	}
	rt.compiler.Invalidate(ctx, id)
	return nil
}

// ToggleEnabled flips an extension's enabled state. Enabling recompiles its
// rules when needed; disabled extensions keep their compiled handle but
// ApplyTo skips them.
func (rt *Runtime) ToggleEnabled(ctx context.Context, id string) error {
	if err := rt.registry.ToggleEnabled(id); err != nil {
		return err
	}

	ext, err := rt.registry.Get(id)
	if err != nil {
		return err
	}
	if ext.Enabled {
		if _, err := rt.compiler.Compile(ctx, ext); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Enabled without content-blocking rules")
		}
	}
	return nil
}

// PageCreated applies every enabled extension's compiled rule set to a new
// page context.
func (rt *Runtime) PageCreated(ctx context.Context, pageContext string) {
	rt.compiler.ApplyTo(ctx, pageContext)
}

// dispatchScriptMessage routes messages arriving from page-side scripts
// into the background host.
func (rt *Runtime) dispatchScriptMessage(channel string, payload []byte) {
	msg := domain.NewMessage(channel, "", payload)

	switch msg.Kind {
	case domain.MessageSendMessage:
		var body struct {
			ExtensionID string `json:"extension_id"`
			Message     any    `json:"message"`
		}
		if err := unmarshalPayload(payload, &body); err != nil {
			log.Debug().Err(err).Str("channel", channel).Msg("Malformed script message dropped")
			return
		}
		rt.background.SendMessage(body.ExtensionID, body.Message)
	default:
		log.Debug().Str("channel", channel).Msg("Unhandled script message channel")
	}
}

func unmarshalPayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(payload, v)
}

// HealthCheck aggregates component health.
func (rt *Runtime) HealthCheck() map[string]domain.HealthStatus {
	return map[string]domain.HealthStatus{
		"registry":   rt.registry.HealthCheck(),
		"background": rt.background.HealthCheck(),
	}
}

// Stats aggregates component statistics.
func (rt *Runtime) Stats() map[string]any {
	return map[string]any{
		"registry":   rt.registry.Stats(),
		"background": rt.background.Stats(),
		"compiler":   rt.compiler.Stats(),
		"injector":   rt.injector.Stats(),
	}
}
