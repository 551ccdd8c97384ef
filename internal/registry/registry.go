// Package registry owns the durable catalog of installed extensions:
// install, uninstall, enable/disable, version-update reconciliation, and
// persistence to/from disk.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
	"github.com/nimbusbrowser/extension-runtime/internal/manifest"
)

// BackgroundController is the slice of the background host the registry
// drives: enabled state and background-context liveness must never diverge,
// so toggle and uninstall reach through this.
type BackgroundController interface {
	Start(ext *domain.Extension) error
	Stop(extensionID string)
}

// noopBackground is used when no background host is attached (tests, or a
// shell that manages contexts itself).
type noopBackground struct{}

func (noopBackground) Start(*domain.Extension) error { return nil }
func (noopBackground) Stop(string)                   {}

// Config holds configuration for the Registry
type Config struct {
	// ExtensionsDir is the root under which each extension lives in a
	// directory named by its id.
	ExtensionsDir string
	// CatalogPath is the JSON catalog file. Defaults to
	// <ExtensionsDir>/catalog.json when empty.
	CatalogPath string
}

// Registry is the catalog of installed extensions. All mutations rewrite the
// whole catalog file; there is no partial persistence.
type Registry struct {
	mu         sync.RWMutex
	extensions map[string]*domain.Extension
	order      []string // catalog order, which is also injection order

	extensionsDir string
	catalogPath   string
	parser        *manifest.Parser
	background    BackgroundController
	onChange      func()
}

// New creates a Registry. The background controller may be nil.
func New(cfg Config, background BackgroundController) *Registry {
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = defaultCatalogPath(cfg.ExtensionsDir)
	}
	if background == nil {
		background = noopBackground{}
	}
	return &Registry{
		extensions:    make(map[string]*domain.Extension),
		extensionsDir: cfg.ExtensionsDir,
		catalogPath:   cfg.CatalogPath,
		parser:        manifest.NewParser(),
		background:    background,
	}
}

func defaultCatalogPath(extensionsDir string) string {
	return filepath.Join(extensionsDir, "catalog.json")
}

// SetOnChange registers the callback invoked after every catalog mutation.
// The injector hangs its cache invalidation off this.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) notifyChange() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Load populates the registry at startup. The catalog file wins when
// present; otherwise the extensions directory is rescanned. Catalog entries
// whose directory no longer exists are dropped rather than erroring.
func (r *Registry) Load() error {
	if err := os.MkdirAll(r.extensionsDir, 0755); err != nil {
		return domain.NewAppErrorWithCause(
			domain.ErrInternal,
			"Failed to create extensions directory",
			err,
			map[string]any{"dir": r.extensionsDir},
		).WithOperation("load")
	}

	data, err := os.ReadFile(r.catalogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r.Rescan()
		}
		return domain.NewAppErrorWithCause(
			domain.ErrInternal,
			"Failed to read extension catalog",
			err,
			map[string]any{"path": r.catalogPath},
		).WithOperation("load")
	}

	var entries []*domain.Extension
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn().Err(err).Str("path", r.catalogPath).Msg("Corrupt extension catalog, rebuilding from disk")
		return r.Rescan()
	}

	r.mu.Lock()
	r.extensions = make(map[string]*domain.Extension, len(entries))
	r.order = r.order[:0]
	for _, ext := range entries {
		if _, err := os.Stat(ext.Directory); err != nil {
			log.Info().Str("id", ext.ID).Str("dir", ext.Directory).Msg("Extension directory missing, dropping from catalog")
			continue
		}
		r.extensions[ext.ID] = ext
		r.order = append(r.order, ext.ID)
	}
	err = r.persistLocked()
	r.mu.Unlock()

	r.notifyChange()
	return err
}

// List returns all extensions in catalog order.
func (r *Registry) List() []*domain.Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Extension, 0, len(r.order))
	for _, id := range r.order {
		ext := *r.extensions[id]
		result = append(result, &ext)
	}
	return result
}

// ListEnabled returns enabled extensions in catalog order.
func (r *Registry) ListEnabled() []*domain.Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Extension
	for _, id := range r.order {
		if r.extensions[id].Enabled {
			ext := *r.extensions[id]
			result = append(result, &ext)
		}
	}
	return result
}

// Get retrieves an extension by id.
func (r *Registry) Get(id string) (*domain.Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[id]
	if !ok {
		return nil, domain.NewAppError(
			domain.ErrNotFound,
			"Extension not found",
			map[string]any{"id": id},
		)
	}
	cp := *ext
	return &cp, nil
}

// ToggleEnabled flips the enabled state, persists, and keeps the background
// context in lockstep: enabling starts it when a background script is
// declared, disabling stops it.
func (r *Registry) ToggleEnabled(id string) error {
	r.mu.Lock()
	ext, ok := r.extensions[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewAppError(
			domain.ErrNotFound,
			"Extension not found",
			map[string]any{"id": id},
		).WithOperation("toggle")
	}

	ext.Enabled = !ext.Enabled
	enabled := ext.Enabled
	extCopy := *ext
	err := r.persistLocked()
	r.mu.Unlock()

	if enabled && extCopy.HasBackgroundScript() {
		if startErr := r.background.Start(&extCopy); startErr != nil {
			log.Warn().Err(startErr).Str("id", id).Msg("Failed to start background context on enable")
		}
	} else if !enabled {
		r.background.Stop(id)
	}

	r.notifyChange()
	return err
}

// Rescan walks the extensions directory for manifest.json files. A directory
// already in the catalog is updated only when its parsed version differs
// from the stored one; catalog entries whose directory has vanished are
// dropped silently. Individual parse failures are logged and skipped, never
// aborting the scan.
func (r *Registry) Rescan() error {
	entries, err := os.ReadDir(r.extensionsDir)
	if err != nil {
		return domain.NewAppErrorWithCause(
			domain.ErrInternal,
			"Failed to read extensions directory",
			err,
			map[string]any{"dir": r.extensionsDir},
		).WithOperation("rescan")
	}

	r.mu.Lock()

	seen := make(map[string]bool, len(entries))
	changed := false

	// Background contexts are started/restarted after the lock is released;
	// enabled state and context liveness must stay in lockstep even on the
	// sideload path.
	var toStart []domain.Extension
	var toRestart []domain.Extension

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		dir := filepath.Join(r.extensionsDir, id)
		manifestPath := filepath.Join(dir, manifest.FileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		desc, err := r.parser.ParseFile(manifestPath)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Skipping extension with unparseable manifest")
			continue
		}

		seen[id] = true

		if existing, ok := r.extensions[id]; ok {
			if existing.Version == desc.Version {
				continue
			}
			applyDescriptor(existing, desc)
			existing.UpdateDate = time.Now()
			changed = true
			toRestart = append(toRestart, *existing)
			log.Info().Str("id", id).Str("version", desc.Version).Msg("Extension updated on rescan")
			continue
		}

		ext := &domain.Extension{
			ID:           id,
			Enabled:      true,
			InstallDate:  time.Now(),
			UpdateDate:   time.Now(),
			Directory:    dir,
			ManifestPath: manifestPath,
		}
		applyDescriptor(ext, desc)
		r.extensions[id] = ext
		r.order = append(r.order, id)
		changed = true
		toStart = append(toStart, *ext)
		log.Info().Str("id", id).Str("name", desc.Name).Msg("Extension discovered on rescan")
	}

	// Self-heal: drop catalog entries whose directory disappeared.
	kept := r.order[:0]
	for _, id := range r.order {
		if seen[id] {
			kept = append(kept, id)
			continue
		}
		if _, err := os.Stat(r.extensions[id].Directory); err == nil {
			kept = append(kept, id)
			continue
		}
		delete(r.extensions, id)
		changed = true
		r.background.Stop(id)
	}
	r.order = kept

	var persistErr error
	if changed {
		persistErr = r.persistLocked()
	}
	r.mu.Unlock()

	// A version update restarts the context so the new background script
	// runs; a disabled extension only gets the stop.
	for i := range toRestart {
		ext := toRestart[i]
		r.background.Stop(ext.ID)
		if ext.Enabled && ext.HasBackgroundScript() {
			if err := r.background.Start(&ext); err != nil {
				log.Warn().Err(err).Str("id", ext.ID).Msg("Failed to restart background context after update")
			}
		}
	}
	for i := range toStart {
		ext := toStart[i]
		if ext.Enabled && ext.HasBackgroundScript() {
			if err := r.background.Start(&ext); err != nil {
				log.Warn().Err(err).Str("id", ext.ID).Msg("Failed to start background context for discovered extension")
			}
		}
	}

	if changed {
		r.notifyChange()
	}
	return persistErr
}

// applyDescriptor copies parsed manifest fields onto a catalog record.
func applyDescriptor(ext *domain.Extension, desc *manifest.Descriptor) {
	ext.Name = desc.Name
	ext.Version = desc.Version
	ext.Description = desc.Description
	ext.Author = desc.Author
	ext.ManifestVersion = desc.ManifestVersion
	ext.ContentScripts = desc.ContentScripts
	ext.Permissions = desc.Permissions
	ext.HostPermissions = desc.HostPermissions
	ext.BackgroundScript = desc.BackgroundScript
	ext.PopupPath = desc.PopupPath
	ext.OptionsPage = desc.OptionsPage
}

// persistLocked rewrites the whole catalog file. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	catalog := make([]*domain.Extension, 0, len(r.order))
	for _, id := range r.order {
		catalog = append(catalog, r.extensions[id])
	}

	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return domain.NewAppErrorWithCause(domain.ErrInternal, "Failed to encode extension catalog", err, nil)
	}

	if err := os.WriteFile(r.catalogPath, data, 0644); err != nil {
		return domain.NewAppErrorWithCause(
			domain.ErrInternal,
			"Failed to write extension catalog",
			err,
			map[string]any{"path": r.catalogPath},
		)
	}
	return nil
}

// HealthCheck performs a health check on the registry
func (r *Registry) HealthCheck() domain.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := domain.HealthStatusHealthy
	message := "Registry is operating normally"
	details := map[string]any{
		"extension_count": len(r.order),
		"extensions_dir":  r.extensionsDir,
		"catalog_path":    r.catalogPath,
	}

	if _, err := os.Stat(r.extensionsDir); err != nil {
		status = domain.HealthStatusUnhealthy
		message = "Extensions directory is not accessible"
		details["error"] = err.Error()
	}

	return domain.HealthStatus{Status: status, Message: message, Details: details}
}

// Stats returns registry statistics
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enabled := 0
	withBackground := 0
	for _, ext := range r.extensions {
		if ext.Enabled {
			enabled++
		}
		if ext.HasBackgroundScript() {
			withBackground++
		}
	}

	return map[string]any{
		"extension_count": len(r.order),
		"enabled":         enabled,
		"with_background": withBackground,
	}
}
