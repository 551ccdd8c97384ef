package registry

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
	"github.com/nimbusbrowser/extension-runtime/internal/fsutil"
	"github.com/nimbusbrowser/extension-runtime/internal/manifest"
)

var idSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// Install installs an extension from a directory or a zip archive. Zip
// inputs are extracted to an ephemeral staging directory that is removed on
// every exit path. The source must carry manifest.json at its root. A
// failure never leaves a partial copy behind and never changes the catalog.
func (r *Registry) Install(sourcePath string) (*domain.Extension, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, domain.NewAppErrorWithCause(
			domain.ErrInvalidPath,
			"Extension source does not exist",
			err,
			map[string]any{"path": sourcePath},
		).WithOperation("install")
	}

	srcRoot := sourcePath
	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(sourcePath), ".zip") {
			return nil, domain.NewAppError(
				domain.ErrInvalidFormat,
				"Extension source must be a directory or a zip archive",
				map[string]any{"path": sourcePath},
			).WithOperation("install")
		}

		staging, err := os.MkdirTemp("", "extension-install-*")
		if err != nil {
			return nil, domain.NewAppErrorWithCause(
				domain.ErrFailedToExtract,
				"Failed to create staging directory",
				err,
				nil,
			).WithOperation("install")
		}
		defer os.RemoveAll(staging)

		if err := extractZip(sourcePath, staging); err != nil {
			return nil, domain.NewAppErrorWithCause(
				domain.ErrFailedToExtract,
				"Failed to extract extension archive",
				err,
				map[string]any{"path": sourcePath},
			).WithOperation("install")
		}
		srcRoot = staging
	}

	manifestPath := filepath.Join(srcRoot, manifest.FileName)
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, domain.NewAppError(
			domain.ErrMissingManifest,
			"Extension has no manifest.json at its root",
			map[string]any{"path": sourcePath},
		).WithOperation("install")
	}

	desc, err := r.parser.ParseFile(manifestPath)
	if err != nil {
		return nil, err
	}

	id := generateID(desc.Name)
	destDir := filepath.Join(r.extensionsDir, id)

	r.mu.Lock()

	// Replace-on-collision: an existing extension with the same generated id
	// is removed outright, not merged.
	if existing, ok := r.extensions[id]; ok {
		r.background.Stop(id)
		if err := os.RemoveAll(existing.Directory); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Failed to remove replaced extension directory")
		}
		delete(r.extensions, id)
		r.order = removeID(r.order, id)
	}

	if err := fsutil.CopyDir(srcRoot, destDir); err != nil {
		// Roll back the partial copy so a failed install leaves no trace.
		_ = os.RemoveAll(destDir)
		r.mu.Unlock()
		return nil, domain.NewAppErrorWithCause(
			domain.ErrFailedToLoad,
			"Failed to copy extension into place",
			err,
			map[string]any{"id": id},
		).WithOperation("install")
	}

	now := time.Now()
	ext := &domain.Extension{
		ID:           id,
		Enabled:      true,
		InstallDate:  now,
		UpdateDate:   now,
		Directory:    destDir,
		ManifestPath: filepath.Join(destDir, manifest.FileName),
	}
	applyDescriptor(ext, desc)

	r.extensions[id] = ext
	r.order = append(r.order, id)

	// A persist failure must leave neither a catalog entry nor files behind.
	if persistErr := r.persistLocked(); persistErr != nil {
		delete(r.extensions, id)
		r.order = removeID(r.order, id)
		_ = os.RemoveAll(destDir)
		r.mu.Unlock()
		return nil, persistErr
	}

	extCopy := *ext
	r.mu.Unlock()

	if extCopy.Enabled && extCopy.HasBackgroundScript() {
		if startErr := r.background.Start(&extCopy); startErr != nil {
			log.Warn().Err(startErr).Str("id", id).Msg("Failed to start background context after install")
		}
	}

	log.Info().Str("id", id).Str("name", extCopy.Name).Str("version", extCopy.Version).Msg("Extension installed")

	r.notifyChange()
	return &extCopy, nil
}

// Uninstall removes an extension. The background context is torn down
// before files are deleted so a running script never references removed
// files; only then does the catalog forget the extension.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()

	ext, ok := r.extensions[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewAppError(
			domain.ErrNotFound,
			"Extension not found",
			map[string]any{"id": id},
		).WithOperation("uninstall")
	}

	r.background.Stop(id)

	if err := os.RemoveAll(ext.Directory); err != nil {
		r.mu.Unlock()
		return domain.NewAppErrorWithCause(
			domain.ErrInternal,
			"Failed to remove extension directory",
			err,
			map[string]any{"id": id, "dir": ext.Directory},
		).WithOperation("uninstall")
	}

	delete(r.extensions, id)
	r.order = removeID(r.order, id)

	err := r.persistLocked()
	name := ext.Name
	r.mu.Unlock()

	log.Info().Str("id", id).Str("name", name).Msg("Extension uninstalled")

	r.notifyChange()
	return err
}

// generateID derives a stable identifier from the declared name plus a
// random suffix so repeated installs of same-named extensions cannot
// collide.
func generateID(name string) string {
	slug := idSanitizer.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "extension"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return slug + "-" + suffix
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// extractZip extracts an archive into targetDir, refusing entries that
// would escape it.
func extractZip(archivePath, targetDir string) error {
	zipReader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zipReader.Close()

	for _, file := range zipReader.File {
		if err := extractZipFile(file, targetDir); err != nil {
			return err
		}
	}
	return nil
}

// extractZipFile extracts a single file from a zip archive
func extractZipFile(file *zip.File, targetDir string) error {
	// Sanitize path to prevent zip slip
	destPath := filepath.Join(targetDir, file.Name)
	if !fsutil.IsSubPath(targetDir, destPath) {
		return domain.NewAppError(
			domain.ErrFailedToExtract,
			"Archive contains an invalid file path",
			map[string]any{"entry": file.Name},
		)
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(destPath, file.Mode())
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
