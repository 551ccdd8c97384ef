package background

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
)

// BlobFileName is the per-extension storage blob, kept inside the
// extension's directory so uninstall (directory deletion) erases it while
// stop/start cycles leave it intact.
const BlobFileName = ".storage.json"

// BlobStore persists the storage.local blob of each extension: one JSON
// object per extension, arbitrary string-keyed values, merge-on-write.
type BlobStore struct {
	mu sync.Mutex
}

// NewBlobStore creates a BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{}
}

func blobPath(extensionDir string) string {
	return filepath.Join(extensionDir, BlobFileName)
}

// Get returns the extension's storage blob. A missing or unreadable blob is
// an empty map, never an error surfaced to the extension.
func (s *BlobStore) Get(extensionDir string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readLocked(extensionDir)
}

func (s *BlobStore) readLocked(extensionDir string) map[string]any {
	data, err := os.ReadFile(blobPath(extensionDir))
	if err != nil {
		return map[string]any{}
	}

	var blob map[string]any
	if err := json.Unmarshal(data, &blob); err != nil || blob == nil {
		return map[string]any{}
	}
	return blob
}

// Merge folds values into the existing blob rather than replacing it, and
// returns the merged result.
func (s *BlobStore) Merge(extensionDir string, values map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob := s.readLocked(extensionDir)
	for k, v := range values {
		blob[k] = v
	}

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return nil, domain.NewAppErrorWithCause(domain.ErrInternal, "Failed to encode storage blob", err, nil)
	}

	if err := os.WriteFile(blobPath(extensionDir), data, 0644); err != nil {
		return nil, domain.NewAppErrorWithCause(
			domain.ErrInternal,
			"Failed to write storage blob",
			err,
			map[string]any{"dir": extensionDir},
		)
	}
	return blob, nil
}
