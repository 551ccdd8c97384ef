// Package manifest parses extension manifest.json files into normalized
// descriptors. It understands both the Manifest V2 and V3 field layouts and
// never executes anything; the input is declarative JSON from an untrusted
// third party.
package manifest

import (
	"encoding/json"
	"os"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
)

// FileName is the standard name for extension manifest files
const FileName = "manifest.json"

// Descriptor is the normalized result of parsing a manifest. Relative paths
// are kept as declared; the registry resolves them against the extension
// directory.
type Descriptor struct {
	Name             string
	Version          string
	Description      string
	Author           string
	ManifestVersion  int
	ContentScripts   []domain.ContentScript
	Permissions      []string
	HostPermissions  []string
	BackgroundScript string
	PopupPath        string
	OptionsPage      string
}

// rawManifest mirrors the recognized manifest keys. Unrecognized keys are
// dropped by encoding/json, never an error.
type rawManifest struct {
	ManifestVersion int                `json:"manifest_version"`
	Name            string             `json:"name"`
	Version         string             `json:"version"`
	Description     string             `json:"description"`
	Author          string             `json:"author"`
	ContentScripts  []rawContentScript `json:"content_scripts"`
	Permissions     []string           `json:"permissions"`
	HostPermissions []string           `json:"host_permissions"`
	Background      *rawBackground     `json:"background"`
	BrowserAction   *rawAction         `json:"browser_action"`
	Action          *rawAction         `json:"action"`
	OptionsPage     string             `json:"options_page"`
}

type rawBackground struct {
	Scripts       []string `json:"scripts"`
	ServiceWorker string   `json:"service_worker"`
}

type rawAction struct {
	DefaultPopup string `json:"default_popup"`
}

type rawContentScript struct {
	Matches []string `json:"matches"`
	JS      []string `json:"js"`
	CSS     []string `json:"css"`
	RunAt   string   `json:"run_at"`
}

// Parser parses extension manifests
type Parser struct{}

// NewParser creates a new Parser instance
func NewParser() *Parser {
	return &Parser{}
}

// ParseFile reads and parses a manifest file from the given path
func (p *Parser) ParseFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewAppErrorWithCause(
			domain.ErrMissingManifest,
			"Extension manifest could not be read",
			err,
			map[string]any{"path": path},
		)
	}

	return p.Parse(data)
}

// Parse parses manifest content from bytes. manifest_version, name and
// version are required; a missing or wrong-typed value is an invalid
// manifest. Everything else degrades permissively.
func (p *Parser) Parse(data []byte) (*Descriptor, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.NewAppErrorWithCause(
			domain.ErrInvalidManifest,
			"Extension manifest is not valid JSON",
			err,
			nil,
		)
	}

	if raw.ManifestVersion == 0 || raw.Name == "" || raw.Version == "" {
		return nil, domain.NewAppError(
			domain.ErrInvalidManifest,
			"Extension manifest is missing required fields",
			map[string]any{
				"manifest_version": raw.ManifestVersion,
				"name":             raw.Name,
				"version":          raw.Version,
			},
		)
	}

	desc := &Descriptor{
		Name:             raw.Name,
		Version:          raw.Version,
		Description:      raw.Description,
		Author:           raw.Author,
		ManifestVersion:  raw.ManifestVersion,
		Permissions:      raw.Permissions,
		HostPermissions:  raw.HostPermissions,
		BackgroundScript: resolveBackground(raw.Background),
		PopupPath:        resolvePopup(raw.Action, raw.BrowserAction),
		OptionsPage:      raw.OptionsPage,
	}

	for _, cs := range raw.ContentScripts {
		// matches and js are both required for an entry to be injectable
		if len(cs.Matches) == 0 || len(cs.JS) == 0 {
			continue
		}
		css := cs.CSS
		if css == nil {
			css = []string{}
		}
		desc.ContentScripts = append(desc.ContentScripts, domain.ContentScript{
			Matches: cs.Matches,
			JS:      cs.JS,
			CSS:     css,
			RunAt:   domain.ParseRunAt(cs.RunAt),
		})
	}

	return desc, nil
}

// resolveBackground prefers the V3 service worker over the first V2
// background script.
func resolveBackground(bg *rawBackground) string {
	if bg == nil {
		return ""
	}
	if bg.ServiceWorker != "" {
		return bg.ServiceWorker
	}
	if len(bg.Scripts) > 0 {
		return bg.Scripts[0]
	}
	return ""
}

// resolvePopup prefers the V3 action popup, falling back to the V2
// browser_action popup.
func resolvePopup(action, browserAction *rawAction) string {
	if action != nil && action.DefaultPopup != "" {
		return action.DefaultPopup
	}
	if browserAction != nil && browserAction.DefaultPopup != "" {
		return browserAction.DefaultPopup
	}
	return ""
}
