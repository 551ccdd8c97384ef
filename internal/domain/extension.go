// Package domain holds the core types of the extension runtime: the
// installed-extension catalog records, content-script declarations, the
// message union crossing the script/host boundary, and the rendering-engine
// collaborator contract.
package domain

import (
	"time"
)

// RunAt determines at which point of the page lifecycle a content script is
// injected.
type RunAt string

const (
	RunAtDocumentStart RunAt = "document_start"
	RunAtDocumentEnd   RunAt = "document_end"
	RunAtDocumentIdle  RunAt = "document_idle"
)

// ParseRunAt maps a manifest run_at value to a RunAt. Absent or unrecognized
// values fall back to document_idle; third-party manifests are frequently
// sloppy here and injection timing is not worth failing an install over.
func ParseRunAt(s string) RunAt {
	switch RunAt(s) {
	case RunAtDocumentStart, RunAtDocumentEnd, RunAtDocumentIdle:
		return RunAt(s)
	default:
		return RunAtDocumentIdle
	}
}

// ContentScript is a single content_scripts entry from a manifest. It has no
// identity of its own; it belongs to the Extension that declared it and its
// position in the slice is its injection order.
type ContentScript struct {
	Matches []string `json:"matches"`
	JS      []string `json:"js"`
	CSS     []string `json:"css"`
	RunAt   RunAt    `json:"run_at"`
}

// Extension is one installed extension as recorded in the catalog. The ID is
// derived from the sanitized name plus a random suffix at install time and
// never changes afterwards; it doubles as the extension's directory name
// under the extensions root.
type Extension struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	Description     string          `json:"description,omitempty"`
	Author          string          `json:"author,omitempty"`
	ManifestVersion int             `json:"manifest_version"`
	Enabled         bool            `json:"enabled"`
	InstallDate     time.Time       `json:"install_date"`
	UpdateDate      time.Time       `json:"update_date"`
	ContentScripts  []ContentScript `json:"content_scripts,omitempty"`
	Permissions     []string        `json:"permissions,omitempty"`
	HostPermissions []string        `json:"host_permissions,omitempty"`

	// Relative to Directory. Empty when the manifest declares none.
	BackgroundScript string `json:"background_script,omitempty"`
	PopupPath        string `json:"popup_path,omitempty"`
	OptionsPage      string `json:"options_page,omitempty"`

	// Directory is the sandbox root all relative asset paths resolve
	// against. It must exist on disk for the extension to be loadable.
	Directory    string `json:"directory"`
	ManifestPath string `json:"manifest_path"`
}

// HasBackgroundScript reports whether the extension declares a background
// entry file.
func (e *Extension) HasBackgroundScript() bool {
	return e.BackgroundScript != ""
}

// PayloadKind distinguishes the two injectable asset kinds.
type PayloadKind string

const (
	PayloadCSS PayloadKind = "css"
	PayloadJS  PayloadKind = "js"
)

// InjectionPayload is one script ready for injection into a page context.
// For CSS assets Source already contains the generated style-append script,
// not the raw stylesheet.
type InjectionPayload struct {
	ExtensionID string      `json:"extension_id"`
	Kind        PayloadKind `json:"kind"`
	Path        string      `json:"path"`
	Source      string      `json:"source"`
	RunAt       RunAt       `json:"run_at"`
}

// RuleListHandle is the engine's opaque token for a compiled rule list.
type RuleListHandle any

// CompiledRuleSet tracks one extension's compiled content-blocking rules.
// SourceVersion pins the handle to the extension version it was compiled
// from; a version change invalidates it.
type CompiledRuleSet struct {
	ExtensionID   string         `json:"extension_id"`
	Handle        RuleListHandle `json:"-"`
	RuleCount     int            `json:"rule_count"`
	SourceVersion string         `json:"source_version"`
	CompiledAt    time.Time      `json:"compiled_at"`
}
