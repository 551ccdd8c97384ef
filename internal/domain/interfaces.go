package domain

import "context"

// Engine is the rendering-engine collaborator. The runtime never talks to
// the engine except through this capability set; the browser shell supplies
// the real implementation and tests supply fakes.
type Engine interface {
	// EvaluateScript runs JavaScript source in the given page context.
	EvaluateScript(ctx context.Context, source, pageContext string) (any, error)

	// LoadLocalFile loads a file into a page context. The file must live
	// under sandboxRoot.
	LoadLocalFile(ctx context.Context, path, sandboxRoot, pageContext string) error

	// CompileRuleList compiles a native-format content-blocking rule list
	// and returns an opaque handle. Identifiers are stable per extension so
	// a recompile replaces the previous list in the engine's rule store.
	CompileRuleList(ctx context.Context, identifier, rulesJSON string) (RuleListHandle, error)

	// RemoveRuleList evicts a compiled rule list from the engine's store.
	RemoveRuleList(ctx context.Context, identifier string) error

	// AttachRuleList applies a compiled rule list to a page context.
	// Reattaching the same handle is harmless.
	AttachRuleList(ctx context.Context, handle RuleListHandle, pageContext string) error

	// OnScriptMessage registers the callback invoked when a page-side
	// script posts a message to a named channel.
	OnScriptMessage(handler func(channel string, payload []byte))
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string         `json:"status"` // "healthy", "unhealthy", "degraded"
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusDegraded  = "degraded"
)
