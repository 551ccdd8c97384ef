// Package background manages one long-lived script execution context per
// enabled extension that declares a background script, bridging the
// extension-facing runtime/storage/declarativeNetRequest API onto the
// host's message channel.
package background

import (
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
	"github.com/nimbusbrowser/extension-runtime/internal/fsutil"
)

// listener is one registered onMessage callback. The raw value is kept for
// identity comparison in removeListener.
type listener struct {
	value goja.Value
	fn    goja.Callable
}

// Context is one live background execution environment. At most one exists
// per extension id; it is never garbage-collected implicitly and must be
// stopped explicitly.
type Context struct {
	extensionID string
	directory   string
	vm          *goja.Runtime
	listeners   []listener
}

// Config holds configuration for the Host
type Config struct {
	// ExecTimeout bounds a single script evaluation; a background script
	// spinning forever is interrupted. Zero disables the bound.
	ExecTimeout time.Duration
}

// Host owns the global map from extension id to background context. All VM
// access is confined behind the host's mutex; goja runtimes are not safe
// for concurrent use.
type Host struct {
	mu       sync.Mutex
	contexts map[string]*Context
	blobs    *BlobStore
	sink     func(domain.Message)
	timeout  time.Duration
}

// NewHost creates a Host.
func NewHost(cfg Config) *Host {
	return &Host{
		contexts: make(map[string]*Context),
		blobs:    NewBlobStore(),
		timeout:  cfg.ExecTimeout,
	}
}

// SetMessageSink registers the callback receiving messages forwarded out of
// extension contexts (runtime.sendMessage and friends). Delivery is
// fire-and-forget.
func (h *Host) SetMessageSink(fn func(domain.Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = fn
}

// forward hands a message to the sink on its own goroutine so a sink that
// calls back into the host cannot deadlock a running evaluation.
func (h *Host) forward(msg domain.Message) {
	sink := h.sink
	if sink == nil {
		log.Debug().Str("kind", string(msg.Kind)).Str("id", msg.ExtensionID).Msg("No message sink, dropping")
		return
	}
	go sink(msg)
}

// Start creates and runs the background context for an extension. It is a
// no-op when a context is already live for this id or when the extension
// declares no background script. The script source is read before the
// host lock is taken; completion re-checks that the slot is still free so
// two overlapping starts cannot leave two live contexts.
func (h *Host) Start(ext *domain.Extension) error {
	if !ext.HasBackgroundScript() {
		return nil
	}

	h.mu.Lock()
	_, running := h.contexts[ext.ID]
	h.mu.Unlock()
	if running {
		return nil
	}

	source, err := fsutil.ReadFileInSandbox(ext.Directory, ext.BackgroundScript)
	if err != nil {
		return domain.NewAppErrorWithCause(
			domain.ErrFailedToLoad,
			"Failed to read background script",
			err,
			map[string]any{"id": ext.ID, "script": ext.BackgroundScript},
		).WithOperation("start")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Stale-completion guard: another start may have won while the file
	// was being read.
	if _, running := h.contexts[ext.ID]; running {
		return nil
	}

	ctx := &Context{
		extensionID: ext.ID,
		directory:   ext.Directory,
		vm:          goja.New(),
	}
	h.setupAPI(ctx)

	if err := h.runInterruptible(ctx.vm, func() error {
		_, runErr := ctx.vm.RunScript(ext.BackgroundScript, string(source))
		return runErr
	}); err != nil {
		return domain.NewAppErrorWithCause(
			domain.ErrFailedToLoad,
			"Background script failed to execute",
			err,
			map[string]any{"id": ext.ID, "script": ext.BackgroundScript},
		).WithOperation("start")
	}

	h.contexts[ext.ID] = ctx
	log.Info().Str("id", ext.ID).Str("script", ext.BackgroundScript).Msg("Background context started")
	return nil
}

// Stop discards the context and its listener state. The storage blob on
// disk survives; only uninstall erases it through directory deletion.
func (h *Host) Stop(extensionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.contexts[extensionID]; !ok {
		return
	}
	delete(h.contexts, extensionID)
	log.Info().Str("id", extensionID).Msg("Background context stopped")
}

// StopAll tears down every live context.
func (h *Host) StopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.contexts {
		delete(h.contexts, id)
	}
}

// IsRunning reports whether a context is live for the extension id.
func (h *Host) IsRunning(extensionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.contexts[extensionID]
	return ok
}

// SendMessage delivers a message to the extension's dispatch listeners in
// registration order and returns the first sendResponse value, if any. A
// non-running target is a silent no-response, not an error; senders cannot
// know liveness without racing.
func (h *Host) SendMessage(extensionID string, message any) any {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, ok := h.contexts[extensionID]
	if !ok {
		log.Debug().Str("id", extensionID).Msg("Message to non-running background context dropped")
		return nil
	}

	msgValue := ctx.vm.ToValue(message)
	senderValue := ctx.vm.ToValue(map[string]any{"id": extensionID})

	var response any
	var responded bool
	sendResponse := ctx.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if !responded && len(call.Arguments) > 0 {
			response = call.Arguments[0].Export()
			responded = true
		}
		return goja.Undefined()
	})

	// FIFO delivery; a throwing listener must not starve the ones after it.
	for _, l := range ctx.listeners {
		if err := h.runInterruptible(ctx.vm, func() error {
			_, callErr := l.fn(goja.Undefined(), msgValue, senderValue, sendResponse)
			return callErr
		}); err != nil {
			log.Warn().Err(err).Str("id", extensionID).Msg("Background message listener threw")
		}
	}

	return response
}

// runInterruptible evaluates fn, interrupting the VM if it exceeds the
// configured timeout.
func (h *Host) runInterruptible(vm *goja.Runtime, fn func() error) error {
	if h.timeout <= 0 {
		return fn()
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-time.After(h.timeout):
			vm.Interrupt("execution timeout exceeded")
		}
	}()

	err := fn()
	close(done)
	vm.ClearInterrupt()
	return err
}

// HealthCheck performs a health check on the host
func (h *Host) HealthCheck() domain.HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	return domain.HealthStatus{
		Status:  domain.HealthStatusHealthy,
		Message: "Background host is operating normally",
		Details: map[string]any{"live_contexts": len(h.contexts)},
	}
}

// Stats returns host statistics
func (h *Host) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.contexts))
	for id := range h.contexts {
		ids = append(ids, id)
	}
	return map[string]any{
		"live_contexts": len(h.contexts),
		"extension_ids": ids,
	}
}
