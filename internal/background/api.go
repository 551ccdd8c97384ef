package background

import (
	"encoding/json"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
)

// setupAPI installs the extension-facing API surface into a fresh context:
// runtime, storage.local, declarativeNetRequest, console, and removal of
// the host-environment globals a background script must not see. Exposed as
// both `chrome` and `browser`. Callers hold h.mu.
func (h *Host) setupAPI(c *Context) {
	vm := c.vm

	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	h.setupConsole(c)

	chrome := vm.NewObject()
	chrome.Set("runtime", h.buildRuntime(c))
	chrome.Set("storage", h.buildStorage(c))
	chrome.Set("declarativeNetRequest", h.buildDeclarativeNetRequest(c))

	vm.Set("chrome", chrome)
	vm.Set("browser", chrome)
}

// setupConsole bridges the script's console onto the host log.
func (h *Host) setupConsole(c *Context) {
	console := c.vm.NewObject()
	console.Set("log", makeConsoleFunc(c.extensionID, "log"))
	console.Set("info", makeConsoleFunc(c.extensionID, "info"))
	console.Set("warn", makeConsoleFunc(c.extensionID, "warn"))
	console.Set("error", makeConsoleFunc(c.extensionID, "error"))
	c.vm.Set("console", console)
}

func makeConsoleFunc(extensionID, level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}

		event := log.Debug()
		switch level {
		case "warn":
			event = log.Warn()
		case "error":
			event = log.Error()
		}
		event.Str("extension", extensionID).Str("console", level).Msg(msg)

		return goja.Undefined()
	}
}

// buildRuntime constructs chrome.runtime: id, sendMessage, onMessage.
func (h *Host) buildRuntime(c *Context) *goja.Object {
	vm := c.vm

	runtime := vm.NewObject()
	runtime.Set("id", c.extensionID)

	runtime.Set("sendMessage", func(call goja.FunctionCall) goja.Value {
		h.forward(domain.NewMessage(
			string(domain.MessageSendMessage),
			c.extensionID,
			exportPayload(call.Argument(0)),
		))
		return goja.Undefined()
	})

	onMessage := vm.NewObject()
	onMessage.Set("addListener", func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0)
		if fn, ok := goja.AssertFunction(value); ok {
			c.listeners = append(c.listeners, listener{value: value, fn: fn})
		}
		return goja.Undefined()
	})
	onMessage.Set("removeListener", func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0)
		for i, l := range c.listeners {
			if l.value.StrictEquals(value) {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})
	runtime.Set("onMessage", onMessage)

	return runtime
}

// buildStorage constructs chrome.storage.local backed by the persisted
// per-extension blob. get reads the current blob synchronously and notifies
// the callback; set merges keys into the blob rather than replacing it.
func (h *Host) buildStorage(c *Context) *goja.Object {
	vm := c.vm

	local := vm.NewObject()

	local.Set("get", func(call goja.FunctionCall) goja.Value {
		blob := h.blobs.Get(c.directory)
		result := filterBlob(blob, call.Argument(0))

		h.forward(domain.NewMessage(string(domain.MessageStorageGet), c.extensionID, nil))

		if cb, ok := goja.AssertFunction(lastArgument(call)); ok {
			if _, err := cb(goja.Undefined(), vm.ToValue(result)); err != nil {
				log.Warn().Err(err).Str("extension", c.extensionID).Msg("storage.local.get callback threw")
			}
		}
		return goja.Undefined()
	})

	local.Set("set", func(call goja.FunctionCall) goja.Value {
		values, _ := call.Argument(0).Export().(map[string]any)
		if values != nil {
			if _, err := h.blobs.Merge(c.directory, values); err != nil {
				log.Warn().Err(err).Str("extension", c.extensionID).Msg("Failed to persist storage blob")
			}
		}

		h.forward(domain.NewMessage(string(domain.MessageStorageSet), c.extensionID, exportPayload(call.Argument(0))))

		if cb, ok := goja.AssertFunction(lastArgument(call)); ok {
			if _, err := cb(goja.Undefined()); err != nil {
				log.Warn().Err(err).Str("extension", c.extensionID).Msg("storage.local.set callback threw")
			}
		}
		return goja.Undefined()
	})

	storage := vm.NewObject()
	storage.Set("local", local)
	return storage
}

// buildDeclarativeNetRequest constructs the updateDynamicRules stub. The
// call is forwarded as a notification only; the host performs no rule
// mutation. Known-incomplete boundary, kept deliberately.
func (h *Host) buildDeclarativeNetRequest(c *Context) *goja.Object {
	vm := c.vm

	dnr := vm.NewObject()
	dnr.Set("updateDynamicRules", func(call goja.FunctionCall) goja.Value {
		h.forward(domain.NewMessage(
			string(domain.MessageUpdateDynamicRules),
			c.extensionID,
			exportPayload(call.Argument(0)),
		))

		if cb, ok := goja.AssertFunction(lastArgument(call)); ok {
			if _, err := cb(goja.Undefined()); err != nil {
				log.Warn().Err(err).Str("extension", c.extensionID).Msg("updateDynamicRules callback threw")
			}
		}
		return goja.Undefined()
	})
	return dnr
}

// filterBlob applies the chrome.storage keys argument: a string selects one
// key, an array selects several, anything else returns the whole blob.
func filterBlob(blob map[string]any, keys goja.Value) map[string]any {
	if keys == nil || goja.IsUndefined(keys) || goja.IsNull(keys) {
		return blob
	}

	switch exported := keys.Export().(type) {
	case string:
		result := map[string]any{}
		if v, ok := blob[exported]; ok {
			result[exported] = v
		}
		return result
	case []any:
		result := map[string]any{}
		for _, k := range exported {
			if key, ok := k.(string); ok {
				if v, ok := blob[key]; ok {
					result[key] = v
				}
			}
		}
		return result
	default:
		return blob
	}
}

// lastArgument returns the trailing argument of a call, where the optional
// callback conventionally sits.
func lastArgument(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		return goja.Undefined()
	}
	return call.Arguments[len(call.Arguments)-1]
}

// exportPayload renders a script value as the raw JSON carried on a
// Message. Unencodable values degrade to nil.
func exportPayload(v goja.Value) []byte {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		log.Debug().Err(err).Msg("Unencodable message payload dropped")
		return nil
	}
	return data
}
