package registry

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher debounces filesystem events on the extensions directory into
// registry rescans, so extensions dropped into place by hand are picked up
// without a restart.
type Watcher struct {
	registry *Registry
	debounce time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a Watcher for the registry's extensions directory.
func NewWatcher(registry *Registry, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		registry: registry,
		debounce: debounce,
		done:     make(chan struct{}),
	}
}

// Start begins watching. Events are coalesced: a burst of writes triggers a
// single rescan after the debounce window closes.
func (w *Watcher) Start() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(w.registry.extensionsDir); err != nil {
		_ = fsWatcher.Close()
		return err
	}
	w.watcher = fsWatcher

	go w.run()
	log.Info().Str("dir", w.registry.extensionsDir).Msg("Watching extensions directory")
	return nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// The catalog file is rewritten by the registry itself; reacting
			// to it would rescan in a loop.
			if event.Name == w.registry.catalogPath {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Extensions directory watch error")

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.registry.Rescan(); err != nil {
				log.Warn().Err(err).Msg("Rescan after filesystem change failed")
			}
		}
	}
}

// Stop ends watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
