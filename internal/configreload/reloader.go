// Package configreload watches the worker config file and applies the
// hot-reloadable tunable subset in place, without requiring a daemon
// restart.
package configreload

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"collectoragent/internal/config"
	"collectoragent/internal/logging"
)

// Reloader watches a config file path and reapplies tunables on write.
type Reloader struct {
	path    string
	live    *config.Config
	log     *logging.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Reloader for the given config file, targeting the
// live config instance that the rest of the process shares.
func New(path string, live *config.Config, log *logging.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Reloader{
		path:    path,
		live:    live,
		log:     log,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Run watches for writes to the config file until Stop is called. It
// is intended to run on its own goroutine — it never touches the
// browser engine.
func (r *Reloader) Run() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("config watcher error", zap.Error(err))
		case <-r.done:
			return
		}
	}
}

func (r *Reloader) reload() {
	next, err := config.Load(r.path)
	if err != nil {
		r.log.Error("config reload failed, keeping last-good config", zap.Error(err))
		return
	}
	r.live.ApplyReload(next)
	r.log.Info("config reloaded")
}

// Stop stops the watcher goroutine and releases the underlying file handle.
func (r *Reloader) Stop() {
	close(r.done)
	r.watcher.Close()
}
