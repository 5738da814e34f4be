package config

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"pgdebugproxy/pkg/logger"
)

// Watcher watches the config file for changes and re-applies its logging
// section on edit. Only logging.level is hot-reloadable: proxy.binding and
// proxy.target_address take effect only at startup, since changing where the
// Listener binds or dials mid-process would require tearing down every live
// Session.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewWatcher starts watching path and invokes callback with the freshly
// loaded Config whenever it changes, debounced by 500ms to absorb editors
// that write a file in several steps. The freshly loaded Config also
// replaces the GlobalConfig singleton (see Update), so any goroutine reading
// through GetCfg sees the reload too.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		logger.Error("config hot-reload failed: %v", err)
		return
	}
	Update(cfg)
	cw.callback(cfg)
}

// Stop stops the watcher and releases its inotify handle.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
