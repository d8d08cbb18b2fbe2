package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watch reloads the config file on change and passes each valid snapshot to
// fn. Bursts of events are coalesced by the loader's debounce window. A
// reload that fails is logged and the previous snapshot stays in force. The
// watch ends when ctx is done.
func (l *Loader) Watch(ctx context.Context, path string, fn func(Config)) error {
	if path == "" {
		return errors.New("no config file to watch")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files, so watch the directory.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return err
	}

	w := &fileWatcher{loader: l, path: path, fn: fn, fs: fsWatcher}
	go w.loop(ctx)
	return nil
}

type fileWatcher struct {
	loader *Loader
	path   string
	fn     func(Config)
	fs     *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

func (w *fileWatcher) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.fs.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.loader.logger.Warn("config watcher error: %v", err)
		}
	}
}

func (w *fileWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.loader.debounce, func() { w.reload(ctx) })
}

func (w *fileWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := w.loader.Reload(ctx)
	if err != nil {
		w.loader.logger.Warn("config reload failed: %v", err)
		return
	}
	w.loader.logger.Info("config reloaded from %s", w.path)
	w.fn(cfg)
}
