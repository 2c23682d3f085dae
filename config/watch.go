package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/batchvision/logging"
)

// Watcher re-reads a config file whenever it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	workers *goutils.StoppableWorkers

	mu     sync.Mutex
	closed bool
}

// WatchDebounce is how long the file must be quiet before a change is read. Editors and
// os.WriteFile produce several events per save.
var WatchDebounce = 100 * time.Millisecond

// Watch calls onChange with every config successfully read from path after it is written or
// replaced. Invalid configs are logged and skipped. The directory is watched rather than the
// file so that editors that replace the file by rename keep working.
func Watch(path string, logger logging.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "watching config directory"), fw.Close())
	}

	w := &Watcher{path: abs, watcher: fw}
	reload := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return
		}
		cfg, err := Read(context.Background(), abs, logger)
		if err != nil {
			logger.Warnw("ignoring config change", "path", abs, "error", err)
			return
		}
		logger.Infow("config changed", "path", abs)
		onChange(cfg)
	}
	debounced := debounce.New(WatchDebounce)
	w.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				debounced(reload)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warnw("config watcher error", "path", abs, "error", err)
			}
		}
	})
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// Close stops watching. onChange is not called once Close returns.
func (w *Watcher) Close() error {
	w.workers.Stop()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.watcher.Close()
}
