// Package watcher reloads a fact file when it changes on disk.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must stay quiet before a reload
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called once per burst of changes to the watched file
type ReloadFunc func(ctx context.Context) error

// Watcher watches a single file for changes
type Watcher struct {
	path     string
	reload   ReloadFunc
	debounce time.Duration
	logger   *slog.Logger
}

// New creates a watcher calling reload after path changes
func New(path string, reload ReloadFunc) *Watcher {
	return &Watcher{
		path:     path,
		reload:   reload,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
}

// WithDebounce sets the debounce duration
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// WithLogger sets the logger
func (w *Watcher) WithLogger(l *slog.Logger) *Watcher {
	w.logger = l
	return w
}

// Watch blocks until ctx is done or the underlying watcher fails.
//
// The directory is watched rather than the file: tools that replace the
// file by rename show up as a Create of its name.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger := w.logger.With("component", "watcher", "path", abs)
	logger.Info("watching fact file")

	// reloads run one at a time; wg lets Watch wait for the last one
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		timer *time.Timer
	)
	fire := func() {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		logger.Info("fact file changed, reloading")
		if err := w.reload(ctx); err != nil {
			logger.Warn("reload failed", "error", err)
		}
	}
	defer func() {
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		wg.Wait()
	}()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Name != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil && timer.Stop() {
				wg.Done()
			}
			wg.Add(1)
			timer = time.AfterFunc(w.debounce, fire)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
