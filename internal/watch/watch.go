// Package watch triggers incremental rescans when watched directory
// trees change. Events are debounced per root: a burst of changes
// produces one rescan after the quiet period. Watching is a thin
// consumer of the scan engine; rescan failures are logged and watching
// continues.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lodestone-search/lodestone/internal/container"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// DefaultDebounce is the quiet period before a change triggers a rescan.
const DefaultDebounce = 500 * time.Millisecond

// Rescan runs one incremental scan of a root. The watcher serializes
// calls; only one rescan runs at a time.
type Rescan func(ctx context.Context, root string) error

// Options configure a Watcher.
type Options struct {
	// Debounce is the quiet period; 0 means DefaultDebounce.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher maps file-system events back to their owning root and fires
// debounced rescans.
type Watcher struct {
	fs       *fsnotify.Watcher
	rescan   Rescan
	debounce time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	roots  []string
	timers map[string]*time.Timer

	scanMu sync.Mutex
}

// New builds a Watcher around a rescan callback.
func New(rescan Rescan, opts Options) (*Watcher, error) {
	if rescan == nil {
		return nil, apperrors.Validation("rescan callback is nil")
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.IO("creating file watcher", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fs:       fs,
		rescan:   rescan,
		debounce: debounce,
		log:      logger,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// AddRoot registers a directory tree. Every existing subdirectory is
// watched; directories created later are picked up from their create
// events.
func (w *Watcher) AddRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return apperrors.Validation("resolving root path: " + err.Error())
	}
	err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("cannot watch", slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.fs.Add(path)
	})
	if err != nil {
		return apperrors.IO("watching "+abs, err)
	}

	w.mu.Lock()
	w.roots = append(w.roots, abs)
	w.mu.Unlock()
	w.log.Info("watching", slog.String("root", abs))
	return nil
}

// Run consumes events until ctx is cancelled. It always returns nil on
// cancellation; watcher-level errors are logged, never fatal.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching and cancels pending triggers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
	return w.fs.Close()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ignored(ev.Name) {
		return
	}

	// A new subdirectory needs its own watch before anything inside it
	// can be seen.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(ev.Name); err != nil {
				w.log.Warn("cannot watch new directory",
					slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
		}
	}

	root, ok := w.rootOf(ev.Name)
	if !ok {
		return
	}
	w.schedule(ctx, root)
}

// rootOf finds the registered root containing path.
func (w *Watcher) rootOf(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root, true
		}
	}
	return "", false
}

// schedule arms (or re-arms) the root's debounce timer.
func (w *Watcher) schedule(ctx context.Context, root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[root]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[root] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, root)
		w.mu.Unlock()
		w.fire(ctx, root)
	})
}

func (w *Watcher) fire(ctx context.Context, root string) {
	if ctx.Err() != nil {
		return
	}
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	w.log.Info("change detected, rescanning", slog.String("root", root))
	if err := w.rescan(ctx, root); err != nil {
		w.log.Warn("rescan failed", slog.String("root", root),
			slog.String("error", err.Error()))
	}
}

// ignored filters out the container's own artifacts: the index file,
// its SQLite sidecars, and the writer lock.
func ignored(path string) bool {
	base := filepath.Base(path)
	if container.IsContainerFile(base) {
		return true
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal", ".lock"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}
