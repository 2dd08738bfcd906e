// Package observer monitors the analyzed codebase for changes so watch
// mode can invalidate stale artifacts and rerun the pipeline.
package observer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is called with a debounced batch of changed paths.
type ChangeCallback func(changed []string)

// CodeWatcher watches a codebase root recursively and reports write,
// create, remove and rename events in debounced batches.
type CodeWatcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration

	// skipDir prunes directories (VCS and build trees) from watching.
	skipDir func(name string) bool

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	cancel context.CancelFunc
}

// NewCodeWatcher creates a watcher over root. skipDir may be nil.
func NewCodeWatcher(root string, skipDir func(name string) bool, callback ChangeCallback) (*CodeWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if skipDir == nil {
		skipDir = func(string) bool { return false }
	}

	cw := &CodeWatcher{
		watcher:  watcher,
		callback: callback,
		debounce: 500 * time.Millisecond,
		skipDir:  skipDir,
		pending:  make(map[string]struct{}),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && cw.skipDir(d.Name()) {
			return fs.SkipDir
		}
		return cw.watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return cw, nil
}

// Start begins delivering change batches until ctx is cancelled.
func (cw *CodeWatcher) Start(ctx context.Context) {
	ctx, cw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-cw.watcher.Events:
				if !ok {
					return
				}
				cw.handleEvent(event)
			case err, ok := <-cw.watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("watcher error", "error", err)
			}
		}
	}()
}

// Stop ends watching.
func (cw *CodeWatcher) Stop() {
	if cw.cancel != nil {
		cw.cancel()
	}
	cw.watcher.Close()
}

// SetDebounce sets the batching window.
func (cw *CodeWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}

func (cw *CodeWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories join the watch set.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !cw.skipDir(filepath.Base(event.Name)) {
			cw.watcher.Add(event.Name)
		}
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.pending[event.Name] = struct{}{}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.flush)
}

func (cw *CodeWatcher) flush() {
	cw.mu.Lock()
	pending := cw.pending
	cw.pending = make(map[string]struct{})
	cw.mu.Unlock()

	if cw.callback == nil || len(pending) == 0 {
		return
	}
	changed := make([]string, 0, len(pending))
	for p := range pending {
		changed = append(changed, p)
	}
	cw.callback(changed)
}
