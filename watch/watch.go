// Package watch reruns work when chain definition files change on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must stay quiet before it is reported.
const DefaultDebounce = 300 * time.Millisecond

// ChangeFunc receives the sorted set of files that settled since the last call.
type ChangeFunc func(ctx context.Context, paths []string)

// Watcher reports changes to a fixed set of files. It watches their parent
// directories so files replaced by rename (as most editors save) are still
// seen. Events are debounced per file and delivered in batches.
type Watcher struct {
	mu       sync.Mutex
	fs       *fsnotify.Watcher
	files    map[string]struct{}
	dirs     []string
	pending  map[string]time.Time
	debounce time.Duration
	fn       ChangeFunc
	log      *zap.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	closeOnce sync.Once
}

// New creates a Watcher for paths. debounce <= 0 uses DefaultDebounce and a
// nil log discards output.
func New(paths []string, debounce time.Duration, fn ChangeFunc, log *zap.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("watch: no paths")
	}
	if fn == nil {
		return nil, fmt.Errorf("watch: nil change func")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	files := make(map[string]struct{}, len(paths))
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
		files[abs] = struct{}{}
		if dir := filepath.Dir(abs); !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:       fw,
		files:    files,
		dirs:     dirs,
		pending:  make(map[string]time.Time),
		debounce: debounce,
		fn:       fn,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start adds the watches and begins the event loop in a goroutine. It returns
// immediately; the loop ends when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	for _, dir := range w.dirs {
		if err := w.fs.Add(dir); err != nil {
			w.mu.Unlock()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("watching files", zap.Strings("dirs", w.dirs), zap.Duration("debounce", w.debounce))
	go w.run(ctx)
	return nil
}

// Stop ends the event loop, waits for it and releases the fsnotify watcher.
// It is safe to call more than once and without Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	w.closeOnce.Do(func() {
		close(w.stopCh)
		if running {
			<-w.doneCh
		}
		if err := w.fs.Close(); err != nil {
			w.log.Warn("close watcher", zap.Error(err))
		}
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			if settled := w.settled(time.Now()); len(settled) > 0 {
				w.fn(ctx, settled)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(ev.Name)
	if _, ok := w.files[name]; !ok {
		return
	}
	w.log.Debug("file changed", zap.String("path", name), zap.Stringer("op", ev.Op))
	w.mu.Lock()
	w.pending[name] = time.Now()
	w.mu.Unlock()
}

// settled removes and returns the pending files quiet for at least the debounce window.
func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(out)
	return out
}
