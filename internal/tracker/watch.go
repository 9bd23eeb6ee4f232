package tracker

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is how long a path must stay quiet before it is rescanned.
const DefaultDebounce = 300 * time.Millisecond

// Watcher rescans paths of a Tracker as they change on disk.
type Watcher struct {
	tracker  *Tracker
	debounce time.Duration

	// OnScan, when set, receives the result of every flush.
	OnScan func(*ScanResult)

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher creates a Watcher. debounce <= 0 uses DefaultDebounce.
func NewWatcher(t *Tracker, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		tracker:  t,
		debounce: debounce,
		pending:  make(map[string]time.Time),
	}
}

// Run performs an initial full scan, then watches the workspace until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.tracker.Root()); err != nil {
		return err
	}
	res, err := w.tracker.Scan(ctx)
	if err != nil {
		return err
	}
	w.notify(res)

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	log.Infof("[Tracker] watching %s", w.tracker.Root())
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("[Tracker] watch error: %v", err)

		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.tracker.Root(), ev.Name)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)

	if ev.Has(fsnotify.Create) {
		if err := w.addTree(fsw, ev.Name); err != nil {
			log.Debugf("[Tracker] cannot watch %s: %v", rel, err)
		}
	}
	if ev.Op == fsnotify.Chmod {
		return
	}

	w.mu.Lock()
	w.pending[rel] = time.Now()
	w.mu.Unlock()
}

// flush rescans paths that have been quiet for the debounce interval.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var ready []string
	for p, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	res, err := w.tracker.ScanPaths(ctx, ready)
	if err != nil {
		log.Warnf("[Tracker] rescan failed: %v", err)
		return
	}
	w.notify(res)
}

func (w *Watcher) notify(res *ScanResult) {
	if res.Changed() {
		log.Infof("[Tracker] %d created, %d modified, %d deleted", res.Created, res.Modified, res.Deleted)
	}
	if w.OnScan != nil {
		w.OnScan(res)
	}
}

// addTree watches dir and every trackable directory below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	root := w.tracker.Root()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if rel != "." && !w.tracker.filter(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
