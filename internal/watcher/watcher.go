// Package watcher reports changes made to the workspace tree outside the
// API, such as files written by shell commands.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/events"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/storage/local"
)

// DefaultDebounce is the batching window when none is configured.
const DefaultDebounce = 250 * time.Millisecond

// Watcher recursively watches a root directory and publishes one
// tree_changed event per debounce window.
type Watcher struct {
	root     string
	debounce time.Duration
	pub      events.Publisher
	fsw      *fsnotify.Watcher

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	// pending is only touched by the loop goroutine.
	pending map[string]struct{}
}

// New starts watching root and every directory below it.
func New(root string, pub events.Publisher, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     abs,
		debounce: debounce,
		pub:      pub,
		fsw:      fsw,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[string]struct{}),
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	w.addTree(abs, false)

	go w.loop()

	logging.Info("tree watcher started",
		zap.String("root", abs),
		zap.Duration("debounce", debounce),
		zap.Int("watches", len(fsw.WatchList())))
	return w, nil
}

// Close stops the watcher and waits for the loop to exit. It is safe to
// call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-w.closed:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.handle(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			w.flush()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("tree watcher error", zap.Error(err))
		}
	}
}

// handle records ev and reports whether anything became pending.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if local.IsTempName(filepath.Base(ev.Name)) {
		return false
	}
	if !w.mark(ev.Name) {
		return false
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				logging.Warn("watch new directory failed", logging.Path(ev.Name), zap.Error(err))
			}
			// Files may have landed before the watch was added.
			w.addTree(ev.Name, true)
		}
	}
	return true
}

// addTree adds watches for every directory below dir. With markFiles set
// the regular files found are also marked as changed.
func (w *Watcher) addTree(dir string, markFiles bool) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir {
				if err := w.fsw.Add(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					logging.Warn("watch directory failed", logging.Path(path), zap.Error(err))
				}
			}
			return nil
		}
		if markFiles && d.Type().IsRegular() && !local.IsTempName(d.Name()) {
			w.mark(path)
		}
		return nil
	})
}

func (w *Watcher) mark(abs string) bool {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	w.pending[filepath.ToSlash(rel)] = struct{}{}
	return true
}

func (w *Watcher) flush() {
	if len(w.pending) == 0 {
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = make(map[string]struct{})

	logging.Debug("tree changed", zap.Int("paths", len(paths)))
	w.pub.Publish(events.TreeChanged(paths))
}
