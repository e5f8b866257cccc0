// Package watch reports edits of local source paths, coalescing bursts of
// filesystem events into one callback.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fnproject/fndebug/api/common"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the tree must stay quiet before a callback.
const DefaultDebounce = 300 * time.Millisecond

var ErrNoPaths = errors.New("nothing to watch")

// Callback gets the sorted set of paths changed since the last call.
// Callbacks never overlap.
type Callback func(ctx context.Context, changed []string)

type Watcher struct {
	paths    []string
	debounce time.Duration
	fn       Callback

	fs *fsnotify.Watcher
	// files are watched through their parent dir
	files map[string]bool
	dirs  map[string]bool

	lock    sync.Mutex
	changed map[string]struct{}
	timer   *time.Timer
	running sync.Mutex

	cancel func()
	done   chan struct{}
}

func New(paths []string, debounce time.Duration, fn Callback) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		paths:    paths,
		debounce: debounce,
		fn:       fn,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
		changed:  make(map[string]struct{}),
	}
}

// Start begins watching. Files are watched through their directory so
// editors that replace on save keep being seen.
func (w *Watcher) Start(ctx context.Context) error {
	if len(w.paths) == 0 {
		return ErrNoPaths
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fs.Close()
			return err
		}
		fi, err := os.Stat(abs)
		if err != nil {
			fs.Close()
			return err
		}
		dir := abs
		if fi.IsDir() {
			w.dirs[abs] = true
		} else {
			w.files[abs] = true
			dir = filepath.Dir(abs)
		}
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return err
		}
	}
	w.fs = fs

	ctx, cancel := context.WithCancel(common.BackgroundContext(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)

	common.Logger(ctx).WithField("paths", w.paths).Info("watching for changes")
	return nil
}

func (w *Watcher) relevant(name string) bool {
	if w.files[name] {
		return true
	}
	return w.dirs[filepath.Dir(name)]
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	log := common.Logger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.relevant(ev.Name) {
				continue
			}
			log.WithFields(logrus.Fields{"path": ev.Name, "op": ev.Op.String()}).Debug("change")
			w.mark(ctx, ev.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watch error")
		}
	}
}

func (w *Watcher) mark(ctx context.Context, name string) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.changed[name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx) })
}

func (w *Watcher) fire(ctx context.Context) {
	w.running.Lock()
	defer w.running.Unlock()
	if ctx.Err() != nil {
		return
	}

	w.lock.Lock()
	changed := make([]string, 0, len(w.changed))
	for p := range w.changed {
		changed = append(changed, p)
	}
	w.changed = make(map[string]struct{})
	w.lock.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	w.fn(ctx, changed)
}

// Stop ends watching and waits for a running callback. Safe to call more
// than once, or without Start.
func (w *Watcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	w.lock.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.lock.Unlock()

	err := w.fs.Close()
	<-w.done
	w.running.Lock()
	w.running.Unlock()
	w.cancel = nil
	return err
}
