package suppression

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates a memoised suppression list when any of the watched
// files changes on disk, so the next classification reloads fresh rules.
type Watcher struct {
	w *fsnotify.Watcher

	mu    sync.Mutex
	dirty bool
	done  chan struct{}
}

// Watch starts watching the given files. Paths that cannot be watched are
// skipped; they may appear later, in which case a restart picks them up.
func Watch(paths []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{w: fw, done: make(chan struct{})}
	for _, path := range paths {
		_ = fw.Add(path)
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.dirty = true
				w.mu.Unlock()
			}
		case _, ok := <-w.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Dirty reports whether any watched file changed since the last call and
// clears the flag.
func (w *Watcher) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirty := w.dirty
	w.dirty = false
	return dirty
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
