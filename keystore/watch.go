package keystore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/derivkit/jobhub/errors"
)

// debouncePeriod collapses bursts of file events (editor saves, cp of many keys)
const debouncePeriod = 250 * time.Millisecond

// Watcher re-scans a Store when its directory changes
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher

	mu            sync.Mutex
	debounceTimer *time.Timer
	done          chan struct{}
}

// Watch starts watching the store's directory until ctx is done or Close is called
func (s *Store) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch trusted key directory %s", s.dir)
	}

	w := &Watcher{store: s, watcher: fw, done: make(chan struct{})}
	go w.watchLoop(ctx)
	return w, nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, PublicKeySuffix) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.store.logger.Debugw("Trusted key directory changed", "path", event.Name, "op", event.Op.String())
			w.scheduleRescan()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Warnw("Trusted key watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleRescan() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debouncePeriod, func() {
		if _, err := w.store.Rescan(); err != nil {
			w.store.logger.Errorw("Trusted key rescan failed", "error", err)
		}
	})
}

// Close stops watching
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
