package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/playlist"
)

// debounce window for editors that write the playlist in several steps
const reloadDelay = 250 * time.Millisecond

// Watcher reloads the queue when the playlist file changes on disk, so
// external edits take effect without restarting the daemon. The daemon's
// own saves land here too; ReloadTracks ignores them because the contents
// already match the queue.
type Watcher struct {
	core  *Core
	store *playlist.Store
	log   *logrus.Logger
	fsw   *fsnotify.Watcher
}

// NewWatcher watches the directory holding the playlist file. Watching the
// directory rather than the file keeps the watch alive across the
// rename-based saves the store performs.
func NewWatcher(core *Core, store *playlist.Store, log *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{core: core, store: store, log: log, fsw: fsw}, nil
}

// Run consumes filesystem events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.store.Path()) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("playlist watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	tracks, err := w.store.Load()
	if err != nil {
		w.log.WithError(err).Warn("ignoring unreadable playlist edit")
		return
	}
	if err := w.core.ReloadTracks(tracks); err != nil {
		w.log.WithError(err).Warn("playlist reload failed")
	}
}
