package lifecycle

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// defaultDebounce batches the burst of filesystem events an atomic manifest
// replace produces into a single change signal
const defaultDebounce = 250 * time.Millisecond

// NewWatcher watches a single file for changes
// The parent directory is watched rather than the file itself so atomic
// replaces (write to temp, rename over) keep being observed
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(path))
	}

	w := &Watcher{
		fsw:     fsw,
		name:    filepath.Base(path),
		changes: make(chan struct{}, 1),
	}
	go w.loop(debounce)

	return w, nil
}

// Watcher delivers debounced change signals for a watched file
type Watcher struct {
	fsw     *fsnotify.Watcher
	name    string
	changes chan struct{}
}

// Changes returns the channel change signals are delivered on
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(debounce time.Duration) {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debugf("Watched file event %s", event)
			if timer == nil {
				timer = time.AfterFunc(debounce, w.signal)
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Errorf("File watcher error: %s", err)
		}
	}
}

// signal delivers a change without blocking, a pending undelivered signal
// already covers this change
func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
