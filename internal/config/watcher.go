package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolgate/internal/logging"
)

// watchDebounce coalesces the bursts of events a single save produces.
const watchDebounce = 100 * time.Millisecond

// Watcher reports changes to one file. It watches the parent directory so
// that atomic replacements by rename are seen too.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func()
	log      zerolog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher calling onChange after path is written,
// created, renamed or removed. The parent directory is created if missing.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  w,
		path:     filepath.Clean(path),
		onChange: onChange,
		log:      logging.Component("watcher"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Str("path", w.path).Msg("File watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.log.Debug().Str("path", w.path).Msg("File changed")
		w.onChange()
	})
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
