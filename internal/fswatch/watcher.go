package fswatch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Event reports a change to the watched file.
type Event struct {
	Path      string
	Timestamp time.Time
}

var (
	// ErrNoParentDirectory indicates a path whose parent directory cannot be determined.
	ErrNoParentDirectory = errors.New("fswatch: cannot determine parent directory")
	errWatcherClosed     = errors.New("fswatch: watcher closed")
)

// Watcher observes a single file at a time. It watches the file's parent
// directory non-recursively and filters events down to the target path, so
// editors that replace the file (write temp + rename) are still seen.
type Watcher struct {
	mu      sync.Mutex
	logger  *zap.Logger
	clock   func() time.Time
	events  chan Event
	closed  bool
	current *watchTarget
}

type watchTarget struct {
	notifier *fsnotify.Watcher
	dir      string
	path     string
	done     chan struct{}
}

// NewWatcher constructs an idle watcher. Events are delivered on Events().
func NewWatcher(logger *zap.Logger, clock func() time.Time) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Watcher{
		logger: logger,
		clock:  clock,
		events: make(chan Event, 16),
	}
}

// Events exposes the change-notification stream.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Watch starts observing the file at path, replacing any previous target.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errWatcherClosed
	}

	w.stopCurrentLocked()

	target := filepath.Clean(path)
	dir := filepath.Dir(target)
	if dir == target {
		return fmt.Errorf("%w: %s", ErrNoParentDirectory, path)
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fswatch: create watcher: %w", err)
	}
	if err := notifier.Add(dir); err != nil {
		notifier.Close() //nolint:errcheck
		return fmt.Errorf("fswatch: watch %s: %w", dir, err)
	}

	current := &watchTarget{
		notifier: notifier,
		dir:      dir,
		path:     target,
		done:     make(chan struct{}),
	}
	w.current = current
	go w.run(current)
	return nil
}

// Unwatch stops observing the current target, if any.
func (w *Watcher) Unwatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopCurrentLocked()
}

// Close stops watching permanently. The events channel is left open: the run
// goroutine may still be between building an event and sending it, so closing
// the channel here could panic a sender. Shutdown is signalled through the
// target's done channel instead; consumers stop via their own context.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.stopCurrentLocked()
	w.closed = true
}

func (w *Watcher) stopCurrentLocked() {
	if w.current == nil {
		return
	}
	close(w.current.done)
	w.current.notifier.Close() //nolint:errcheck
	w.current = nil
}

func (w *Watcher) run(target *watchTarget) {
	for {
		select {
		case <-target.done:
			return
		case event, ok := <-target.notifier.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Clean(event.Name) != target.path {
				continue
			}
			change := Event{Path: target.path, Timestamp: w.clock()}
			select {
			case w.events <- change:
			case <-target.done:
				return
			}
		case err, ok := <-target.notifier.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err), zap.String("dir", target.dir))
		}
	}
}
