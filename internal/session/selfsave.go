package session

import (
	"path/filepath"
	"sync"
	"time"
)

// DefaultSelfSaveWindow absorbs watcher notification latency without
// swallowing genuine external edits arriving shortly after a save.
const DefaultSelfSaveWindow = time.Second

// SelfSaveTracker remembers the most recent self-initiated write per file
// path so the echo of that write coming back through the file watcher can be
// told apart from an external change.
type SelfSaveTracker struct {
	mu     sync.Mutex
	window time.Duration
	clock  func() time.Time
	saves  map[string]time.Time
}

// NewSelfSaveTracker constructs a tracker. A non-positive window falls back
// to DefaultSelfSaveWindow; a nil clock falls back to time.Now.
func NewSelfSaveTracker(window time.Duration, clock func() time.Time) *SelfSaveTracker {
	if window <= 0 {
		window = DefaultSelfSaveWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &SelfSaveTracker{
		window: window,
		clock:  clock,
		saves:  make(map[string]time.Time),
	}
}

// Record registers a self-save for the normalized path, overwriting any
// prior record. Only the most recent save matters for suppression.
func (t *SelfSaveTracker) Record(path string) {
	normalized := filepath.Clean(path)
	t.mu.Lock()
	t.saves[normalized] = t.clock()
	t.mu.Unlock()
}

// IsSelfSave reports whether a self-save for the normalized path happened
// inside the suppression window. Pure query: repeated calls inside the
// window all return true and the window never resets on read.
func (t *SelfSaveTracker) IsSelfSave(path string) bool {
	normalized := filepath.Clean(path)
	t.mu.Lock()
	savedAt, ok := t.saves[normalized]
	now := t.clock()
	t.mu.Unlock()
	if !ok {
		return false
	}
	elapsed := now.Sub(savedAt)
	return elapsed >= 0 && elapsed < t.window
}

// Window exposes the configured suppression duration.
func (t *SelfSaveTracker) Window() time.Duration {
	return t.window
}
