package session

import (
	"sync"

	"github.com/lectern-app/lectern/backend/internal/annotations"
	"github.com/lectern-app/lectern/backend/internal/documents"
)

// TabCache is the ephemeral working-set projection of a tab's durable state.
// It is created when a tab opens, mutated on every edit, and discarded when
// the tab closes. Never persisted as-is.
type TabCache struct {
	Document *documents.Document
	Content  string
	// ContentLoaded distinguishes a legitimately empty document from one
	// whose content has not been read yet (e.g. a tab rebuilt by Restore).
	ContentLoaded     bool
	FilePath          *string
	Highlights        []annotations.Highlight
	MarginNotes       []annotations.MarginNote
	AnnotationsLoaded bool
	ScrollPosition    float64
}

func (c TabCache) clone() TabCache {
	out := c
	if c.Document != nil {
		doc := *c.Document
		out.Document = &doc
	}
	if c.FilePath != nil {
		path := *c.FilePath
		out.FilePath = &path
	}
	if c.Highlights != nil {
		out.Highlights = append([]annotations.Highlight(nil), c.Highlights...)
	}
	if c.MarginNotes != nil {
		out.MarginNotes = append([]annotations.MarginNote(nil), c.MarginNotes...)
	}
	return out
}

// TabCacheStore maps tab identity to cached state. Reads return deep copies
// so a snapshot taken for a save is immune to later edits.
type TabCacheStore struct {
	mu      sync.RWMutex
	entries map[string]TabCache
}

// NewTabCacheStore returns an empty store.
func NewTabCacheStore() *TabCacheStore {
	return &TabCacheStore{entries: make(map[string]TabCache)}
}

// Get returns a snapshot of the tab's cache entry.
func (s *TabCacheStore) Get(tabID string) (TabCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[tabID]
	if !ok {
		return TabCache{}, false
	}
	return entry.clone(), true
}

// Set installs or overwrites the tab's cache entry.
func (s *TabCacheStore) Set(tabID string, cache TabCache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tabID] = cache.clone()
}

// Update applies the mutator to the tab's entry under the store lock.
// Returns false when no entry exists.
func (s *TabCacheStore) Update(tabID string, mutate func(*TabCache)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[tabID]
	if !ok {
		return false
	}
	mutate(&entry)
	s.entries[tabID] = entry
	return true
}

// Delete discards the tab's entry. Irreversible; any durable flush must
// happen before calling.
func (s *TabCacheStore) Delete(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, tabID)
}

// Len reports the number of cached tabs.
func (s *TabCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
