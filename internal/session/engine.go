package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lectern-app/lectern/backend/internal/annotations"
	"github.com/lectern-app/lectern/backend/internal/documents"
	"github.com/lectern-app/lectern/backend/internal/fswatch"
	"github.com/lectern-app/lectern/backend/internal/search"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingFiles       = errors.New("file gateway is required")
	errMissingDocuments   = errors.New("documents service is required")
	errMissingAnnotations = errors.New("annotations service is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errNoActiveTab        = errors.New("no active tab")
	errTabNotFound        = errors.New("tab not found")
	errNoSaveTarget       = errors.New("active tab has no save target")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew   = "session.engine.new"
	opRestore     = "session.restore"
	opOpenTab     = "session.open_tab"
	opCloseTab    = "session.close_tab"
	opActivateTab = "session.activate_tab"
	opReorderTabs = "session.reorder_tabs"
	opSaveCurrent = "session.save_current"
	opFromCache   = "session.restore_from_cache"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new tabs.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig carries the dependencies for a session Engine.
type EngineConfig struct {
	Database    *gorm.DB
	Files       fswatch.Gateway
	Documents   *documents.Service
	Annotations *annotations.Service
	// Search, when set, receives index updates on open and save.
	Search     *search.Service
	Tracker    *SelfSaveTracker
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type saveState struct {
	done chan struct{}
	err  error
}

// Engine orchestrates tab lifecycle, save/load, and self-save filtering. It
// owns the TabCacheStore and the SelfSaveTracker; all tab mutations happen
// under one mutex so readers never observe duplicate order values.
type Engine struct {
	tabStore    *TabStore
	files       fswatch.Gateway
	docs        *documents.Service
	annotations *annotations.Service
	search      *search.Service
	tracker     *SelfSaveTracker
	caches      *TabCacheStore
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger

	mu       sync.Mutex
	tabs     []Tab
	activeID string
	saves    map[string]*saveState
}

// NewEngine validates the configuration and returns an Engine with an empty
// session. Call Restore to rebuild the previous layout.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Files == nil {
		return nil, newServiceError(opEngineNew, "missing_files", errMissingFiles)
	}
	if cfg.Documents == nil {
		return nil, newServiceError(opEngineNew, "missing_documents", errMissingDocuments)
	}
	if cfg.Annotations == nil {
		return nil, newServiceError(opEngineNew, "missing_annotations", errMissingAnnotations)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}

	tabStore, err := NewTabStore(cfg.Database)
	if err != nil {
		return nil, newServiceError(opEngineNew, "missing_database", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewSelfSaveTracker(DefaultSelfSaveWindow, clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		tabStore:    tabStore,
		files:       cfg.Files,
		docs:        cfg.Documents,
		annotations: cfg.Annotations,
		search:      cfg.Search,
		tracker:     tracker,
		caches:      NewTabCacheStore(),
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		saves:       make(map[string]*saveState),
	}, nil
}

// Restore rebuilds the tab set from the persisted layout. Cache entries hold
// document metadata only; content is read on first activation.
func (e *Engine) Restore(ctx context.Context) error {
	persisted, err := e.tabStore.FetchAll(ctx)
	if err != nil {
		e.logError(opRestore, "fetch_failed", err)
		return newServiceError(opRestore, "fetch_failed", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tabs = e.tabs[:0]
	e.activeID = ""
	for order, record := range persisted {
		docID, idErr := documents.NewDocumentID(record.DocumentID)
		if idErr != nil {
			continue
		}
		doc, docErr := e.docs.Get(ctx, docID)
		if docErr != nil {
			// Document row gone; drop the orphaned tab instead of failing the restore.
			e.logger.Warn("dropping tab with missing document",
				zap.String("tab_id", record.ID),
				zap.String("document_id", record.DocumentID))
			continue
		}

		documentID := doc.ID
		tab := Tab{
			ID:         record.ID,
			DocumentID: &documentID,
			Title:      doc.DisplayTitle(),
			Order:      int64(order),
			CreatedAt:  record.CreatedAt,
		}
		e.tabs = append(e.tabs, tab)
		docCopy := doc
		e.caches.Set(tab.ID, TabCache{
			Document: &docCopy,
			FilePath: doc.FilePath,
		})
		if record.IsActive {
			e.activeID = tab.ID
		}
	}
	e.renumberLocked()

	if e.activeID == "" && len(e.tabs) > 0 {
		e.activeID = e.tabs[0].ID
	}
	return nil
}

// OpenFileTab reads the file, upserts its document record, and opens a tab
// for it. If a tab already shows the document it is activated instead.
func (e *Engine) OpenFileTab(ctx context.Context, path string) (Tab, error) {
	cleaned := filepath.Clean(path)
	content, err := e.files.ReadFile(cleaned)
	if err != nil {
		e.logError(opOpenTab, "read_failed", err, zap.String("path", cleaned))
		return Tab{}, newServiceError(opOpenTab, "read_failed", err)
	}

	title := filepath.Base(cleaned)
	doc, err := e.docs.Upsert(ctx, documents.Document{
		Source:    string(documents.SourceFile),
		FilePath:  &cleaned,
		Title:     &title,
		WordCount: documents.CountWords(content),
	})
	if err != nil {
		return Tab{}, newServiceError(opOpenTab, "upsert_failed", err)
	}

	return e.attachTab(ctx, doc, content)
}

// OpenDocumentTab opens a tab for an already-materialized document, e.g. a
// keep-local item whose content was fetched by the caller.
func (e *Engine) OpenDocumentTab(ctx context.Context, doc documents.Document, content string) (Tab, error) {
	if err := doc.Validate(); err != nil {
		return Tab{}, newServiceError(opOpenTab, "invalid_document", err)
	}
	return e.attachTab(ctx, doc, content)
}

func (e *Engine) attachTab(ctx context.Context, doc documents.Document, content string) (Tab, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, tab := range e.tabs {
		if tab.DocumentID != nil && *tab.DocumentID == doc.ID {
			e.activeID = tab.ID
			if err := e.persistLocked(ctx); err != nil {
				return Tab{}, newServiceError(opOpenTab, "persist_failed", err)
			}
			e.indexDocument(ctx, &doc, content)
			return tab, nil
		}
	}

	id, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opOpenTab, "id_generation_failed", err)
		return Tab{}, newServiceError(opOpenTab, "id_generation_failed", err)
	}

	documentID := doc.ID
	tab := Tab{
		ID:         id,
		DocumentID: &documentID,
		Title:      doc.DisplayTitle(),
		Order:      int64(len(e.tabs)),
		CreatedAt:  e.clock().UTC().UnixMilli(),
	}
	e.tabs = append(e.tabs, tab)
	e.activeID = tab.ID

	docCopy := doc
	e.caches.Set(tab.ID, TabCache{
		Document:      &docCopy,
		Content:       content,
		ContentLoaded: true,
		FilePath:      doc.FilePath,
	})

	if err := e.persistLocked(ctx); err != nil {
		return Tab{}, newServiceError(opOpenTab, "persist_failed", err)
	}
	e.indexDocument(ctx, &doc, content)
	return tab, nil
}

// indexDocument refreshes the search index entry for a document. Index
// failures are logged, never surfaced; a broken index must not block opening
// or saving.
func (e *Engine) indexDocument(ctx context.Context, doc *documents.Document, content string) {
	if e.search == nil || doc == nil {
		return
	}
	if err := e.search.Index(ctx, doc.ID, doc.DisplayTitle(), content); err != nil {
		e.logger.Warn("search indexing failed", zap.Error(err), zap.String("document_id", doc.ID))
	}
}

// RestoreFromCache installs a document and its content into the active tab's
// cache without performing any I/O. The Self-Save Tracker is untouched.
func (e *Engine) RestoreFromCache(doc *documents.Document, content string, filePath *string, isDirty bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	index := e.indexOfLocked(e.activeID)
	if index < 0 {
		return newServiceError(opFromCache, "no_active_tab", errNoActiveTab)
	}

	if filePath != nil {
		cleaned := filepath.Clean(*filePath)
		filePath = &cleaned
	}
	e.caches.Set(e.activeID, TabCache{
		Document:      doc,
		Content:       content,
		ContentLoaded: true,
		FilePath:      filePath,
	})
	e.tabs[index].IsDirty = isDirty
	if doc != nil {
		e.tabs[index].Title = doc.DisplayTitle()
		documentID := doc.ID
		e.tabs[index].DocumentID = &documentID
	}
	return nil
}

// ActivateTab switches the active tab, updating the durable layout. On first
// activation the tab's content and annotations are loaded into its cache.
func (e *Engine) ActivateTab(ctx context.Context, rawTabID string) error {
	id, err := NewTabID(rawTabID)
	if err != nil {
		return newServiceError(opActivateTab, "invalid_id", err)
	}
	tabID := id.String()

	e.mu.Lock()
	defer e.mu.Unlock()

	index := e.indexOfLocked(tabID)
	if index < 0 {
		return newServiceError(opActivateTab, "not_found", errTabNotFound)
	}
	e.activeID = tabID

	cache, ok := e.caches.Get(tabID)
	if ok && !cache.ContentLoaded && cache.FilePath != nil {
		content, err := e.files.ReadFile(*cache.FilePath)
		if err != nil {
			e.logError(opActivateTab, "read_failed", err, zap.String("path", *cache.FilePath))
			return newServiceError(opActivateTab, "read_failed", err)
		}
		e.caches.Update(tabID, func(c *TabCache) {
			c.Content = content
			c.ContentLoaded = true
		})
	}

	if ok && !cache.AnnotationsLoaded && cache.Document != nil {
		if err := e.fillAnnotationsLocked(ctx, tabID, cache.Document.ID); err != nil {
			return err
		}
	}

	if err := e.persistLocked(ctx); err != nil {
		return newServiceError(opActivateTab, "persist_failed", err)
	}
	return nil
}

// fillAnnotationsLocked fetches highlights and margin notes once per tab.
// Runs under the engine mutex, so concurrent activations cannot start a
// duplicate fetch.
func (e *Engine) fillAnnotationsLocked(ctx context.Context, tabID, documentID string) error {
	highlights, err := e.annotations.ListHighlights(ctx, documentID)
	if err != nil {
		return newServiceError(opActivateTab, "highlights_failed", err)
	}
	notes, err := e.annotations.ListMarginNotes(ctx, documentID)
	if err != nil {
		return newServiceError(opActivateTab, "margin_notes_failed", err)
	}
	e.caches.Update(tabID, func(c *TabCache) {
		c.Highlights = highlights
		c.MarginNotes = notes
		c.AnnotationsLoaded = true
	})
	return nil
}

// InvalidateAnnotations clears the lazy-load flag so the next activation
// refetches, e.g. after an annotation mutation from the API.
func (e *Engine) InvalidateAnnotations(tabID string) {
	e.caches.Update(tabID, func(c *TabCache) {
		c.AnnotationsLoaded = false
		c.Highlights = nil
		c.MarginNotes = nil
	})
}

// InvalidateAnnotationsForDocument invalidates every tab showing the document.
func (e *Engine) InvalidateAnnotationsForDocument(documentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tab := range e.tabs {
		if tab.DocumentID != nil && *tab.DocumentID == documentID {
			e.InvalidateAnnotations(tab.ID)
		}
	}
}

// CloseTab discards the tab's cache, removes its durable record, and
// promotes an adjacent tab when the closed tab was active.
func (e *Engine) CloseTab(ctx context.Context, rawTabID string) error {
	id, err := NewTabID(rawTabID)
	if err != nil {
		return newServiceError(opCloseTab, "invalid_id", err)
	}
	tabID := id.String()

	e.mu.Lock()
	defer e.mu.Unlock()

	index := e.indexOfLocked(tabID)
	if index < 0 {
		return newServiceError(opCloseTab, "not_found", errTabNotFound)
	}

	e.tabs = append(e.tabs[:index], e.tabs[index+1:]...)
	e.renumberLocked()
	e.caches.Delete(tabID)

	if e.activeID == tabID {
		e.activeID = ""
		if len(e.tabs) > 0 {
			promoted := index
			if promoted >= len(e.tabs) {
				promoted = len(e.tabs) - 1
			}
			e.activeID = e.tabs[promoted].ID
		}
	}

	if err := e.persistLocked(ctx); err != nil {
		return newServiceError(opCloseTab, "persist_failed", err)
	}
	return nil
}

// Reorder moves the tab at fromIndex to toIndex and renumbers the set.
// Orders stay pairwise distinct at every observable point: both the move and
// the renumber happen under the engine mutex, and the durable write replaces
// the whole layout in one transaction.
func (e *Engine) Reorder(ctx context.Context, fromIndex, toIndex int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := len(e.tabs)
	if fromIndex < 0 || fromIndex >= count || toIndex < 0 || toIndex >= count {
		return newServiceError(opReorderTabs, "index_out_of_range",
			fmt.Errorf("from %d to %d with %d tabs", fromIndex, toIndex, count))
	}
	if fromIndex == toIndex {
		return nil
	}

	moved := e.tabs[fromIndex]
	e.tabs = append(e.tabs[:fromIndex], e.tabs[fromIndex+1:]...)
	e.tabs = append(e.tabs[:toIndex], append([]Tab{moved}, e.tabs[toIndex:]...)...)
	e.renumberLocked()

	if err := e.persistLocked(ctx); err != nil {
		return newServiceError(opReorderTabs, "persist_failed", err)
	}
	return nil
}

// UpdateContent replaces the tab's cached content and marks it dirty.
func (e *Engine) UpdateContent(rawTabID, content string) error {
	id, err := NewTabID(rawTabID)
	if err != nil {
		return newServiceError(opFromCache, "invalid_id", err)
	}
	tabID := id.String()

	e.mu.Lock()
	defer e.mu.Unlock()

	index := e.indexOfLocked(tabID)
	if index < 0 {
		return newServiceError(opFromCache, "not_found", errTabNotFound)
	}
	mutate := func(c *TabCache) {
		c.Content = content
		c.ContentLoaded = true
	}
	if !e.caches.Update(tabID, mutate) {
		e.caches.Set(tabID, TabCache{Content: content, ContentLoaded: true})
	}
	e.tabs[index].IsDirty = true
	return nil
}

// UpdateScroll records the tab's scroll offset.
func (e *Engine) UpdateScroll(rawTabID string, position float64) error {
	id, err := NewTabID(rawTabID)
	if err != nil {
		return newServiceError(opFromCache, "invalid_id", err)
	}
	if !e.caches.Update(id.String(), func(c *TabCache) { c.ScrollPosition = position }) {
		return newServiceError(opFromCache, "not_found", errTabNotFound)
	}
	return nil
}

// SaveCurrent writes the active tab's cached content to its save target. A
// snapshot of the content is taken before the write, so edits arriving while
// the write is in flight are preserved (and keep the tab dirty). A second
// save for the same tab while one is pending waits for it and then no-ops
// when the content is unchanged.
func (e *Engine) SaveCurrent(ctx context.Context) error {
	e.mu.Lock()
	activeID := e.activeID
	e.mu.Unlock()
	if activeID == "" {
		return newServiceError(opSaveCurrent, "no_active_tab", errNoActiveTab)
	}
	return e.SaveTab(ctx, activeID)
}

// SaveTab saves one tab's cached content. See SaveCurrent.
func (e *Engine) SaveTab(ctx context.Context, rawTabID string) error {
	id, idErr := NewTabID(rawTabID)
	if idErr != nil {
		return newServiceError(opSaveCurrent, "invalid_id", idErr)
	}
	tabID := id.String()

	var snapshot TabCache
	var state *saveState

	for {
		e.mu.Lock()
		index := e.indexOfLocked(tabID)
		if index < 0 {
			e.mu.Unlock()
			return newServiceError(opSaveCurrent, "not_found", errTabNotFound)
		}

		if inFlight, ok := e.saves[tabID]; ok {
			e.mu.Unlock()
			select {
			case <-inFlight.done:
			case <-ctx.Done():
				return newServiceError(opSaveCurrent, "cancelled", ctx.Err())
			}
			e.mu.Lock()
			index = e.indexOfLocked(tabID)
			stillDirty := index >= 0 && e.tabs[index].IsDirty
			e.mu.Unlock()
			if !stillDirty {
				// Coalesced: the in-flight save already covered this content.
				return inFlight.err
			}
			continue
		}

		cache, ok := e.caches.Get(tabID)
		if !ok {
			e.mu.Unlock()
			return newServiceError(opSaveCurrent, "no_cache", errTabNotFound)
		}
		if cache.FilePath == nil && (cache.Document == nil || cache.Document.Source != string(documents.SourceKeepLocal)) {
			e.mu.Unlock()
			return newServiceError(opSaveCurrent, "no_save_target", errNoSaveTarget)
		}

		snapshot = cache
		state = &saveState{done: make(chan struct{})}
		e.saves[tabID] = state
		e.mu.Unlock()
		break
	}

	err := e.performSave(ctx, snapshot)
	e.finishSave(tabID, snapshot, state, err)
	if err != nil {
		e.logError(opSaveCurrent, "write_failed", err, zap.String("tab_id", tabID))
		return newServiceError(opSaveCurrent, "write_failed", err)
	}
	e.indexDocument(ctx, snapshot.Document, snapshot.Content)
	return nil
}

func (e *Engine) performSave(ctx context.Context, snapshot TabCache) error {
	if snapshot.FilePath != nil {
		return e.files.WriteFile(*snapshot.FilePath, snapshot.Content)
	}

	// Alternate-origin document: refresh the durable record instead of
	// touching the file system.
	doc := *snapshot.Document
	doc.WordCount = documents.CountWords(snapshot.Content)
	_, err := e.docs.Upsert(ctx, doc)
	return err
}

// finishSave publishes the save outcome. On success the write is registered
// with the Self-Save Tracker before the dirty flag clears; the registration
// happens even when the tab has been closed mid-save, so the watcher echo of
// that write is still suppressed. On failure the dirty flag stays set and no
// suppression is recorded.
func (e *Engine) finishSave(tabID string, snapshot TabCache, state *saveState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		if snapshot.FilePath != nil {
			e.tracker.Record(*snapshot.FilePath)
		}
		if index := e.indexOfLocked(tabID); index >= 0 {
			current, ok := e.caches.Get(tabID)
			if ok && current.Content == snapshot.Content {
				e.tabs[index].IsDirty = false
			}
		}
	}

	state.err = err
	delete(e.saves, tabID)
	close(state.done)
}

// IsSelfSave reports whether a change notification for path is an echo of
// this session's own recent write.
func (e *Engine) IsSelfSave(path string) bool {
	return e.tracker.IsSelfSave(path)
}

// FilterEvent reports whether a watcher event is an external change that the
// caller should act on. Echoes of the session's own saves return false.
func (e *Engine) FilterEvent(event fswatch.Event) bool {
	return !e.tracker.IsSelfSave(event.Path)
}

// Tabs returns a snapshot of the tab set ordered by display sequence.
func (e *Engine) Tabs() []Tab {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]Tab(nil), e.tabs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ActiveTab returns the active tab, if any.
func (e *Engine) ActiveTab() (Tab, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	index := e.indexOfLocked(e.activeID)
	if index < 0 {
		return Tab{}, false
	}
	return e.tabs[index], true
}

// Cache returns a snapshot of the tab's cache entry.
func (e *Engine) Cache(tabID string) (TabCache, bool) {
	return e.caches.Get(tabID)
}

func (e *Engine) indexOfLocked(tabID string) int {
	if tabID == "" {
		return -1
	}
	for i := range e.tabs {
		if e.tabs[i].ID == tabID {
			return i
		}
	}
	return -1
}

func (e *Engine) renumberLocked() {
	for i := range e.tabs {
		e.tabs[i].Order = int64(i)
	}
}

func (e *Engine) persistLocked(ctx context.Context) error {
	records := make([]PersistedTab, 0, len(e.tabs))
	for _, tab := range e.tabs {
		if tab.DocumentID == nil {
			continue
		}
		records = append(records, PersistedTab{
			ID:         tab.ID,
			DocumentID: *tab.DocumentID,
			TabOrder:   tab.Order,
			IsActive:   tab.ID == e.activeID,
			CreatedAt:  tab.CreatedAt,
		})
	}
	return e.tabStore.ReplaceAll(ctx, records)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("session engine error", attrs...)
}
