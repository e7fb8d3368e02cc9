package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lectern-app/lectern/backend/internal/annotations"
	"github.com/lectern-app/lectern/backend/internal/documents"
	"github.com/lectern-app/lectern/backend/internal/fswatch"
	"github.com/lectern-app/lectern/backend/internal/keeplocal"
	"github.com/lectern-app/lectern/backend/internal/search"
	"github.com/lectern-app/lectern/backend/internal/session"
	"github.com/lectern-app/lectern/backend/internal/staged"
)

const subjectContextKey = "lectern_subject"

var (
	errMissingEngine      = errors.New("session engine dependency required")
	errMissingDocuments   = errors.New("documents service dependency required")
	errMissingAnnotations = errors.New("annotations service dependency required")
	errMissingTokens      = errors.New("token issuer dependency required")
	errMissingDispatcher  = errors.New("event dispatcher dependency required")
	errInvalidAuth        = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates local session tokens.
type TokenManager interface {
	IssueSessionToken() (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the session core.
type Dependencies struct {
	Engine       *session.Engine
	Documents    *documents.Service
	Annotations  *annotations.Service
	Search       *search.Service
	KeepLocal    *keeplocal.Client
	Files        fswatch.Gateway
	Watcher      *fswatch.Watcher
	Tokens       TokenManager
	UndoNotices  *staged.Slot
	ErrorNotices *staged.Slot
	Dispatcher   *EventDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the local API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Annotations == nil {
		return nil, errMissingAnnotations
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:       deps.Engine,
		documents:    deps.Documents,
		annotations:  deps.Annotations,
		search:       deps.Search,
		keepLocal:    deps.KeepLocal,
		files:        deps.Files,
		watcher:      deps.Watcher,
		tokens:       deps.Tokens,
		undoNotices:  deps.UndoNotices,
		errorNotices: deps.ErrorNotices,
		dispatcher:   deps.Dispatcher,
		logger:       logger,
	}

	router.POST("/auth/handshake", handler.handleHandshake)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/documents/recent", handler.handleRecentDocuments)
	protected.GET("/documents/search", handler.handleSearchDocuments)
	protected.POST("/documents", handler.handleUpsertDocument)
	protected.POST("/documents/rename", handler.handleRenameDocument)
	protected.GET("/documents/:id/highlights", handler.handleListHighlights)
	protected.DELETE("/documents/:id/highlights", handler.handleDeleteAllHighlights)
	protected.GET("/documents/:id/margin-notes", handler.handleListMarginNotes)

	protected.GET("/tabs", handler.handleListTabs)
	protected.POST("/tabs/open-file", handler.handleOpenFileTab)
	protected.POST("/tabs/open-keep-local", handler.handleOpenKeepLocalTab)
	protected.POST("/tabs/reorder", handler.handleReorderTabs)
	protected.POST("/tabs/:id/activate", handler.handleActivateTab)
	protected.POST("/tabs/:id/content", handler.handleUpdateContent)
	protected.POST("/tabs/:id/scroll", handler.handleUpdateScroll)
	protected.POST("/tabs/:id/restore-cache", handler.handleRestoreFromCache)
	protected.GET("/tabs/:id/cache", handler.handleTabCache)
	protected.DELETE("/tabs/:id", handler.handleCloseTab)

	protected.POST("/session/save", handler.handleSaveCurrent)

	protected.GET("/files/content", handler.handleReadFile)
	protected.POST("/watch", handler.handleWatch)
	protected.DELETE("/watch", handler.handleUnwatch)

	protected.POST("/highlights", handler.handleCreateHighlight)
	protected.PATCH("/highlights/:id/color", handler.handleSetHighlightColor)
	protected.DELETE("/highlights/:id", handler.handleDeleteHighlight)
	protected.POST("/highlights/:id/notes", handler.handleCreateMarginNote)
	protected.PATCH("/margin-notes/:id", handler.handleSetMarginNoteContent)
	protected.DELETE("/margin-notes/:id", handler.handleDeleteMarginNote)

	protected.GET("/keep-local/health", handler.handleKeepLocalHealth)
	protected.GET("/keep-local/items", handler.handleKeepLocalItems)
	protected.GET("/keep-local/items/:id", handler.handleKeepLocalItem)

	protected.GET("/notices", handler.handleNotices)
	protected.POST("/notices/error", handler.handleStageError)
	protected.POST("/notices/undo", handler.handleNoticeUndo)
	protected.POST("/notices/dismiss", handler.handleNoticeDismiss)
	protected.POST("/notices/error/dismiss", handler.handleErrorDismiss)

	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	engine       *session.Engine
	documents    *documents.Service
	annotations  *annotations.Service
	search       *search.Service
	keepLocal    *keeplocal.Client
	files        fswatch.Gateway
	watcher      *fswatch.Watcher
	tokens       TokenManager
	undoNotices  *staged.Slot
	errorNotices *staged.Slot
	dispatcher   *EventDispatcher
	logger       *zap.Logger
}

type handshakeResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleHandshake(c *gin.Context) {
	token, expiresIn, err := h.tokens.IssueSessionToken()
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, handshakeResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// --- documents ---

func (h *httpHandler) handleRecentDocuments(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	docs, err := h.documents.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list recent documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *httpHandler) handleSearchDocuments(c *gin.Context) {
	if h.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search_unavailable"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	results, err := h.search.Search(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		h.logger.Error("document search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *httpHandler) handleUpsertDocument(c *gin.Context) {
	var doc documents.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	stored, err := h.documents.Upsert(c.Request.Context(), doc)
	if err != nil {
		h.logger.Error("failed to upsert document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert_failed"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

type renamePayload struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

func (h *httpHandler) handleRenameDocument(c *gin.Context) {
	var request renamePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.OldPath == "" || request.NewPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.documents.RenameFile(c.Request.Context(), request.OldPath, request.NewPath); err != nil {
		h.logger.Error("failed to rename document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rename_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- tabs / session ---

type tabListPayload struct {
	Tabs        []session.Tab `json:"tabs"`
	ActiveTabID string        `json:"active_tab_id"`
}

func (h *httpHandler) handleListTabs(c *gin.Context) {
	payload := tabListPayload{Tabs: h.engine.Tabs()}
	if active, ok := h.engine.ActiveTab(); ok {
		payload.ActiveTabID = active.ID
	}
	c.JSON(http.StatusOK, payload)
}

type openFilePayload struct {
	Path string `json:"path"`
}

func (h *httpHandler) handleOpenFileTab(c *gin.Context) {
	var request openFilePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tab, err := h.engine.OpenFileTab(c.Request.Context(), request.Path)
	if err != nil {
		h.logger.Error("failed to open file tab", zap.Error(err), zap.String("path", request.Path))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "open_failed"})
		return
	}
	h.publishTabsChanged()
	c.JSON(http.StatusOK, tab)
}

type openKeepLocalPayload struct {
	ItemID string `json:"item_id"`
}

func (h *httpHandler) handleOpenKeepLocalTab(c *gin.Context) {
	if h.keepLocal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "keep_local_unavailable"})
		return
	}
	var request openKeepLocalPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ItemID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	item, err := h.keepLocal.GetItem(ctx, request.ItemID)
	if err != nil {
		h.logger.Warn("keep-local item fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "keep_local_unreachable"})
		return
	}
	content, err := h.keepLocal.GetContent(ctx, request.ItemID)
	if err != nil {
		h.logger.Warn("keep-local content fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "keep_local_unreachable"})
		return
	}

	itemID := item.ID
	doc, err := h.documents.Upsert(ctx, documents.Document{
		Source:      string(documents.SourceKeepLocal),
		KeepLocalID: &itemID,
		Title:       item.Title,
		Author:      item.Author,
		URL:         &item.URL,
		WordCount:   item.WordCount,
	})
	if err != nil {
		h.logger.Error("failed to upsert keep-local document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert_failed"})
		return
	}

	tab, err := h.engine.OpenDocumentTab(ctx, doc, content)
	if err != nil {
		h.logger.Error("failed to open keep-local tab", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "open_failed"})
		return
	}
	h.publishTabsChanged()
	c.JSON(http.StatusOK, tab)
}

type reorderPayload struct {
	FromIndex *int `json:"from_index"`
	ToIndex   *int `json:"to_index"`
}

func (h *httpHandler) handleReorderTabs(c *gin.Context) {
	var request reorderPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FromIndex == nil || request.ToIndex == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engine.Reorder(c.Request.Context(), *request.FromIndex, *request.ToIndex); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reorder_failed"})
		return
	}
	h.publishTabsChanged()
	c.JSON(http.StatusOK, tabListPayload{Tabs: h.engine.Tabs(), ActiveTabID: h.activeTabID()})
}

func (h *httpHandler) handleActivateTab(c *gin.Context) {
	if err := h.engine.ActivateTab(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "activate_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type contentPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleUpdateContent(c *gin.Context) {
	var request contentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engine.UpdateContent(c.Param("id"), request.Content); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tab_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type scrollPayload struct {
	Position float64 `json:"position"`
}

func (h *httpHandler) handleUpdateScroll(c *gin.Context) {
	var request scrollPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engine.UpdateScroll(c.Param("id"), request.Position); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tab_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type restoreCachePayload struct {
	Document *documents.Document `json:"document"`
	Content  string              `json:"content"`
	FilePath *string             `json:"file_path"`
	IsDirty  bool                `json:"is_dirty"`
}

func (h *httpHandler) handleRestoreFromCache(c *gin.Context) {
	var request restoreCachePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if active, ok := h.engine.ActiveTab(); !ok || active.ID != c.Param("id") {
		c.JSON(http.StatusConflict, gin.H{"error": "tab_not_active"})
		return
	}
	if err := h.engine.RestoreFromCache(request.Document, request.Content, request.FilePath, request.IsDirty); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "restore_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type tabCachePayload struct {
	Document          *documents.Document      `json:"document"`
	Content           string                   `json:"content"`
	FilePath          *string                  `json:"file_path"`
	Highlights        []annotations.Highlight  `json:"highlights"`
	MarginNotes       []annotations.MarginNote `json:"margin_notes"`
	AnnotationsLoaded bool                     `json:"annotations_loaded"`
	ScrollPosition    float64                  `json:"scroll_position"`
}

func (h *httpHandler) handleTabCache(c *gin.Context) {
	cache, ok := h.engine.Cache(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tab_not_found"})
		return
	}
	c.JSON(http.StatusOK, tabCachePayload{
		Document:          cache.Document,
		Content:           cache.Content,
		FilePath:          cache.FilePath,
		Highlights:        cache.Highlights,
		MarginNotes:       cache.MarginNotes,
		AnnotationsLoaded: cache.AnnotationsLoaded,
		ScrollPosition:    cache.ScrollPosition,
	})
}

func (h *httpHandler) handleCloseTab(c *gin.Context) {
	if err := h.engine.CloseTab(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "close_failed"})
		return
	}
	h.publishTabsChanged()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSaveCurrent(c *gin.Context) {
	if err := h.engine.SaveCurrent(c.Request.Context()); err != nil {
		h.logger.Warn("save failed", zap.Error(err))
		if h.errorNotices != nil {
			h.errorNotices.Stage(staged.Action{Message: "Save failed: " + err.Error()})
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	// Successful saves are silent; the dirty indicator clears on its own.
	c.Status(http.StatusNoContent)
}

// --- files / watcher ---

func (h *httpHandler) handleReadFile(c *gin.Context) {
	path := c.Query("path")
	if strings.TrimSpace(path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.files == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "files_unavailable"})
		return
	}
	content, err := h.files.ReadFile(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "content": content})
}

type watchPayload struct {
	Path string `json:"path"`
}

func (h *httpHandler) handleWatch(c *gin.Context) {
	if h.watcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "watcher_unavailable"})
		return
	}
	var request watchPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.watcher.Watch(request.Path); err != nil {
		h.logger.Error("failed to watch file", zap.Error(err), zap.String("path", request.Path))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "watch_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnwatch(c *gin.Context) {
	if h.watcher != nil {
		h.watcher.Unwatch()
	}
	c.Status(http.StatusNoContent)
}

// --- annotations ---

type highlightPayload struct {
	DocumentID    string  `json:"document_id"`
	Color         string  `json:"color"`
	TextContent   string  `json:"text_content"`
	FromPos       int64   `json:"from_pos"`
	ToPos         int64   `json:"to_pos"`
	PrefixContext *string `json:"prefix_context"`
	SuffixContext *string `json:"suffix_context"`
}

func (h *httpHandler) handleCreateHighlight(c *gin.Context) {
	var request highlightPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DocumentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	highlight, err := h.annotations.CreateHighlight(c.Request.Context(), annotations.HighlightInput{
		DocumentID:    request.DocumentID,
		Color:         request.Color,
		TextContent:   request.TextContent,
		FromPos:       request.FromPos,
		ToPos:         request.ToPos,
		PrefixContext: request.PrefixContext,
		SuffixContext: request.SuffixContext,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "create_failed"})
		return
	}
	h.engine.InvalidateAnnotationsForDocument(request.DocumentID)
	c.JSON(http.StatusOK, highlight)
}

func (h *httpHandler) handleListHighlights(c *gin.Context) {
	highlights, err := h.annotations.ListHighlights(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"highlights": highlights})
}

func (h *httpHandler) handleDeleteAllHighlights(c *gin.Context) {
	documentID := c.Param("id")
	removed, err := h.annotations.DeleteAllForDocument(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to clear highlights", zap.Error(err), zap.String("document_id", documentID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	h.engine.InvalidateAnnotationsForDocument(documentID)
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

type colorPayload struct {
	Color string `json:"color"`
}

func (h *httpHandler) handleSetHighlightColor(c *gin.Context) {
	var request colorPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.annotations.SetHighlightColor(c.Request.Context(), c.Param("id"), request.Color); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteHighlight(c *gin.Context) {
	deleted, err := h.annotations.DeleteHighlight(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "delete_failed"})
		return
	}
	h.engine.InvalidateAnnotationsForDocument(deleted.Highlight.DocumentID)

	noticeID := ""
	if h.undoNotices != nil {
		bundle := deleted
		noticeID = h.undoNotices.Stage(staged.Action{
			Message: "Deleted highlight",
			Commit:  func() {},
			Undo: func() {
				if err := h.annotations.RestoreHighlight(context.Background(), bundle); err != nil {
					h.logger.Error("failed to restore highlight", zap.Error(err),
						zap.String("highlight_id", bundle.Highlight.ID))
					return
				}
				h.engine.InvalidateAnnotationsForDocument(bundle.Highlight.DocumentID)
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "notice_id": noticeID})
}

type marginNotePayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleCreateMarginNote(c *gin.Context) {
	var request marginNotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	note, err := h.annotations.CreateMarginNote(c.Request.Context(), c.Param("id"), request.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleListMarginNotes(c *gin.Context) {
	notes, err := h.annotations.ListMarginNotes(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"margin_notes": notes})
}

func (h *httpHandler) handleSetMarginNoteContent(c *gin.Context) {
	var request marginNotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.annotations.SetMarginNoteContent(c.Request.Context(), c.Param("id"), request.Content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteMarginNote(c *gin.Context) {
	if err := h.annotations.DeleteMarginNote(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- keep-local proxy ---

func (h *httpHandler) handleKeepLocalHealth(c *gin.Context) {
	if h.keepLocal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "keep_local_unavailable"})
		return
	}
	health, err := h.keepLocal.CheckHealth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "keep_local_unreachable"})
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *httpHandler) handleKeepLocalItems(c *gin.Context) {
	if h.keepLocal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "keep_local_unavailable"})
		return
	}
	query := keeplocal.ListQuery{
		Query:  c.Query("q"),
		Status: c.Query("status"),
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			query.Limit = parsed
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			query.Offset = parsed
		}
	}
	result, err := h.keepLocal.ListItems(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "keep_local_unreachable"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleKeepLocalItem(c *gin.Context) {
	if h.keepLocal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "keep_local_unavailable"})
		return
	}
	item, err := h.keepLocal.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "keep_local_unreachable"})
		return
	}
	c.JSON(http.StatusOK, item)
}

// --- notices ---

type noticeView struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	CanUndo bool   `json:"can_undo"`
}

func (h *httpHandler) handleNotices(c *gin.Context) {
	payload := gin.H{}
	if h.undoNotices != nil {
		if view, ok := h.undoNotices.Current(); ok {
			payload["undo"] = noticeView{ID: view.ID, Message: view.Message, CanUndo: view.CanUndo}
		}
	}
	if h.errorNotices != nil {
		if view, ok := h.errorNotices.Current(); ok {
			payload["error"] = noticeView{ID: view.ID, Message: view.Message, CanUndo: view.CanUndo}
		}
	}
	c.JSON(http.StatusOK, payload)
}

type errorNoticePayload struct {
	Message string `json:"message"`
}

func (h *httpHandler) handleStageError(c *gin.Context) {
	if h.errorNotices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notices_unavailable"})
		return
	}
	var request errorNoticePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id := h.errorNotices.Stage(staged.Action{Message: request.Message})
	c.JSON(http.StatusOK, gin.H{"notice_id": id})
}

func (h *httpHandler) handleNoticeUndo(c *gin.Context) {
	if h.undoNotices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notices_unavailable"})
		return
	}
	if err := h.undoNotices.RequestUndo(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing_staged"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleNoticeDismiss(c *gin.Context) {
	if h.undoNotices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notices_unavailable"})
		return
	}
	if err := h.undoNotices.RequestCommit(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing_staged"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleErrorDismiss(c *gin.Context) {
	if h.errorNotices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notices_unavailable"})
		return
	}
	if err := h.errorNotices.RequestCommit(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing_staged"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- events ---

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		}
	})
}

func (h *httpHandler) publishTabsChanged() {
	h.dispatcher.Publish(Event{Type: EventTabsChanged, Timestamp: time.Now().UTC()})
}

func (h *httpHandler) activeTabID() string {
	if active, ok := h.engine.ActiveTab(); ok {
		return active.ID
	}
	return ""
}
