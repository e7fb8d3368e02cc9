package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lectern-app/lectern/backend/internal/annotations"
	"github.com/lectern-app/lectern/backend/internal/auth"
	"github.com/lectern-app/lectern/backend/internal/documents"
	"github.com/lectern-app/lectern/backend/internal/search"
	"github.com/lectern-app/lectern/backend/internal/session"
	"github.com/lectern-app/lectern/backend/internal/staged"
)

type sequenceIDGenerator struct {
	mu    sync.Mutex
	count int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	return fmt.Sprintf("id-%d", g.count), nil
}

type mapGateway struct {
	mu       sync.Mutex
	files    map[string]string
	writeErr error
}

func (g *mapGateway) ReadFile(path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	content, ok := g.files[path]
	if !ok {
		return "", errors.New("file not found: " + path)
	}
	return content, nil
}

func (g *mapGateway) WriteFile(path string, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	g.files[path] = content
	return nil
}

type routerFixture struct {
	server       *httptest.Server
	token        string
	gateway      *mapGateway
	engine       *session.Engine
	annotations  *annotations.Service
	undoNotices  *staged.Slot
	errorNotices *staged.Slot
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:lectern_router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}, &annotations.Highlight{}, &annotations.MarginNote{}, &session.PersistedTab{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &sequenceIDGenerator{}
	docsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	notesService, err := annotations.NewService(annotations.ServiceConfig{
		Database:   db,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct annotations service: %v", err)
	}

	searchService, err := search.NewService(search.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct search service: %v", err)
	}

	gateway := &mapGateway{files: make(map[string]string)}
	engine, err := session.NewEngine(session.EngineConfig{
		Database:    db,
		Files:       gateway,
		Documents:   docsService,
		Annotations: notesService,
		Search:      searchService,
		IDProvider:  generator,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "lectern-auth",
		Audience:      "lectern-api",
	})
	undoNotices := staged.NewSlot(staged.SlotConfig{DefaultDuration: time.Minute, IDProvider: generator})
	errorNotices := staged.NewSlot(staged.SlotConfig{DefaultDuration: time.Minute, IDProvider: generator})

	handler, err := NewHTTPHandler(Dependencies{
		Engine:       engine,
		Documents:    docsService,
		Annotations:  notesService,
		Search:       searchService,
		Files:        gateway,
		Tokens:       tokens,
		UndoNotices:  undoNotices,
		ErrorNotices: errorNotices,
		Dispatcher:   NewEventDispatcher(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	fixture := &routerFixture{
		server:       server,
		gateway:      gateway,
		engine:       engine,
		annotations:  notesService,
		undoNotices:  undoNotices,
		errorNotices: errorNotices,
	}
	fixture.token = fixture.handshake(t)
	return fixture
}

func (f *routerFixture) handshake(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/auth/handshake", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected handshake status %d", resp.StatusCode)
	}
	var payload handshakeResponsePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode handshake: %v", err)
	}
	if payload.TokenType != "Bearer" || payload.AccessToken == "" {
		t.Fatalf("unexpected handshake payload %+v", payload)
	}
	return payload.AccessToken
}

func (f *routerFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequestWithContext(context.Background(), method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	fixture := newRouterFixture(t)

	resp, err := http.Get(fixture.server.URL + "/tabs")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	authorized := fixture.do(t, http.MethodGet, "/tabs", nil)
	authorized.Body.Close()
	if authorized.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", authorized.StatusCode)
	}
}

func TestOpenFileTabAndListTabs(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/a.md"] = "hello world"

	resp := fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/a.md"})
	var tab session.Tab
	decodeBody(t, resp, &tab)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if tab.Title != "a.md" {
		t.Fatalf("unexpected tab %+v", tab)
	}

	listResp := fixture.do(t, http.MethodGet, "/tabs", nil)
	var listing tabListPayload
	decodeBody(t, listResp, &listing)
	if len(listing.Tabs) != 1 || listing.ActiveTabID != tab.ID {
		t.Fatalf("unexpected listing %+v", listing)
	}
}

func TestReorderEndpointValidatesIndexes(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/a.md"] = "a"
	fixture.gateway.files["/docs/b.md"] = "b"
	fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/a.md"}).Body.Close()
	fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/b.md"}).Body.Close()

	zero, one := 0, 1
	ok := fixture.do(t, http.MethodPost, "/tabs/reorder", reorderPayload{FromIndex: &one, ToIndex: &zero})
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", ok.StatusCode)
	}

	five := 5
	bad := fixture.do(t, http.MethodPost, "/tabs/reorder", reorderPayload{FromIndex: &zero, ToIndex: &five})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range index, got %d", bad.StatusCode)
	}

	missing := fixture.do(t, http.MethodPost, "/tabs/reorder", map[string]int{"from_index": 0})
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing index, got %d", missing.StatusCode)
	}
}

func TestSaveEndpointWritesThroughEngine(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/a.md"] = "hello"
	resp := fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/a.md"})
	var tab session.Tab
	decodeBody(t, resp, &tab)

	update := fixture.do(t, http.MethodPost, "/tabs/"+tab.ID+"/content", contentPayload{Content: "hello world"})
	update.Body.Close()
	if update.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", update.StatusCode)
	}

	save := fixture.do(t, http.MethodPost, "/session/save", nil)
	save.Body.Close()
	if save.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", save.StatusCode)
	}
	fixture.gateway.mu.Lock()
	content := fixture.gateway.files["/docs/a.md"]
	fixture.gateway.mu.Unlock()
	if content != "hello world" {
		t.Fatalf("unexpected file content %q", content)
	}
}

func TestSaveFailureStagesErrorNotice(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/a.md"] = "hello"
	resp := fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/a.md"})
	var tab session.Tab
	decodeBody(t, resp, &tab)
	fixture.do(t, http.MethodPost, "/tabs/"+tab.ID+"/content", contentPayload{Content: "edited"}).Body.Close()

	fixture.gateway.mu.Lock()
	fixture.gateway.writeErr = errors.New("disk full")
	fixture.gateway.mu.Unlock()

	save := fixture.do(t, http.MethodPost, "/session/save", nil)
	save.Body.Close()
	if save.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", save.StatusCode)
	}
	if _, pending := fixture.errorNotices.Current(); !pending {
		t.Fatalf("expected a staged error notice")
	}
}

func TestDeleteHighlightStagesUndoAndRestores(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/a.md"] = "highlight me please"
	resp := fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/a.md"})
	var tab session.Tab
	decodeBody(t, resp, &tab)

	createResp := fixture.do(t, http.MethodPost, "/highlights", highlightPayload{
		DocumentID:  *tab.DocumentID,
		Color:       "yellow",
		TextContent: "highlight me",
		FromPos:     0,
		ToPos:       12,
	})
	var highlight annotations.Highlight
	decodeBody(t, createResp, &highlight)
	if createResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", createResp.StatusCode)
	}

	deleteResp := fixture.do(t, http.MethodDelete, "/highlights/"+highlight.ID, nil)
	deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", deleteResp.StatusCode)
	}
	view, pending := fixture.undoNotices.Current()
	if !pending || !view.CanUndo {
		t.Fatalf("expected an undoable staged notice, got %+v", view)
	}

	remaining, err := fixture.annotations.ListHighlights(context.Background(), *tab.DocumentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected highlight to be deleted")
	}

	undoResp := fixture.do(t, http.MethodPost, "/notices/undo", nil)
	undoResp.Body.Close()
	if undoResp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", undoResp.StatusCode)
	}
	restored, err := fixture.annotations.ListHighlights(context.Background(), *tab.DocumentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(restored) != 1 || restored[0].ID != highlight.ID {
		t.Fatalf("expected highlight back after undo, got %+v", restored)
	}
}

func TestDeleteAllHighlightsForDocument(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/a.md"] = "two highlights live here"
	resp := fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/a.md"})
	var tab session.Tab
	decodeBody(t, resp, &tab)

	for _, span := range [][2]int64{{0, 4}, {5, 15}} {
		created := fixture.do(t, http.MethodPost, "/highlights", highlightPayload{
			DocumentID:  *tab.DocumentID,
			Color:       "blue",
			TextContent: "span",
			FromPos:     span[0],
			ToPos:       span[1],
		})
		created.Body.Close()
		if created.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d", created.StatusCode)
		}
	}

	clearResp := fixture.do(t, http.MethodDelete, "/documents/"+*tab.DocumentID+"/highlights", nil)
	var cleared map[string]int64
	decodeBody(t, clearResp, &cleared)
	if clearResp.StatusCode != http.StatusOK || cleared["deleted"] != 2 {
		t.Fatalf("unexpected clear response %d %+v", clearResp.StatusCode, cleared)
	}

	remaining, err := fixture.annotations.ListHighlights(context.Background(), *tab.DocumentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no highlights left, got %+v", remaining)
	}
}

func TestSearchEndpointFindsOpenedDocuments(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/birds.md"] = "Field notes on albatross migration."
	resp := fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/birds.md"})
	var tab session.Tab
	decodeBody(t, resp, &tab)

	searchResp := fixture.do(t, http.MethodGet, "/documents/search?q=albatross", nil)
	var payload struct {
		Results []search.Result `json:"results"`
	}
	decodeBody(t, searchResp, &payload)
	if searchResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", searchResp.StatusCode)
	}
	if len(payload.Results) != 1 || payload.Results[0].DocumentID != *tab.DocumentID {
		t.Fatalf("unexpected results %+v", payload.Results)
	}

	empty := fixture.do(t, http.MethodGet, "/documents/search?q=", nil)
	var emptyPayload struct {
		Results []search.Result `json:"results"`
	}
	decodeBody(t, empty, &emptyPayload)
	if empty.StatusCode != http.StatusOK || len(emptyPayload.Results) != 0 {
		t.Fatalf("expected empty result set, got %d %+v", empty.StatusCode, emptyPayload.Results)
	}

	bad := fixture.do(t, http.MethodGet, "/documents/search?q=albatross&limit=-1", nil)
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", bad.StatusCode)
	}
}

func TestNoticesEndpointReportsStagedState(t *testing.T) {
	fixture := newRouterFixture(t)

	stage := fixture.do(t, http.MethodPost, "/notices/error", errorNoticePayload{Message: "Save failed: disk full"})
	var stagedResp map[string]string
	decodeBody(t, stage, &stagedResp)
	if stagedResp["notice_id"] == "" {
		t.Fatalf("expected a notice id")
	}

	list := fixture.do(t, http.MethodGet, "/notices", nil)
	var notices map[string]noticeView
	decodeBody(t, list, &notices)
	errNotice, ok := notices["error"]
	if !ok || errNotice.Message != "Save failed: disk full" || errNotice.CanUndo {
		t.Fatalf("unexpected notices %+v", notices)
	}

	dismiss := fixture.do(t, http.MethodPost, "/notices/error/dismiss", nil)
	dismiss.Body.Close()
	if dismiss.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", dismiss.StatusCode)
	}
	again := fixture.do(t, http.MethodPost, "/notices/error/dismiss", nil)
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when nothing is staged, got %d", again.StatusCode)
	}
}

func TestCloseTabEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.gateway.files["/docs/a.md"] = "a"
	resp := fixture.do(t, http.MethodPost, "/tabs/open-file", openFilePayload{Path: "/docs/a.md"})
	var tab session.Tab
	decodeBody(t, resp, &tab)

	closeResp := fixture.do(t, http.MethodDelete, "/tabs/"+tab.ID, nil)
	closeResp.Body.Close()
	if closeResp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", closeResp.StatusCode)
	}
	missing := fixture.do(t, http.MethodDelete, "/tabs/"+tab.ID, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tab, got %d", missing.StatusCode)
	}
}
