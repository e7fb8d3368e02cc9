package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lectern-app/lectern/backend/internal/annotations"
	"github.com/lectern-app/lectern/backend/internal/auth"
	"github.com/lectern-app/lectern/backend/internal/documents"
	"github.com/lectern-app/lectern/backend/internal/fswatch"
	"github.com/lectern-app/lectern/backend/internal/server"
	"github.com/lectern-app/lectern/backend/internal/session"
	"github.com/lectern-app/lectern/backend/internal/staged"
)

const (
	signingSecret   = "integration-secret"
	jsonContentType = "application/json"
)

type stack struct {
	db      *gorm.DB
	engine  *session.Engine
	docs    *documents.Service
	notes   *annotations.Service
	gateway fswatch.Gateway
	handler http.Handler
}

func buildStack(t *testing.T, dsn string) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}, &annotations.Highlight{}, &annotations.MarginNote{}, &session.PersistedTab{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	idProvider := documents.NewUUIDProvider()
	docsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build documents service: %v", err)
	}
	notesService, err := annotations.NewService(annotations.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build annotations service: %v", err)
	}

	gateway := fswatch.NewOSGateway()
	engine, err := session.NewEngine(session.EngineConfig{
		Database:    db,
		Files:       gateway,
		Documents:   docsService,
		Annotations: notesService,
		IDProvider:  idProvider,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "lectern-auth",
		Audience:      "lectern-api",
	})
	dispatcher := server.NewEventDispatcher()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:       engine,
		Documents:    docsService,
		Annotations:  notesService,
		Files:        gateway,
		Tokens:       tokens,
		UndoNotices:  staged.NewSlot(staged.SlotConfig{DefaultDuration: time.Minute}),
		ErrorNotices: staged.NewSlot(staged.SlotConfig{DefaultDuration: time.Minute}),
		Dispatcher:   dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &stack{
		db:      db,
		engine:  engine,
		docs:    docsService,
		notes:   notesService,
		gateway: gateway,
		handler: handler,
	}
}

func obtainToken(t *testing.T, serverURL string) string {
	t.Helper()
	resp, err := http.Post(serverURL+"/auth/handshake", jsonContentType, http.NoBody)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode handshake: %v", err)
	}
	return payload.AccessToken
}

func authorizedRequest(t *testing.T, token, method, url string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestSessionRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	firstPath := filepath.Join(dir, "first.md")
	secondPath := filepath.Join(dir, "second.md")
	if err := os.WriteFile(firstPath, []byte("first document body"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	if err := os.WriteFile(secondPath, []byte("second document body"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	dsn := fmt.Sprintf("file:lectern_integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	first := buildStack(t, dsn)
	testServer := httptest.NewServer(first.handler)
	defer testServer.Close()
	token := obtainToken(t, testServer.URL)

	// Open two file tabs and edit the first.
	var firstTab session.Tab
	resp := authorizedRequest(t, token, http.MethodPost, testServer.URL+"/tabs/open-file", map[string]string{"path": firstPath})
	if err := json.NewDecoder(resp.Body).Decode(&firstTab); err != nil {
		t.Fatalf("failed to decode tab: %v", err)
	}
	resp.Body.Close()
	resp = authorizedRequest(t, token, http.MethodPost, testServer.URL+"/tabs/open-file", map[string]string{"path": secondPath})
	resp.Body.Close()

	resp = authorizedRequest(t, token, http.MethodPost, testServer.URL+"/tabs/"+firstTab.ID+"/activate", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected activate status %d", resp.StatusCode)
	}
	resp = authorizedRequest(t, token, http.MethodPost, testServer.URL+"/tabs/"+firstTab.ID+"/content",
		map[string]string{"content": "first document body, edited"})
	resp.Body.Close()

	resp = authorizedRequest(t, token, http.MethodPost, testServer.URL+"/session/save", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected save status %d", resp.StatusCode)
	}

	onDisk, err := os.ReadFile(firstPath)
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}
	if string(onDisk) != "first document body, edited" {
		t.Fatalf("unexpected file content %q", onDisk)
	}
	if !first.engine.IsSelfSave(firstPath) {
		t.Fatalf("expected the save to register for suppression")
	}

	// A fresh engine over the same database restores the layout.
	second := buildStack(t, dsn)
	if err := second.engine.Restore(context.Background()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	tabs := second.engine.Tabs()
	if len(tabs) != 2 {
		t.Fatalf("expected two restored tabs, got %d", len(tabs))
	}
	active, ok := second.engine.ActiveTab()
	if !ok || active.ID != firstTab.ID {
		t.Fatalf("expected the active tab to survive restart, got %+v", active)
	}
	for i, tab := range tabs {
		if tab.Order != int64(i) {
			t.Fatalf("expected dense orders after restore")
		}
	}
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotated.md")
	if err := os.WriteFile(path, []byte("a paragraph worth highlighting"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	dsn := fmt.Sprintf("file:lectern_annotate_%d?mode=memory&cache=shared", time.Now().UnixNano())
	app := buildStack(t, dsn)
	testServer := httptest.NewServer(app.handler)
	defer testServer.Close()
	token := obtainToken(t, testServer.URL)

	var tab session.Tab
	resp := authorizedRequest(t, token, http.MethodPost, testServer.URL+"/tabs/open-file", map[string]string{"path": path})
	if err := json.NewDecoder(resp.Body).Decode(&tab); err != nil {
		t.Fatalf("failed to decode tab: %v", err)
	}
	resp.Body.Close()

	var highlight annotations.Highlight
	resp = authorizedRequest(t, token, http.MethodPost, testServer.URL+"/highlights", map[string]any{
		"document_id":  *tab.DocumentID,
		"color":        "green",
		"text_content": "worth highlighting",
		"from_pos":     12,
		"to_pos":       30,
	})
	if err := json.NewDecoder(resp.Body).Decode(&highlight); err != nil {
		t.Fatalf("failed to decode highlight: %v", err)
	}
	resp.Body.Close()

	var note annotations.MarginNote
	resp = authorizedRequest(t, token, http.MethodPost, testServer.URL+"/highlights/"+highlight.ID+"/notes",
		map[string]string{"content": "revisit this"})
	if err := json.NewDecoder(resp.Body).Decode(&note); err != nil {
		t.Fatalf("failed to decode note: %v", err)
	}
	resp.Body.Close()

	// Re-activating the tab pulls annotations into the cache.
	resp = authorizedRequest(t, token, http.MethodPost, testServer.URL+"/tabs/"+tab.ID+"/activate", nil)
	resp.Body.Close()
	cache, ok := app.engine.Cache(tab.ID)
	if !ok || !cache.AnnotationsLoaded {
		t.Fatalf("expected annotations in the tab cache")
	}
	if len(cache.Highlights) != 1 || cache.Highlights[0].ID != highlight.ID {
		t.Fatalf("unexpected cached highlights %+v", cache.Highlights)
	}
	if len(cache.MarginNotes) != 1 || cache.MarginNotes[0].Content != "revisit this" {
		t.Fatalf("unexpected cached notes %+v", cache.MarginNotes)
	}
}
