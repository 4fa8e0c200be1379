// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/parley/internal/chat"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/openrouter"
	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/storage"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

// fakeProvider is a scriptable provider with local model management.
type fakeProvider struct {
	name      string
	prefix    string
	events    []provider.Event
	streamErr error
	chatErr   error

	status      provider.ModelStatus
	statusErr   error
	deleteErr   error
	downloaded  atomic.Int32
	lastDeleted string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Owns(modelID string) bool {
	return strings.HasPrefix(modelID, p.prefix)
}

func (p *fakeProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return []provider.Model{
		{ID: p.prefix + "alpha", Name: "Alpha", Provider: p.name, Free: true, Downloaded: true},
	}, nil
}

func (p *fakeProvider) StreamChat(ctx context.Context, modelID string, history []provider.Message) (*provider.Stream, error) {
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	st := provider.NewStream(8)
	go func() {
		for _, ev := range p.events {
			if !st.Send(ctx, ev) {
				st.Close(ctx.Err())
				return
			}
		}
		st.Close(p.streamErr)
	}()
	return st, nil
}

func (p *fakeProvider) ModelStatus(ctx context.Context, modelID string) (provider.ModelStatus, error) {
	if p.statusErr != nil {
		return provider.ModelStatus{}, p.statusErr
	}
	status := p.status
	status.ModelID = modelID
	return status, nil
}

func (p *fakeProvider) Download(ctx context.Context, modelID string) error {
	p.downloaded.Add(1)
	return nil
}

func (p *fakeProvider) DeleteModel(ctx context.Context, modelID string) error {
	p.lastDeleted = modelID
	return p.deleteErr
}

// bareProvider has no model management.
type bareProvider struct{}

func (bareProvider) Name() string { return "bare" }

func (bareProvider) Owns(id string) bool { return strings.HasPrefix(id, "bare:") }
func (bareProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return nil, nil
}
func (bareProvider) StreamChat(ctx context.Context, modelID string, history []provider.Message) (*provider.Stream, error) {
	return nil, provider.ErrModelNotFound(modelID, "")
}

// newTestServer builds a server with a fake provider and a real store.
func newTestServer(t *testing.T) (*Server, *fakeProvider, *storage.Store) {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	fake := &fakeProvider{
		name:   "fake",
		prefix: "fake:",
		events: []provider.Event{
			provider.ContentEvent("Hel"),
			provider.ContentEvent("lo"),
		},
		status: provider.ModelStatus{State: provider.StatePresent, Downloaded: true},
	}

	registry := provider.NewRegistry()
	registry.Register(fake)
	registry.Register(bareProvider{})

	cfg := config.Default()
	cfg.Local.CacheDir = t.TempDir()

	cloud := openrouter.NewClient("")
	coordinator := chat.NewCoordinator(store, registry)
	return New(cfg, registry, coordinator, store, cloud), fake, store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// decodeLines parses an NDJSON body into generic maps.
func decodeLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

// =============================================================================
// CHAT STREAMING
// =============================================================================

func TestChatStreamNDJSON(t *testing.T) {
	srv, _, store := newTestServer(t)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/chat/stream", map[string]any{
		"model":    "fake:alpha",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := decodeLines(t, rec.Body.String())
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	if lines[0]["type"] != "meta" {
		t.Errorf("first line type = %v, want meta", lines[0]["type"])
	}
	conversationID := int64(lines[0]["conversation_id"].(float64))
	if conversationID == 0 {
		t.Fatal("meta line missing conversation_id")
	}
	if lines[1]["delta"] != "Hel" || lines[2]["delta"] != "lo" {
		t.Errorf("content deltas = %v %v", lines[1]["delta"], lines[2]["delta"])
	}

	// Both turns persisted.
	messages, err := store.Messages(context.Background(), conversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d stored messages, want 2", len(messages))
	}
	if messages[1].Role != "assistant" || messages[1].Content != "Hello" {
		t.Errorf("assistant turn = %+v", messages[1])
	}
}

func TestChatStreamValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing model", map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		}},
		{"empty messages", map[string]any{
			"model": "fake:alpha", "messages": []map[string]string{},
		}},
		{"invalid role", map[string]any{
			"model":    "fake:alpha",
			"messages": []map[string]string{{"role": "wizard", "content": "hi"}},
		}},
		{"empty content", map[string]any{
			"model":    "fake:alpha",
			"messages": []map[string]string{{"role": "user", "content": ""}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/chat/stream", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestChatStreamUnknownProvider(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/chat/stream", map[string]any{
		"model":    "nosuch-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nosuch-model") {
		t.Errorf("error does not echo the model id: %s", rec.Body.String())
	}
}

func TestChatStreamNotDownloaded(t *testing.T) {
	srv, fake, _ := newTestServer(t)
	fake.chatErr = provider.ErrNotDownloaded("fake:alpha",
		"Download it first via POST /models/fake:alpha/download")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/chat/stream", map[string]any{
		"model":    "fake:alpha",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/download") {
		t.Errorf("error lacks download hint: %s", rec.Body.String())
	}
}

func TestChatStreamUnknownConversation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/chat/stream", map[string]any{
		"model":           "fake:alpha",
		"messages":        []map[string]string{{"role": "user", "content": "hi"}},
		"conversation_id": 9999,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChatStreamMidStreamErrorInBand(t *testing.T) {
	srv, fake, _ := newTestServer(t)
	fake.streamErr = provider.ErrUpstream(http.StatusBadGateway, "backend fell over")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/chat/stream", map[string]any{
		"model":    "fake:alpha",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})

	// Headers were already sent; the failure travels as a final line.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	lines := decodeLines(t, rec.Body.String())
	last := lines[len(lines)-1]
	if last["type"] != "error" {
		t.Fatalf("last line = %v, want error line", last)
	}
	if !strings.Contains(last["error"].(string), "backend fell over") {
		t.Errorf("error line = %v", last)
	}
}

func TestChatStreamRejectsPaidModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"id":"free/model","name":"Free","pricing":{"prompt":"0","completion":"0"}},
			{"id":"paid/model","name":"Paid","pricing":{"prompt":"0.01","completion":"0.02"}}
		]}`)
	}))
	defer upstream.Close()

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cloud := openrouter.NewClient("sk-or-test").WithBaseURL(upstream.URL)
	registry := provider.NewRegistry()
	registry.Register(openrouter.NewProvider(cloud))

	cfg := config.Default()
	srv := New(cfg, registry, chat.NewCoordinator(store, registry), store, cloud)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/chat/stream", map[string]any{
		"model":    "paid/model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// MODEL LISTING AND MANAGEMENT
// =============================================================================

func TestListModels(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var listing provider.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatal(err)
	}
	models := listing.Models["fake"]
	if len(models) != 1 || models[0].ID != "fake:alpha" {
		t.Errorf("fake models = %+v", models)
	}
}

func TestModelStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/models/fake:alpha/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var status provider.ModelStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.ModelID != "fake:alpha" || status.State != provider.StatePresent {
		t.Errorf("status = %+v", status)
	}
}

func TestModelStatusUnknownModel(t *testing.T) {
	srv, fake, _ := newTestServer(t)
	fake.statusErr = provider.ErrModelNotFound("fake:ghost", "")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/models/fake:ghost/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestModelDownloadAccepted(t *testing.T) {
	srv, fake, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/models/fake:alpha/download", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var status provider.ModelStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != provider.StateDownloading {
		t.Errorf("state = %s, want downloading", status.State)
	}

	// The fetch runs detached from the request.
	deadline := time.After(2 * time.Second)
	for fake.downloaded.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("download never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestModelDelete(t *testing.T) {
	srv, fake, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/models/fake:alpha", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if fake.lastDeleted != "fake:alpha" {
		t.Errorf("deleted id = %q", fake.lastDeleted)
	}
}

func TestModelDeleteMissing(t *testing.T) {
	srv, fake, _ := newTestServer(t)
	fake.deleteErr = provider.ErrModelNotFound("fake:alpha", "")

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/models/fake:alpha", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestModelManagementRequiresManager(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/models/bare:thing/status", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not locally managed") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// =============================================================================
// CONVERSATION HISTORY
// =============================================================================

func TestChatsListGetDelete(t *testing.T) {
	srv, _, store := newTestServer(t)
	handler := srv.Handler()
	ctx := context.Background()

	id, err := store.CreateConversation(ctx, "Greetings")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddMessage(ctx, id, "user", "hello"); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/chats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Greetings") {
		t.Errorf("list body = %s", rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/chats/%d", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var detail chatDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Conversation.Title != "Greetings" || len(detail.Messages) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	rec = doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/chats/%d", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/chats/%d", id), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestChatsInvalidID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/chats/banana", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// HEALTH, DISK SPACE, SETTINGS
// =============================================================================

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("health = %v", body)
	}
}

func TestDiskSpace(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/disk-space", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var ds diskSpaceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ds); err != nil {
		t.Fatal(err)
	}
	if ds.TotalBytes == 0 {
		t.Error("total_bytes = 0")
	}
}

func TestSettingsKeyRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/settings/key", nil)
	var status keyStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Configured {
		t.Fatal("key reported configured before being set")
	}

	rec = doJSON(t, handler, http.MethodPost, "/settings/key", map[string]string{
		"key": "sk-or-v1-abcdef123456",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/settings/key", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.Configured {
		t.Error("key not reported configured")
	}
	if strings.Contains(status.Masked, "abcdef123456") {
		t.Errorf("masked key leaks the secret: %q", status.Masked)
	}
	if !strings.HasPrefix(status.Masked, "sk-or-v1") {
		t.Errorf("masked key = %q", status.Masked)
	}
}

func TestSettingsKeyMissing(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/settings/key", map[string]string{"key": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
