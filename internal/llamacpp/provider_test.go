// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jeranaias/parley/internal/provider"
)

// fakeEngine counts loads and hands out scripted sessions.
type fakeEngine struct {
	loads  atomic.Int32
	chunks []Chunk
}

func (e *fakeEngine) Load(modelPath string) (Session, error) {
	e.loads.Add(1)
	return &fakeSession{chunks: e.chunks}, nil
}

type fakeSession struct {
	chunks []Chunk
	closed atomic.Bool
}

func (s *fakeSession) Complete(history []provider.Message) (ChunkIterator, error) {
	return newScriptIterator(s.chunks, nil), nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// testProvider wires a provider around a one-entry catalog, a manager
// rooted in a temp dir, and the given engine.
func testProvider(t *testing.T, engine Engine) (*Provider, *Manager) {
	t.Helper()
	path := writeCatalog(t, `
[[model]]
repo = "`+testRepo+`"
filename = "`+testFile+`"
`)
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })

	downloads := NewManager(t.TempDir())
	return NewProvider(catalog, downloads, engine), downloads
}

// placeArtifact fakes a completed download on disk.
func placeArtifact(t *testing.T, m *Manager) {
	t.Helper()
	target := m.ArtifactPath(testRepo, testFile)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("gguf-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
}

func collectStream(t *testing.T, s *provider.Stream) ([]provider.Event, error) {
	t.Helper()
	var events []provider.Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events, s.Err()
}

func TestStreamChatEmitsContentEvents(t *testing.T) {
	engine := &fakeEngine{chunks: []Chunk{
		{Content: "Hello"},
		{Content: ", world"},
		{FinishReason: "stop"},
	}}
	p, downloads := testProvider(t, engine)
	placeArtifact(t, downloads)

	stream, err := p.StreamChat(context.Background(), "local:"+testRepo, []provider.Message{
		provider.NewUserMessage("hi"),
	})
	if err != nil {
		t.Fatal(err)
	}

	events, streamErr := collectStream(t, stream)
	if streamErr != nil {
		t.Fatalf("stream ended with error: %v", streamErr)
	}

	var got string
	for _, ev := range events {
		if ev.Type != provider.EventContent {
			t.Errorf("unexpected event type %q", ev.Type)
			continue
		}
		got += ev.Delta
	}
	if got != "Hello, world" {
		t.Errorf("accumulated content = %q", got)
	}
}

func TestStreamChatRequiresDownload(t *testing.T) {
	p, _ := testProvider(t, &fakeEngine{})

	_, err := p.StreamChat(context.Background(), "local:"+testRepo, nil)
	if !provider.IsNotDownloaded(err) {
		t.Fatalf("expected not-downloaded error, got %v", err)
	}
	if !strings.Contains(err.Error(), "/download") {
		t.Errorf("error should hint at the download endpoint: %v", err)
	}
}

func TestStreamChatUnknownModel(t *testing.T) {
	p, _ := testProvider(t, &fakeEngine{})

	_, err := p.StreamChat(context.Background(), "local:Unknown/Repo-GGUF", nil)
	if !provider.IsModelNotFound(err) {
		t.Fatalf("expected model-not-found error, got %v", err)
	}
	if !strings.Contains(err.Error(), "local:"+testRepo) {
		t.Errorf("error should enumerate known models: %v", err)
	}
}

func TestSessionCacheReusedAcrossChats(t *testing.T) {
	engine := &fakeEngine{chunks: []Chunk{{Content: "ok", FinishReason: "stop"}}}
	p, downloads := testProvider(t, engine)
	placeArtifact(t, downloads)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stream, err := p.StreamChat(ctx, "local:"+testRepo, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := collectStream(t, stream); err != nil {
			t.Fatal(err)
		}
	}

	if got := engine.loads.Load(); got != 1 {
		t.Errorf("engine loaded %d times across 3 chats, want 1 (cached session)", got)
	}
}

func TestDeleteModelEvictsSession(t *testing.T) {
	engine := &fakeEngine{chunks: []Chunk{{Content: "ok", FinishReason: "stop"}}}
	p, downloads := testProvider(t, engine)
	placeArtifact(t, downloads)
	ctx := context.Background()

	stream, err := p.StreamChat(ctx, "local:"+testRepo, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := collectStream(t, stream); err != nil {
		t.Fatal(err)
	}

	if err := p.DeleteModel(ctx, "local:"+testRepo); err != nil {
		t.Fatal(err)
	}

	// The artifact is gone, so the next chat is refused rather than
	// served from the evicted session.
	if _, err := p.StreamChat(ctx, "local:"+testRepo, nil); !provider.IsNotDownloaded(err) {
		t.Errorf("chat after delete = %v, want not-downloaded", err)
	}

	// Re-placing the artifact forces a fresh load.
	placeArtifact(t, downloads)
	stream, err = p.StreamChat(ctx, "local:"+testRepo, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := collectStream(t, stream); err != nil {
		t.Fatal(err)
	}
	if got := engine.loads.Load(); got != 2 {
		t.Errorf("engine loaded %d times, want 2 (eviction forces reload)", got)
	}
}

func TestListModelsReportsAvailability(t *testing.T) {
	p, downloads := testProvider(t, &fakeEngine{})
	ctx := context.Background()

	models, err := p.ListModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 {
		t.Fatalf("got %d models, want 1", len(models))
	}
	m := models[0]
	if m.ID != "local:"+testRepo {
		t.Errorf("id = %q", m.ID)
	}
	if m.Provider != ProviderName {
		t.Errorf("provider = %q", m.Provider)
	}
	if !m.Free {
		t.Error("local models are always free")
	}
	if m.Downloaded {
		t.Error("model should not report downloaded before the artifact exists")
	}

	placeArtifact(t, downloads)
	models, err = p.ListModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !models[0].Downloaded {
		t.Error("model should report downloaded once the artifact exists")
	}
}

func TestModelStatusCarriesID(t *testing.T) {
	p, downloads := testProvider(t, &fakeEngine{})
	placeArtifact(t, downloads)

	status, err := p.ModelStatus(context.Background(), "local:"+testRepo)
	if err != nil {
		t.Fatal(err)
	}
	if status.ModelID != "local:"+testRepo {
		t.Errorf("model_id = %q", status.ModelID)
	}
	if status.State != provider.StatePresent {
		t.Errorf("state = %q, want present", status.State)
	}
}

func TestOwnsClaimsOnlyNamespace(t *testing.T) {
	p, _ := testProvider(t, &fakeEngine{})

	if !p.Owns("local:anything") {
		t.Error("should own the local: namespace")
	}
	if p.Owns("ollama:llama3") || p.Owns("meta-llama/llama-3-8b-instruct:free") {
		t.Error("should not own ids outside the local: namespace")
	}
}
