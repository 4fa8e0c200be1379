// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/jeranaias/parley/internal/provider"
)

// IDPrefix is the namespace for locally-served models. The provider
// claims exactly the ids carrying this prefix.
const IDPrefix = "local:"

// ProviderName is the registry name of the local provider.
const ProviderName = "local"

// =============================================================================
// PROVIDER
// =============================================================================

// Provider serves chat completions from local GGUF artifacts.
//
// Loaded sessions are cached per artifact path and shared across
// requests; the cache is mutex-guarded and entries are evicted (and
// closed) when the artifact is deleted.
type Provider struct {
	catalog   *Catalog
	downloads *Manager
	engine    Engine

	mu       sync.Mutex
	sessions map[string]Session // keyed by artifact path
}

// NewProvider assembles the local provider from its parts.
func NewProvider(catalog *Catalog, downloads *Manager, engine Engine) *Provider {
	return &Provider{
		catalog:   catalog,
		downloads: downloads,
		engine:    engine,
		sessions:  make(map[string]Session),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Owns implements provider.Provider: exactly the "local:" namespace.
func (p *Provider) Owns(modelID string) bool {
	return strings.HasPrefix(modelID, IDPrefix)
}

// ListModels returns the catalog with per-entry availability. Presence
// is re-checked on disk for every listing, since availability is the
// one field expected to change between calls.
func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	entries := p.catalog.Entries()
	models := make([]provider.Model, 0, len(entries))
	for _, e := range entries {
		models = append(models, provider.Model{
			ID:         e.ID(),
			Name:       e.DisplayName(),
			Provider:   ProviderName,
			Repo:       e.Repo,
			Filename:   e.Filename,
			Free:       true,
			Downloaded: p.downloads.Check(e.Repo, e.Filename),
			SizeGB:     e.SizeGB,
		})
	}
	return models, nil
}

// lookup resolves a model id against the catalog, building the
// not-found error that enumerates known ids.
func (p *Provider) lookup(modelID string) (CatalogEntry, error) {
	entry, ok := p.catalog.Lookup(modelID)
	if !ok {
		detail := "No local models are configured."
		if ids := p.catalog.IDs(); len(ids) > 0 {
			detail = "Available local models: " + strings.Join(ids, ", ")
		}
		return CatalogEntry{}, provider.ErrModelNotFound(modelID, detail)
	}
	return entry, nil
}

// session returns the cached session for an artifact, loading it on
// first use.
func (p *Provider) session(entry CatalogEntry) (Session, error) {
	path := p.downloads.ArtifactPath(entry.Repo, entry.Filename)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[path]; ok {
		return s, nil
	}

	log.Printf("MODEL_LOAD | repo=%s file=%s", entry.Repo, entry.Filename)
	s, err := p.engine.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	p.sessions[path] = s
	return s, nil
}

// evictSession drops and closes the cached session for an artifact.
func (p *Provider) evictSession(entry CatalogEntry) {
	path := p.downloads.ArtifactPath(entry.Repo, entry.Filename)

	p.mu.Lock()
	s, ok := p.sessions[path]
	delete(p.sessions, path)
	p.mu.Unlock()

	if ok {
		s.Close()
	}
}

// =============================================================================
// CHAT
// =============================================================================

// StreamChat implements provider.Provider. The blocking engine iterator
// runs behind a Bridge; its chunks become content events, and the
// finish marker ends the stream cleanly.
func (p *Provider) StreamChat(ctx context.Context, modelID string, history []provider.Message) (*provider.Stream, error) {
	entry, err := p.lookup(modelID)
	if err != nil {
		return nil, err
	}

	if !p.downloads.Check(entry.Repo, entry.Filename) {
		hint := fmt.Sprintf("Download it first via POST /models/%s/download", modelID)
		return nil, provider.ErrNotDownloaded(modelID, hint)
	}

	session, err := p.session(entry)
	if err != nil {
		return nil, err
	}

	iterator, err := session.Complete(history)
	if err != nil {
		return nil, fmt.Errorf("failed to start generation: %w", err)
	}

	bridge := NewBridge(iterator, DefaultBridgeBuffer)
	stream := provider.NewStream(DefaultBridgeBuffer)

	go func() {
		for {
			chunk, err := bridge.Next(ctx)
			if err != nil {
				if err == io.EOF {
					stream.Close(nil)
				} else {
					bridge.Discard()
					stream.Close(err)
				}
				return
			}

			if chunk.Content != "" {
				if !stream.Send(ctx, provider.ContentEvent(chunk.Content)) {
					bridge.Discard()
					stream.Close(ctx.Err())
					return
				}
			}

			if chunk.FinishReason != "" {
				bridge.Discard()
				stream.Close(nil)
				return
			}
		}
	}()

	return stream, nil
}

// =============================================================================
// MODEL MANAGEMENT
// =============================================================================

// ModelStatus implements provider.ModelManager.
func (p *Provider) ModelStatus(ctx context.Context, modelID string) (provider.ModelStatus, error) {
	entry, err := p.lookup(modelID)
	if err != nil {
		return provider.ModelStatus{}, err
	}
	status := p.downloads.Status(entry.Repo, entry.Filename)
	status.ModelID = entry.ID()
	return status, nil
}

// Download implements provider.ModelManager.
func (p *Provider) Download(ctx context.Context, modelID string) error {
	entry, err := p.lookup(modelID)
	if err != nil {
		return err
	}
	if err := p.downloads.Download(ctx, entry.Repo, entry.Filename); err != nil {
		return provider.ErrDownload(modelID, err)
	}
	return nil
}

// DeleteModel implements provider.ModelManager. Deletion also evicts
// the loaded session so the weights are actually released.
func (p *Provider) DeleteModel(ctx context.Context, modelID string) error {
	entry, err := p.lookup(modelID)
	if err != nil {
		return err
	}
	p.evictSession(entry)
	return p.downloads.Delete(entry.Repo, entry.Filename)
}
