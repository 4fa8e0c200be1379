// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/jeranaias/parley/internal/provider"
)

// IDPrefix is the namespace for Ollama-served models. The provider
// claims exactly the ids carrying this prefix.
const IDPrefix = "ollama:"

// ProviderName is the registry name of the Ollama provider.
const ProviderName = "ollama"

// streamBuffer is the canonical stream channel capacity.
const streamBuffer = 32

// =============================================================================
// PROVIDER
// =============================================================================

// Provider adapts a Client to the canonical provider contract. Ollama
// owns its model store, so model management delegates to the daemon's
// pull and delete endpoints.
type Provider struct {
	client *Client
}

// NewProvider wraps an Ollama client.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Owns implements provider.Provider: exactly the "ollama:" namespace.
func (p *Provider) Owns(modelID string) bool {
	return strings.HasPrefix(modelID, IDPrefix)
}

// modelName strips the namespace prefix for daemon calls.
func modelName(modelID string) string {
	return strings.TrimPrefix(modelID, IDPrefix)
}

// ListModels implements provider.Provider. Models in the Ollama store
// are by definition downloaded and free.
func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	infos, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.mapError("", err)
	}

	models := make([]provider.Model, 0, len(infos))
	for _, info := range infos {
		models = append(models, provider.Model{
			ID:         IDPrefix + info.Name,
			Name:       info.Name,
			Provider:   ProviderName,
			Free:       true,
			Downloaded: true,
			SizeGB:     float64(info.Size) / (1 << 30),
		})
	}
	return models, nil
}

// mapError translates client errors into the canonical taxonomy.
func (p *Provider) mapError(modelID string, err error) error {
	switch {
	case IsModelNotFound(err):
		hint := ""
		if modelID != "" {
			hint = "Pull it first via POST /models/" + modelID + "/download"
		}
		return provider.ErrModelNotFound(modelID, hint)
	case IsNotRunning(err):
		return provider.ErrUpstream(http.StatusServiceUnavailable, "Ollama is not running at "+p.client.BaseURL())
	default:
		return err
	}
}

// =============================================================================
// CHAT
// =============================================================================

// StreamChat implements provider.Provider. The NDJSON handshake runs
// synchronously so unknown models and a down daemon surface as the
// error return; chunk content becomes canonical content events.
func (p *Provider) StreamChat(ctx context.Context, modelID string, history []provider.Message) (*provider.Stream, error) {
	messages := make([]Message, 0, len(history))
	for _, msg := range history {
		messages = append(messages, Message{Role: msg.Role, Content: msg.Content})
	}

	reader, err := p.client.ChatStream(ctx, modelName(modelID), messages)
	if err != nil {
		return nil, p.mapError(modelID, err)
	}

	stream := provider.NewStream(streamBuffer)

	go func() {
		defer reader.Close()

		for {
			chunk, err := reader.Next()
			if err != nil {
				if err == io.EOF {
					stream.Close(nil)
				} else {
					stream.Close(err)
				}
				return
			}

			if chunk.Content != "" {
				if !stream.Send(ctx, provider.ContentEvent(chunk.Content)) {
					stream.Close(ctx.Err())
					return
				}
			}

			if chunk.Done {
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

// ModelStatus implements provider.ModelManager by checking the daemon's
// store for the model.
func (p *Provider) ModelStatus(ctx context.Context, modelID string) (provider.ModelStatus, error) {
	infos, err := p.client.ListModels(ctx)
	if err != nil {
		return provider.ModelStatus{}, p.mapError(modelID, err)
	}

	name := modelName(modelID)
	for _, info := range infos {
		if info.Name == name {
			return provider.ModelStatus{
				ModelID:    modelID,
				State:      provider.StatePresent,
				Downloaded: true,
			}, nil
		}
	}
	return provider.ModelStatus{ModelID: modelID, State: provider.StateAbsent}, nil
}

// Download implements provider.ModelManager via /api/pull. The daemon
// handles idempotency and concurrent pulls itself.
func (p *Provider) Download(ctx context.Context, modelID string) error {
	name := modelName(modelID)
	log.Printf("OLLAMA_PULL_START | model=%s", name)

	var lastStatus string
	err := p.client.Pull(ctx, name, func(progress PullProgress) {
		if progress.Status != lastStatus {
			lastStatus = progress.Status
			log.Printf("OLLAMA_PULL | model=%s status=%s", name, progress.Status)
		}
	})
	if err != nil {
		if IsModelNotFound(err) {
			return provider.ErrModelNotFound(modelID, "The Ollama registry has no such model.")
		}
		return provider.ErrDownload(modelID, err)
	}

	log.Printf("OLLAMA_PULL_COMPLETE | model=%s", name)
	return nil
}

// DeleteModel implements provider.ModelManager via /api/delete.
func (p *Provider) DeleteModel(ctx context.Context, modelID string) error {
	if err := p.client.Delete(ctx, modelName(modelID)); err != nil {
		if IsModelNotFound(err) {
			return provider.ErrModelNotFound(modelID, "The model is not in the local Ollama store.")
		}
		return provider.ErrDelete(modelID, err)
	}
	return nil
}
