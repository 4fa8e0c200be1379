// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"context"
	"strings"

	"github.com/jeranaias/parley/internal/provider"
)

// ProviderName is the registry name of the OpenRouter provider.
const ProviderName = "openrouter"

// reservedPrefixes are the namespaces claimed by local providers.
// OpenRouter is the default backend for everything else, so it must be
// registered last.
var reservedPrefixes = []string{"local:", "ollama:"}

// Provider adapts the OpenRouter client to the provider contract.
type Provider struct {
	client *Client
}

// NewProvider wraps a client as a registrable provider.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Owns claims every model id that carries no local namespace prefix.
func (p *Provider) Owns(modelID string) bool {
	if modelID == "" {
		return false
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(modelID, prefix) {
			return false
		}
	}
	return true
}

// ListModels implements provider.Provider.
func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return p.client.ListModels(ctx)
}

// StreamChat implements provider.Provider.
func (p *Provider) StreamChat(ctx context.Context, modelID string, history []provider.Message) (*provider.Stream, error) {
	return p.client.StreamChat(ctx, modelID, history)
}

// Client exposes the underlying client for key management and the
// free-model policy check.
func (p *Provider) Client() *Client { return p.client }
