// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"log"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the set of chat providers and resolves model ids to
// the provider that owns them.
//
// The registry is assembled once at startup and is read-only afterwards,
// so lookups need no locking. Resolution walks providers in registration
// order; register namespaced providers before the catch-all one.
type Registry struct {
	providers []Provider
	byName    map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
	}
}

// Register appends a provider. Order is significant: earlier providers
// win when Owns predicates would overlap.
func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
	r.byName[p.Name()] = p
	log.Printf("PROVIDER_REGISTERED | name=%s position=%d", p.Name(), len(r.providers))
}

// Get returns the provider with the given name, or nil.
func (r *Registry) Get(name string) Provider {
	return r.byName[name]
}

// Providers returns all registered providers in registration order.
func (r *Registry) Providers() []Provider {
	return r.providers
}

// Resolve returns the first registered provider whose Owns predicate
// claims the model id. Failure echoes the id back to the caller.
func (r *Registry) Resolve(modelID string) (Provider, error) {
	for _, p := range r.providers {
		if p.Owns(modelID) {
			return p, nil
		}
	}
	return nil, ErrProviderNotFound(modelID)
}

// =============================================================================
// AGGREGATED LISTING
// =============================================================================

// Listing is the partial-success result of listing models across all
// providers: healthy providers contribute model arrays, failed ones
// contribute error strings, and neither blocks the other.
type Listing struct {
	Models map[string][]Model `json:"data"`
	Errors map[string]string  `json:"errors,omitempty"`
}

// ListAll queries every provider for its models. A provider failure is
// recorded under its name instead of aborting the aggregation.
func (r *Registry) ListAll(ctx context.Context) Listing {
	listing := Listing{
		Models: make(map[string][]Model, len(r.providers)),
	}

	for _, p := range r.providers {
		models, err := p.ListModels(ctx)
		if err != nil {
			log.Printf("LIST_MODELS_FAILED | provider=%s error=%v", p.Name(), err)
			if listing.Errors == nil {
				listing.Errors = make(map[string]string)
			}
			listing.Errors[p.Name()] = err.Error()
			continue
		}
		listing.Models[p.Name()] = models
	}

	return listing
}
