// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openrouter provides the OpenRouter chat provider.
//
// OpenRouter fronts many hosted LLMs behind a single OpenAI-style API.
// This package implements the HTTP client, the SSE stream normalizer
// that converts OpenRouter's wire frames into canonical events, and the
// provider.Provider adapter registered as the default (no-prefix)
// backend.
//
// Listing is restricted to free models: a model counts as free when its
// pricing map carries no numeric values or all of them are zero.
package openrouter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/parley/internal/provider"
)

// Configuration constants for the OpenRouter API.
const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize caps non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

var (
	// Shared HTTP client with connection pooling for API requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no timeout; streams are bounded by the
	// request context instead.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// CLIENT
// =============================================================================

// Client communicates with the OpenRouter API.
// Safe for concurrent use; the API key may be swapped at runtime.
type Client struct {
	mu       sync.RWMutex
	apiKey   string
	baseURL  string
	siteURL  string
	siteName string
}

// NewClient creates an OpenRouter client. An empty API key is allowed;
// chat requests will then fail against the upstream with HTTP 401.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:   strings.TrimSpace(apiKey),
		baseURL:  DefaultBaseURL,
		siteURL:  "https://parley.local",
		siteName: "parley",
	}
}

// WithBaseURL sets a custom base URL (used by tests).
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// SetAPIKey replaces the API key at runtime.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = strings.TrimSpace(key)
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

// MaskedKey returns a display-safe fragment of the API key, or the
// empty string when no key is set.
func (c *Client) MaskedKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiKey == "" {
		return ""
	}
	if len(c.apiKey) <= 8 {
		return c.apiKey + "..."
	}
	return c.apiKey[:8] + "..."
}

// setHeaders sets the required headers for OpenRouter API requests.
func (c *Client) setHeaders(req *http.Request) {
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()

	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "parley/0.1.0")
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// readResponse reads a response body with a size limit. Reading one
// byte past the limit distinguishes an oversized body from one that is
// exactly MaxResponseSize bytes.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// modelsResponse is the wire shape of GET /models.
type modelsResponse struct {
	Data []struct {
		ID            string            `json:"id"`
		Name          string            `json:"name"`
		ContextLength int               `json:"context_length"`
		Pricing       map[string]string `json:"pricing"`
	} `json:"data"`
}

// isFreePricing reports whether a pricing map describes a free model:
// no numeric values, or every numeric value equal to zero. Values that
// fail to parse are ignored.
func isFreePricing(pricing map[string]string) bool {
	for _, v := range pricing {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		if f != 0 {
			return false
		}
	}
	return true
}

// ListModels returns the free models available through OpenRouter.
func (c *Client) ListModels(ctx context.Context) ([]provider.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.ErrUpstream(resp.StatusCode, string(body))
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]provider.Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if !isFreePricing(m.Pricing) {
			continue
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, provider.Model{
			ID:       m.ID,
			Name:     name,
			Provider: ProviderName,
			Free:     true,
		})
	}
	return models, nil
}

// FreeModelIDs returns the set of currently-free model ids, used to
// enforce the free-models-only chat policy.
func (c *Client) FreeModelIDs(ctx context.Context) (map[string]bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(models))
	for _, m := range models {
		ids[m.ID] = true
	}
	return ids, nil
}
