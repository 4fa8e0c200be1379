// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/parley/internal/chat"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/openrouter"
	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// Version is the daemon version reported by /health.
	Version = "0.1.0"

	// MaxRequestBodySize caps request bodies at 1MB.
	MaxRequestBodySize = 1 << 20

	// defaultRPS and defaultBurst configure the per-IP rate limiter.
	defaultRPS   = 10
	defaultBurst = 20
)

// validRoles whitelists the accepted chat message roles.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// =============================================================================
// SERVER
// =============================================================================

// Server is the parley HTTP daemon: the NDJSON chat endpoint plus
// model management, conversation history, and settings.
type Server struct {
	cfg         *config.Config
	registry    *provider.Registry
	coordinator *chat.Coordinator
	store       *storage.Store
	cloud       *openrouter.Client
	limiter     *RateLimiter
	httpServer  *http.Server
}

// New wires a server. The cloud client is held directly for API key
// management and the free-model chat policy.
func New(cfg *config.Config, registry *provider.Registry, coordinator *chat.Coordinator, store *storage.Store, cloud *openrouter.Client) *Server {
	return &Server{
		cfg:         cfg,
		registry:    registry,
		coordinator: coordinator,
		store:       store,
		cloud:       cloud,
		limiter:     NewRateLimiter(defaultRPS, defaultBurst),
	}
}

// Handler builds the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat/stream", s.handleChatStream)

	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("GET /models/{id...}", s.handleModelStatus)
	mux.HandleFunc("POST /models/{id...}", s.handleModelDownload)
	mux.HandleFunc("DELETE /models/{id...}", s.handleModelDelete)

	mux.HandleFunc("GET /chats", s.handleListChats)
	mux.HandleFunc("GET /chats/{id}", s.handleGetChat)
	mux.HandleFunc("DELETE /chats/{id}", s.handleDeleteChat)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /disk-space", s.handleDiskSpace)

	mux.HandleFunc("POST /settings/key", s.handleSetKey)
	mux.HandleFunc("GET /settings/key", s.handleGetKey)

	return Chain(mux,
		RecoveryMiddleware,
		SecurityHeadersMiddleware,
		LoggingMiddleware(log.Default()),
		CORSMiddleware(s.cfg.Server.AllowedOrigins),
		s.limiter.Middleware,
	)
}

// Start binds to localhost and serves until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("127.0.0.1:%d", s.cfg.Server.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: chat streams run for as long as generation
		// takes and are bounded by the client context instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", s.httpServer.Addr, Version)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Printf("SERVER_STOP | addr=%s", s.httpServer.Addr)
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// errorResponse is the JSON body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WRITE_RESPONSE_FAILED | error=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// =============================================================================
// CHAT STREAMING
// =============================================================================

// chatRequest is the POST /chat/stream body.
type chatRequest struct {
	Model          string             `json:"model"`
	Messages       []provider.Message `json:"messages"`
	ConversationID int64              `json:"conversation_id,omitempty"`
}

// streamErrorLine is the in-band terminal line emitted when the
// provider stream fails after headers were already sent.
type streamErrorLine struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// validateMessages checks the transcript shape before dispatch.
func validateMessages(messages []provider.Message) error {
	if len(messages) == 0 {
		return errors.New("messages must be a non-empty list")
	}
	for i, m := range messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("message %d has empty content", i)
		}
	}
	return nil
}

// enforceFreePolicy rejects chat against paid OpenRouter models. The
// policy fails open when the model list itself is unavailable.
func (s *Server) enforceFreePolicy(ctx context.Context, prov provider.Provider, modelID string) error {
	if prov.Name() != openrouter.ProviderName {
		return nil
	}
	free, err := s.cloud.FreeModelIDs(ctx)
	if err != nil {
		log.Printf("FREE_POLICY_SKIPPED | model=%s error=%v", modelID, err)
		return nil
	}
	if !free[modelID] {
		return fmt.Errorf("model %s is not free; only free models are allowed", modelID)
	}
	return nil
}

// chatStatusFor maps a pre-stream coordinator error to an HTTP status.
func chatStatusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrNoMessages):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrConversationNotFound):
		return http.StatusNotFound
	case provider.IsProviderNotFound(err), provider.IsModelNotFound(err), provider.IsNotDownloaded(err):
		return http.StatusBadRequest
	case provider.IsUpstream(err):
		var pe *provider.Error
		if errors.As(err, &pe) && pe.Status == http.StatusServiceUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "missing model")
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prov, err := s.registry.Resolve(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.enforceFreePolicy(r.Context(), prov, req.Model); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	stream, err := s.coordinator.Stream(r.Context(), chat.Request{
		Model:          req.Model,
		Messages:       req.Messages,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		writeError(w, chatStatusFor(err), err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		stream.Drain()
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range stream.Events() {
		if err := enc.Encode(ev); err != nil {
			// Client went away; drain so the producer finishes.
			stream.Drain()
			return
		}
		flusher.Flush()
	}

	// Headers are long gone, so a mid-stream failure travels in-band as
	// a terminal error line.
	if err := stream.Err(); err != nil {
		if encErr := enc.Encode(streamErrorLine{Type: "error", Error: err.Error()}); encErr == nil {
			flusher.Flush()
		}
	}
}

// =============================================================================
// MODEL LISTING AND MANAGEMENT
// =============================================================================

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	listing := s.registry.ListAll(r.Context())
	writeJSON(w, http.StatusOK, listing)
}

// resolveManager maps a model id to its owning provider's management
// interface, writing the error response itself on failure.
func (s *Server) resolveManager(w http.ResponseWriter, modelID string) (provider.ModelManager, bool) {
	prov, err := s.registry.Resolve(modelID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	mgr, ok := prov.(provider.ModelManager)
	if !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("model %s is not locally managed", modelID))
		return nil, false
	}
	return mgr, true
}

// managementStatusFor maps a model management error to an HTTP status.
func managementStatusFor(err error) int {
	switch {
	case provider.IsModelNotFound(err):
		return http.StatusNotFound
	case provider.IsUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("id"), "/status")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	mgr, ok := s.resolveManager(w, id)
	if !ok {
		return
	}

	status, err := mgr.ModelStatus(r.Context(), id)
	if err != nil {
		writeError(w, managementStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleModelDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("id"), "/download")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	mgr, ok := s.resolveManager(w, id)
	if !ok {
		return
	}

	// Validate the id synchronously so unknown models fail fast.
	if _, err := mgr.ModelStatus(r.Context(), id); err != nil {
		writeError(w, managementStatusFor(err), err.Error())
		return
	}

	// The fetch can take minutes; it runs detached from the request and
	// clients poll the status endpoint for progress.
	go func() {
		if err := mgr.Download(context.Background(), id); err != nil {
			log.Printf("DOWNLOAD_FAILED | model=%s error=%v", id, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, provider.ModelStatus{
		ModelID: id,
		State:   provider.StateDownloading,
	})
}

func (s *Server) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	mgr, ok := s.resolveManager(w, id)
	if !ok {
		return
	}

	if err := mgr.DeleteModel(r.Context(), id); err != nil {
		writeError(w, managementStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id": id,
		"deleted":  true,
	})
}

// =============================================================================
// CONVERSATION HISTORY
// =============================================================================

// chatDetail is the GET /chats/{id} response.
type chatDetail struct {
	Conversation *storage.Conversation   `json:"conversation"`
	Messages     []storage.StoredMessage `json:"messages"`
}

func parseChatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseChatID(w, r)
	if !ok {
		return
	}

	conversation, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, storage.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	messages, err := s.store.Messages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatDetail{Conversation: conversation, Messages: messages})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseChatID(w, r)
	if !ok {
		return
	}

	err := s.store.DeleteConversation(r.Context(), id)
	if errors.Is(err, storage.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// =============================================================================
// HEALTH AND DISK SPACE
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0, len(s.registry.Providers()))
	for _, p := range s.registry.Providers() {
		providers = append(providers, p.Name())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"providers": providers,
	})
}

// diskSpaceResponse reports capacity on the model cache volume.
type diskSpaceResponse struct {
	Path       string  `json:"path"`
	TotalBytes uint64  `json:"total_bytes"`
	FreeBytes  uint64  `json:"free_bytes"`
	FreeGB     float64 `json:"free_gb"`
}

func (s *Server) handleDiskSpace(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Local.CacheDir
	total, free, err := diskSpace(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("disk space check failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, diskSpaceResponse{
		Path:       path,
		TotalBytes: total,
		FreeBytes:  free,
		FreeGB:     float64(free) / (1 << 30),
	})
}

// =============================================================================
// SETTINGS
// =============================================================================

// keyRequest is the POST /settings/key body.
type keyRequest struct {
	Key string `json:"key"`
}

// keyStatus is the settings key response; the key itself never leaves
// the daemon.
type keyStatus struct {
	Configured bool   `json:"configured"`
	Masked     string `json:"masked,omitempty"`
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	s.cloud.SetAPIKey(key)
	s.cfg.Cloud.OpenRouterKey = key
	if err := config.Save(s.cfg); err != nil {
		// The key is live in memory either way; persistence failure
		// means it will not survive a restart.
		log.Printf("KEY_PERSIST_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to persist key")
		return
	}

	log.Printf("KEY_UPDATED | masked=%s", s.cloud.MaskedKey())
	writeJSON(w, http.StatusOK, keyStatus{Configured: true, Masked: s.cloud.MaskedKey()})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, keyStatus{
		Configured: s.cloud.IsConfigured(),
		Masked:     s.cloud.MaskedKey(),
	})
}
