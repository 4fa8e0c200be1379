// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeranaias/parley/internal/provider"
)

// =============================================================================
// DOWNLOAD MANAGER
// =============================================================================

// DefaultHubURL is the artifact host downloads resolve against.
const DefaultHubURL = "https://huggingface.co"

// downloadClient has no overall timeout; artifact downloads are large
// and bounded by the request context.
var downloadClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// flight tracks one in-progress download so concurrent requests for the
// same artifact share a single fetch.
type flight struct {
	done chan struct{}
	err  error
}

// Manager tracks artifact availability on disk and serves downloads and
// deletions.
//
// The per-locator state cache is a hint: it answers status queries
// without touching the filesystem, but Check re-stats the artifact for
// decisions that need certainty. All state moves through the lifecycle
// unknown -> absent/present, absent -> downloading -> present/error,
// and error -> downloading again on retry.
type Manager struct {
	cacheDir string
	hubURL   string

	mu       sync.Mutex
	states   map[string]provider.ModelStatus // keyed by locator
	inflight map[string]*flight
}

// NewManager creates a download manager rooted at cacheDir.
func NewManager(cacheDir string) *Manager {
	return &Manager{
		cacheDir: cacheDir,
		hubURL:   DefaultHubURL,
		states:   make(map[string]provider.ModelStatus),
		inflight: make(map[string]*flight),
	}
}

// WithHubURL overrides the artifact host (used by tests).
func (m *Manager) WithHubURL(url string) *Manager {
	m.hubURL = url
	return m
}

// locator is the cache key for one artifact.
func locator(repo, filename string) string {
	return repo + "/" + filename
}

// ArtifactPath returns the on-disk location of an artifact.
func (m *Manager) ArtifactPath(repo, filename string) string {
	return filepath.Join(m.cacheDir, filepath.FromSlash(repo), filename)
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// Check re-stats the artifact on disk and refreshes the cached state.
// This is the authoritative presence test.
func (m *Manager) Check(repo, filename string) bool {
	info, err := os.Stat(m.ArtifactPath(repo, filename))
	present := err == nil && !info.IsDir()

	m.mu.Lock()
	defer m.mu.Unlock()

	key := locator(repo, filename)
	// Never clobber an in-progress download with a stat result.
	if m.states[key].State == provider.StateDownloading {
		return present
	}
	if present {
		m.states[key] = provider.ModelStatus{State: provider.StatePresent, Downloaded: true}
	} else {
		m.states[key] = provider.ModelStatus{State: provider.StateAbsent}
	}
	return present
}

// Status returns the cached state for an artifact, stat-ing the disk
// once when the locator has never been seen.
func (m *Manager) Status(repo, filename string) provider.ModelStatus {
	m.mu.Lock()
	status, seen := m.states[locator(repo, filename)]
	m.mu.Unlock()

	if !seen {
		m.Check(repo, filename)
		m.mu.Lock()
		status = m.states[locator(repo, filename)]
		m.mu.Unlock()
	}
	return status
}

func (m *Manager) setState(repo, filename string, status provider.ModelStatus) {
	m.mu.Lock()
	m.states[locator(repo, filename)] = status
	m.mu.Unlock()
}

// =============================================================================
// DOWNLOAD
// =============================================================================

// Download fetches an artifact into the cache directory.
//
// Idempotent: an artifact already on disk returns immediately.
// Single-flight: concurrent calls for the same locator share one fetch
// and all receive its outcome. A failed attempt records the error state
// and a later call may retry.
func (m *Manager) Download(ctx context.Context, repo, filename string) error {
	if m.Check(repo, filename) {
		return nil
	}

	key := locator(repo, filename)

	m.mu.Lock()
	if f, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	m.inflight[key] = f
	m.states[key] = provider.ModelStatus{State: provider.StateDownloading}
	m.mu.Unlock()

	err := m.fetch(ctx, repo, filename)

	m.mu.Lock()
	delete(m.inflight, key)
	if err != nil {
		m.states[key] = provider.ModelStatus{State: provider.StateError, Reason: err.Error()}
	} else {
		m.states[key] = provider.ModelStatus{State: provider.StatePresent, Downloaded: true}
	}
	m.mu.Unlock()

	f.err = err
	close(f.done)
	return err
}

// fetch streams the artifact to a temp file and renames it into place,
// so a crashed download never leaves a partial artifact at the final path.
func (m *Manager) fetch(ctx context.Context, repo, filename string) error {
	url := fmt.Sprintf("%s/%s/resolve/main/%s", m.hubURL, repo, filename)
	log.Printf("DOWNLOAD_START | repo=%s file=%s", repo, filename)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.ErrUpstream(resp.StatusCode, string(body))
	}

	target := m.ArtifactPath(repo, filename)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return fmt.Errorf("download interrupted: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	success = true

	log.Printf("DOWNLOAD_COMPLETE | repo=%s file=%s bytes=%d elapsed=%s",
		repo, filename, written, time.Since(start).Round(time.Millisecond))
	return nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes an artifact from disk. Deleting an artifact that is
// not present returns ErrModelNotFound, distinct from a successful
// deletion.
func (m *Manager) Delete(repo, filename string) error {
	path := m.ArtifactPath(repo, filename)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.setState(repo, filename, provider.ModelStatus{State: provider.StateAbsent})
		return provider.ErrModelNotFound(IDPrefix+repo, "artifact is not downloaded")
	}

	if err := os.Remove(path); err != nil {
		return provider.ErrDelete(IDPrefix+repo, err)
	}

	// Clean up the repo directory if the artifact was its last file.
	os.Remove(filepath.Dir(path))

	m.setState(repo, filename, provider.ModelStatus{State: provider.StateAbsent})
	log.Printf("ARTIFACT_DELETED | repo=%s file=%s", repo, filename)
	return nil
}
