// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// MODEL CATALOG
// =============================================================================

// CatalogEntry describes one GGUF model the local engine can serve.
type CatalogEntry struct {
	// Repo is the Hugging Face repository id (e.g. "Qwen/Qwen2.5-7B-Instruct-GGUF").
	Repo string `toml:"repo"`

	// Filename is the GGUF artifact inside the repository.
	Filename string `toml:"filename"`

	// Name overrides the derived display name when set.
	Name string `toml:"name"`

	// SizeGB is an approximate artifact size hint.
	SizeGB float64 `toml:"size_gb"`
}

// ID returns the namespaced model id for this entry.
func (e CatalogEntry) ID() string {
	return IDPrefix + e.Repo
}

// DisplayName returns the configured name, or one derived from the
// repository id ("Qwen/Qwen2.5-7B-Instruct-GGUF" -> "Qwen2.5 7B Instruct").
func (e CatalogEntry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	name := e.Repo
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, "-GGUF")
	return strings.ReplaceAll(name, "-", " ")
}

// catalogFile is the TOML shape of the catalog file.
type catalogFile struct {
	Models []CatalogEntry `toml:"model"`
}

// Catalog is the set of servable local models, loaded from a TOML file
// and hot-reloaded when the file changes.
type Catalog struct {
	path string

	mu      sync.RWMutex
	entries []CatalogEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadCatalog reads the catalog file at path. A missing file yields an
// empty catalog rather than an error, so the provider can start before
// any models are configured.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{
		path: path,
		done: make(chan struct{}),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// reload re-parses the catalog file and swaps the entry set.
func (c *Catalog) reload() error {
	var parsed catalogFile
	if _, err := toml.DecodeFile(c.path, &parsed); err != nil {
		if os.IsNotExist(err) {
			parsed.Models = nil
		} else {
			return fmt.Errorf("failed to parse model catalog: %w", err)
		}
	}

	valid := parsed.Models[:0]
	for _, e := range parsed.Models {
		if e.Repo == "" || e.Filename == "" {
			log.Printf("CATALOG_ENTRY_SKIPPED | repo=%q filename=%q reason=incomplete", e.Repo, e.Filename)
			continue
		}
		valid = append(valid, e)
	}

	c.mu.Lock()
	c.entries = valid
	c.mu.Unlock()

	log.Printf("CATALOG_LOADED | path=%s models=%d", c.path, len(valid))
	return nil
}

// Entries returns a copy of the current catalog entries.
func (c *Catalog) Entries() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// IDs returns the sorted model ids in the catalog, used for not-found
// error messages.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		ids = append(ids, e.ID())
	}
	sort.Strings(ids)
	return ids
}

// Lookup finds the entry for a model id, accepting both the namespaced
// id ("local:<repo>") and the bare repository id.
func (c *Catalog) Lookup(modelID string) (CatalogEntry, bool) {
	repo := strings.TrimPrefix(modelID, IDPrefix)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.Repo == repo {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// Watch starts hot-reloading the catalog when its file changes.
// Close stops the watcher.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	c.watcher = watcher

	// Watch the directory rather than the file: editors replace files
	// by rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		c.watcher = nil
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	go func() {
		for {
			select {
			case <-c.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(c.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					log.Printf("CATALOG_RELOAD_FAILED | path=%s error=%v", c.path, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CATALOG_WATCH_ERROR | error=%v", err)
			}
		}
	}()

	return nil
}

// Close stops the file watcher, if one was started.
func (c *Catalog) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
