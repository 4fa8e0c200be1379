// parley daemon - a headless chat gateway for local and hosted LLMs.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/parley/internal/chat"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/llamacpp"
	"github.com/jeranaias/parley/internal/ollama"
	"github.com/jeranaias/parley/internal/openrouter"
	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/server"
	"github.com/jeranaias/parley/internal/storage"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

func main() {
	port := flag.Int("port", 0, "listen port (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("parley " + server.Version)
		return
	}

	if err := run(*port); err != nil {
		log.Fatalf("FATAL | error=%v", err)
	}
}

func run(portOverride int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	catalog, err := llamacpp.LoadCatalog(cfg.Local.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defer catalog.Close()
	if err := catalog.Watch(); err != nil {
		// Hot reload is a convenience; the daemon still runs without it.
		log.Printf("CATALOG_WATCH_FAILED | path=%s error=%v", cfg.Local.CatalogPath, err)
	}

	downloads := llamacpp.NewManager(cfg.Local.CacheDir)
	engine := llamacpp.NewExecEngine(cfg.Local.EngineBinary)

	ollamaCfg := ollama.DefaultConfig()
	if cfg.Ollama.URL != "" {
		ollamaCfg.BaseURL = cfg.Ollama.URL
	}

	cloud := openrouter.NewClient(cfg.Cloud.OpenRouterKey)

	// Namespaced providers register before the catch-all so resolution
	// order matches ownership.
	registry := provider.NewRegistry()
	registry.Register(llamacpp.NewProvider(catalog, downloads, engine))
	registry.Register(ollama.NewProvider(ollama.NewClientWithConfig(ollamaCfg)))
	registry.Register(openrouter.NewProvider(cloud))

	coordinator := chat.NewCoordinator(store, registry)
	srv := server.New(cfg, registry, coordinator, store, cloud)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("SHUTDOWN | signal=%s", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
