// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command shoprag-server starts the ShopRAG HTTP server.
//
// Configuration comes from environment variables, optionally loaded from a
// .env file in the working directory. See config.go for the full list.
//
// # Usage
//
//	go build -o shoprag-server ./cmd/shoprag-server
//	LLM_BACKEND_TYPE=ollama OLLAMA_BASE_URL=http://localhost:11434 \
//	WEAVIATE_SERVICE_URL=http://localhost:8080 ./shoprag-server
//
// SIGINT and SIGTERM trigger a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/ShopRAG/pkg/extensions"
	"github.com/AleutianAI/ShopRAG/pkg/logging"
	"github.com/AleutianAI/ShopRAG/services/orchestrator"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shoprag-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is normal in containers.
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Install()

	opts := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(logger.Slog()))
	if cfg.APITokens != "" {
		provider, err := extensions.ParseStaticTokens(cfg.APITokens)
		if err != nil {
			return fmt.Errorf("parse SHOPRAG_API_TOKENS: %w", err)
		}
		opts = opts.WithAuth(provider)
		slog.Info("Bearer token authentication enabled")
	} else {
		slog.Warn("SHOPRAG_API_TOKENS not set, every caller is treated as a local admin")
	}

	slog.Info("Starting ShopRAG",
		"port", cfg.Server.Port,
		"llm_backend", cfg.Server.LLMBackend,
		"weaviate_configured", cfg.Server.WeaviateURL != "",
		"catalog_configured", cfg.Server.CatalogDSN != "",
		"cache_dir", cfg.Server.CacheDir,
	)

	svc, err := orchestrator.New(cfg.Server, &opts)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
