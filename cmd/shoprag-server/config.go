// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ShopRAG/pkg/logging"
	"github.com/AleutianAI/ShopRAG/services/llm"
	"github.com/AleutianAI/ShopRAG/services/orchestrator"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/services"
)

// serverConfig is everything shoprag-server reads from the environment.
//
// # Environment Variables
//
//   - SHOPRAG_PORT: HTTP port (default 12210)
//   - GIN_MODE: debug, release or test (default release)
//   - LLM_BACKEND_TYPE: openai, anthropic, claude or ollama (empty disables answering)
//   - OPENAI_API_KEY, OPENAI_MODEL, OPENAI_BASE_URL
//   - ANTHROPIC_API_KEY, ANTHROPIC_MODEL, ANTHROPIC_BASE_URL
//   - OLLAMA_BASE_URL, OLLAMA_MODEL
//   - EMBEDDING_SERVICE_URL, EMBEDDING_MODEL_NAME
//   - WEAVIATE_SERVICE_URL
//   - CATALOG_DATABASE_URL, CATALOG_TABLE (default products)
//   - CACHE_DIR (empty keeps the cache in memory), CACHE_DISABLED, CACHE_TTL (default 24h)
//   - HISTORY_MAX_TURNS (6), HISTORY_MAX_TOKENS (1500), SUMMARY_EVERY_TURNS (5, 0 disables)
//   - SKIP_AGE_FILTER, IN_STOCK_ONLY
//   - SESSION_TTL (168h), TTL_CLEANUP_INTERVAL (1h), TTL_DISABLED
//   - RATE_LIMIT_RPS (0 disables), RATE_LIMIT_BURST
//   - OTEL_EXPORTER_OTLP_ENDPOINT (empty disables export), OTEL_TRACES_EXPORTER (otlp or stdout)
//   - LOG_LEVEL (info), LOG_DIR, LOG_FORMAT (json or text, default json)
//   - SHOPRAG_API_TOKENS: "token:user:role|role,..." (empty disables auth)
//
// API keys and the catalog DSN fall back to /run/secrets/<name> files.
type serverConfig struct {
	Server    orchestrator.Config
	Logging   logging.Config
	APITokens string
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) getString(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *envReader) getInt(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (r *envReader) getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (r *envReader) getBool(key string, def bool) bool {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (r *envReader) getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

// loadConfig builds the server configuration from getenv.
func loadConfig(getenv func(string) string) (serverConfig, error) {
	r := &envReader{getenv: getenv}

	ask := services.DefaultAskConfig()
	ask.HistoryMaxTurns = r.getInt("HISTORY_MAX_TURNS", ask.HistoryMaxTurns)
	ask.HistoryMaxTokens = r.getInt("HISTORY_MAX_TOKENS", ask.HistoryMaxTokens)
	ask.SummaryEvery = r.getInt("SUMMARY_EVERY_TURNS", ask.SummaryEvery)
	ask.CacheTTL = r.getDuration("CACHE_TTL", ask.CacheTTL)
	ask.SkipAgeFilter = r.getBool("SKIP_AGE_FILTER", false)
	ask.InStockOnly = r.getBool("IN_STOCK_ONLY", false)

	cfg := serverConfig{
		Server: orchestrator.Config{
			Port:       r.getInt("SHOPRAG_PORT", 12210),
			GinMode:    r.getString("GIN_MODE", "release"),
			LLMBackend: r.getString("LLM_BACKEND_TYPE", ""),
			LLM: llm.ProviderConfig{
				OpenAIAPIKey:     llm.ReadSecret(r.getString("OPENAI_API_KEY", ""), "openai_api_key"),
				OpenAIModel:      r.getString("OPENAI_MODEL", ""),
				OpenAIBaseURL:    r.getString("OPENAI_BASE_URL", ""),
				AnthropicAPIKey:  llm.ReadSecret(r.getString("ANTHROPIC_API_KEY", ""), "anthropic_api_key"),
				AnthropicModel:   r.getString("ANTHROPIC_MODEL", ""),
				AnthropicBaseURL: r.getString("ANTHROPIC_BASE_URL", ""),
				OllamaBaseURL:    r.getString("OLLAMA_BASE_URL", ""),
				OllamaModel:      r.getString("OLLAMA_MODEL", ""),
			},
			EmbeddingServiceURL: r.getString("EMBEDDING_SERVICE_URL", ""),
			EmbeddingModel:      r.getString("EMBEDDING_MODEL_NAME", ""),
			WeaviateURL:         r.getString("WEAVIATE_SERVICE_URL", ""),
			CatalogDSN:          llm.ReadSecret(r.getString("CATALOG_DATABASE_URL", ""), "catalog_database_url"),
			CatalogTable:        r.getString("CATALOG_TABLE", "products"),
			CacheDir:            r.getString("CACHE_DIR", ""),
			CacheDisabled:       r.getBool("CACHE_DISABLED", false),
			Ask:                 ask,
			SessionTTL:          r.getDuration("SESSION_TTL", 7*24*time.Hour),
			TTLCleanupInterval:  r.getDuration("TTL_CLEANUP_INTERVAL", time.Hour),
			TTLDisabled:         r.getBool("TTL_DISABLED", false),
			OTelEndpoint:        r.getString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			TraceExporter:       strings.ToLower(r.getString("OTEL_TRACES_EXPORTER", "otlp")),
		},
		APITokens: r.getString("SHOPRAG_API_TOKENS", ""),
	}
	cfg.Server.RateLimit.RPS = r.getFloat("RATE_LIMIT_RPS", 0)
	cfg.Server.RateLimit.Burst = r.getInt("RATE_LIMIT_BURST", 0)

	level, err := logging.ParseLevel(r.getString("LOG_LEVEL", "info"))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	format := strings.ToLower(r.getString("LOG_FORMAT", "json"))
	if format != "json" && format != "text" {
		r.errs = append(r.errs, fmt.Errorf("LOG_FORMAT: %q must be json or text", format))
	}
	cfg.Logging = logging.Config{
		Level:   level,
		LogDir:  r.getString("LOG_DIR", ""),
		Service: "shoprag-server",
		JSON:    format == "json",
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		r.errs = append(r.errs, fmt.Errorf("SHOPRAG_PORT: %d is out of range", cfg.Server.Port))
	}
	if e := cfg.Server.TraceExporter; e != "otlp" && e != "stdout" {
		r.errs = append(r.errs, fmt.Errorf("OTEL_TRACES_EXPORTER: %q must be otlp or stdout", e))
	}
	if cfg.Server.RateLimit.RPS < 0 {
		r.errs = append(r.errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	if ask.SummaryEvery < 0 {
		r.errs = append(r.errs, errors.New("SUMMARY_EVERY_TURNS must not be negative"))
	}

	return cfg, errors.Join(r.errs...)
}
