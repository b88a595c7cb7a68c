// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm contains the LLM provider clients and embedders used by the
// ShopRAG pipeline.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("shoprag.llm")

// jsonModeInstruction is appended to the system prompt for providers that
// have no native JSON response format.
const jsonModeInstruction = "Respond with a single valid JSON object and nothing else."

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// JSONMode asks the provider to constrain output to a JSON object.
	JSONMode bool `json:"json_mode"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}

// Pinger is implemented by clients that can check their backend is
// reachable without generating text.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Float32 returns a pointer to v for optional GenerationParams fields.
func Float32(v float32) *float32 { return &v }

// IntPtr returns a pointer to v for optional GenerationParams fields.
func IntPtr(v int) *int { return &v }

// ProviderConfig holds the settings for every supported backend. Only the
// fields of the selected backend are read.
type ProviderConfig struct {
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicBaseURL string

	OllamaBaseURL string
	OllamaModel   string

	// SystemPrompt is used by Generate when the caller passes a bare prompt.
	SystemPrompt string
}

// NewClient creates the LLM client for the named backend.
//
// # Inputs
//
//   - backend: "openai", "anthropic" (alias "claude") or "ollama".
//   - cfg: Provider settings.
//
// # Outputs
//
//   - LLMClient: The configured client.
//   - error: Non-nil for an unknown backend or missing credentials.
func NewClient(backend string, cfg ProviderConfig) (LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.SystemPrompt)
	case "claude", "anthropic":
		slog.Info("Using Anthropic (Claude) LLM backend")
		return NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicBaseURL, cfg.SystemPrompt)
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.SystemPrompt)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", backend)
	}
}

// ReadSecret returns value when set, otherwise the trimmed contents of the
// Podman/Docker secret file /run/secrets/<name>. Returns "" if neither exists.
func ReadSecret(value, name string) string {
	if value != "" {
		return value
	}
	secretPath := "/run/secrets/" + name
	content, err := os.ReadFile(secretPath)
	if err != nil {
		return ""
	}
	slog.Info("Read secret from Podman Secrets", "name", name)
	return strings.TrimSpace(string(content))
}

// splitSystem separates system messages from the conversation. Multiple
// system messages are joined with blank lines.
func splitSystem(messages []datatypes.Message) (string, []datatypes.Message) {
	var system []string
	rest := make([]datatypes.Message, 0, len(messages))
	for _, msg := range messages {
		if strings.EqualFold(msg.Role, "system") {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

func promptMessages(systemPrompt, prompt string) []datatypes.Message {
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}
	return []datatypes.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
}
