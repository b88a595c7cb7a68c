// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicClient talks to the Messages API through the official SDK.
type AnthropicClient struct {
	client       anthropic.Client
	model        string
	systemPrompt string
}

// NewAnthropicClient creates a Claude client.
//
// apiKey falls back to /run/secrets/anthropic_api_key. Extra request
// options (HTTP client, retries) may be appended for tests.
func NewAnthropicClient(apiKey, model, baseURL, systemPrompt string, opts ...option.RequestOption) (*AnthropicClient, error) {
	apiKey = ReadSecret(apiKey, "anthropic_api_key")
	if apiKey == "" {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}
	if model == "" {
		model = defaultAnthropicModel
		slog.Info("ANTHROPIC_MODEL not set, defaulting to", "model", model)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &AnthropicClient{
		client:       anthropic.NewClient(reqOpts...),
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// Generate implements the LLMClient interface
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return a.Chat(ctx, promptMessages(a.systemPrompt, prompt), params)
}

// Chat implements the LLMClient interface
func (a *AnthropicClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", a.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	systemPrompt, conversation := splitSystem(messages)
	if params.JSONMode {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + jsonModeInstruction)
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: defaultAnthropicMaxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(conversation)),
	}
	if systemPrompt != "" {
		req.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, msg := range conversation {
		if strings.EqualFold(msg.Role, "assistant") {
			req.Messages = append(req.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}
		req.Messages = append(req.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
	}
	if params.MaxTokens != nil {
		req.MaxTokens = int64(*params.MaxTokens)
	}
	if params.Temperature != nil {
		req.Temperature = anthropic.Float(float64(*params.Temperature))
	}
	if params.TopP != nil {
		req.TopP = anthropic.Float(float64(*params.TopP))
	}
	if len(params.Stop) > 0 {
		req.StopSequences = params.Stop
	}

	slog.Debug("Sending request to Anthropic", "model", a.model)
	resp, err := a.client.Messages.New(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var finalText strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			finalText.WriteString(b.Text)
		}
	}

	if finalText.Len() == 0 {
		return "", fmt.Errorf("received content but no text block found")
	}
	return finalText.String(), nil
}

var _ LLMClient = (*AnthropicClient)(nil)

// Ping lists a single model to confirm the API key and endpoint work.
func (a *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return fmt.Errorf("anthropic models list failed: %w", err)
	}
	return nil
}

var _ Pinger = (*AnthropicClient)(nil)
