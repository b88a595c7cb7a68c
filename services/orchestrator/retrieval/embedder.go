// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval embeds shopper queries and runs product vector search
// against Weaviate.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("shoprag.orchestrator.retrieval")

// DefaultOpenAIEmbeddingModel is used when no model is configured.
const DefaultOpenAIEmbeddingModel = "text-embedding-3-small"

// ErrEmptyEmbedding is returned when the provider answered without a vector.
var ErrEmptyEmbedding = errors.New("embedding response contained no vector")

// =============================================================================
// OpenAI Embedder
// =============================================================================

// OpenAIEmbedder embeds text with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an OpenAIEmbedder. baseURL may be empty to use
// the public API, or point at any OpenAI-compatible server.
func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = DefaultOpenAIEmbeddingModel
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(config), model: model}
}

// Embed returns the embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OpenAIEmbedder.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("embedding.model", e.model))

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding request failed")
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		span.SetStatus(codes.Error, "empty embedding")
		return nil, ErrEmptyEmbedding
	}
	span.SetAttributes(attribute.Int("embedding.dim", len(resp.Data[0].Embedding)))
	return resp.Data[0].Embedding, nil
}

// =============================================================================
// HTTP Embedding Service
// =============================================================================

type embeddingRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`
}

// HTTPEmbedder calls a standalone embedding service that accepts
// {"text": ...} and answers {"vector": [...]}.
type HTTPEmbedder struct {
	url    string
	client *http.Client
}

// NewHTTPEmbedder creates an HTTPEmbedder for the service at url.
func NewHTTPEmbedder(url string) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed returns the embedding of text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "HTTPEmbedder.Embed")
	defer span.End()

	reqBody, err := json.Marshal(embeddingRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to setup a new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding service unreachable")
		return nil, fmt.Errorf("failed to make the request to the embedding service: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			slog.Warn("Failed to close embedding response body", "error", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, "embedding service error")
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse the response from the embedding service: %w", err)
	}
	if len(parsed.Vector) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return parsed.Vector, nil
}
