// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// capturedRequest records the last request body seen by a mock server.
type capturedRequest struct {
	path string
	body map[string]interface{}
}

// newRecordingServer returns a server that records the request and replies
// with the given status and body.
func newRecordingServer(t *testing.T, status int, reply string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if captured != nil {
			captured.path = r.URL.Path
			_ = json.Unmarshal(raw, &captured.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(server.Close)
	return server
}

// =============================================================================
// NewClient Tests
// =============================================================================

func TestNewClient_UnknownBackend(t *testing.T) {
	_, err := NewClient("gemini", ProviderConfig{})
	assert.Error(t, err)
}

func TestNewClient_SelectsBackend(t *testing.T) {
	tests := []struct {
		backend string
		cfg     ProviderConfig
		want    interface{}
	}{
		{backend: "openai", cfg: ProviderConfig{OpenAIAPIKey: "k"}, want: &OpenAIClient{}},
		{backend: "anthropic", cfg: ProviderConfig{AnthropicAPIKey: "k"}, want: &AnthropicClient{}},
		{backend: "Claude", cfg: ProviderConfig{AnthropicAPIKey: "k"}, want: &AnthropicClient{}},
		{backend: "ollama", cfg: ProviderConfig{OllamaBaseURL: "http://localhost:11434"}, want: &OllamaClient{}},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			client, err := NewClient(tt.backend, tt.cfg)
			require.NoError(t, err)
			assert.IsType(t, tt.want, client)
		})
	}
}

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	_, err := NewOllamaClient("", "m", "")
	assert.Error(t, err)
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]datatypes.Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "q"},
		{Role: "SYSTEM", Content: "b"},
	})
	assert.Equal(t, "a\n\nb", system)
	require.Len(t, rest, 1)
	assert.Equal(t, "q", rest[0].Content)
}

func TestReadSecret_PrefersValue(t *testing.T) {
	assert.Equal(t, "explicit", ReadSecret("explicit", "does_not_exist"))
	assert.Equal(t, "", ReadSecret("", "shoprag_test_missing_secret"))
}

// =============================================================================
// Ollama Tests
// =============================================================================

func TestOllamaClient_Chat_JSONMode(t *testing.T) {
	var captured capturedRequest
	server := newRecordingServer(t, http.StatusOK,
		`{"message":{"role":"assistant","content":"{\"answer\":\"hi\"}"},"done":true}`, &captured)

	client, err := NewOllamaClient(server.URL, "test-model", "")
	require.NoError(t, err)

	out, err := client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hello"}},
		GenerationParams{JSONMode: true, Temperature: Float32(0.1)})
	require.NoError(t, err)

	assert.Equal(t, `{"answer":"hi"}`, out)
	assert.Equal(t, "/api/chat", captured.path)
	assert.Equal(t, "json", captured.body["format"])
	assert.Equal(t, false, captured.body["stream"])
	options := captured.body["options"].(map[string]interface{})
	assert.InDelta(t, 0.1, options["temperature"], 1e-6)
}

func TestOllamaClient_Generate(t *testing.T) {
	var captured capturedRequest
	server := newRecordingServer(t, http.StatusOK, `{"response":"plain text","done":true}`, &captured)

	client, err := NewOllamaClient(server.URL+"/", "test-model", "be brief")
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "summarize", GenerationParams{MaxTokens: IntPtr(64)})
	require.NoError(t, err)

	assert.Equal(t, "plain text", out)
	assert.Equal(t, "/api/generate", captured.path)
	assert.Equal(t, "be brief", captured.body["system"])
	_, hasFormat := captured.body["format"]
	assert.False(t, hasFormat)
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	server := newRecordingServer(t, http.StatusNotFound, `{"error":"model 'x' not found"}`, nil)

	client, err := NewOllamaClient(server.URL, "x", "")
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull x")
}

func TestOllamaClient_ServerError(t *testing.T) {
	server := newRecordingServer(t, http.StatusInternalServerError, `boom`, nil)

	client, err := NewOllamaClient(server.URL, "m", "")
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "x", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

// =============================================================================
// OpenAI Tests
// =============================================================================

func TestOpenAIClient_Chat_JSONMode(t *testing.T) {
	var captured capturedRequest
	server := newRecordingServer(t, http.StatusOK, `{
		"id": "cmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"answer\":\"ok\"}"}}]
	}`, &captured)

	client, err := NewOpenAIClient("test-key", "gpt-4o-mini", server.URL, "")
	require.NoError(t, err)

	out, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q"},
	}, GenerationParams{JSONMode: true})
	require.NoError(t, err)

	assert.Equal(t, `{"answer":"ok"}`, out)
	assert.Equal(t, "/chat/completions", captured.path)
	format := captured.body["response_format"].(map[string]interface{})
	assert.Equal(t, "json_object", format["type"])
	assert.Len(t, captured.body["messages"], 2)
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	server := newRecordingServer(t, http.StatusOK, `{"id":"x","choices":[]}`, nil)

	client, err := NewOpenAIClient("test-key", "", server.URL, "")
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "q", GenerationParams{})
	assert.Error(t, err)
}

// =============================================================================
// Anthropic Tests
// =============================================================================

func TestAnthropicClient_Chat(t *testing.T) {
	var captured capturedRequest
	server := newRecordingServer(t, http.StatusOK, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-haiku-latest",
		"content": [{"type": "text", "text": "{\"answer\":"}, {"type": "text", "text": "\"ok\"}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 3, "output_tokens": 4}
	}`, &captured)

	client, err := NewAnthropicClient("test-key", "", server.URL, "", option.WithMaxRetries(0))
	require.NoError(t, err)

	out, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
		{Role: "user", Content: "q2"},
	}, GenerationParams{JSONMode: true, MaxTokens: IntPtr(256)})
	require.NoError(t, err)

	assert.Equal(t, `{"answer":"ok"}`, out)
	assert.Equal(t, "/v1/messages", captured.path)
	assert.EqualValues(t, 256, captured.body["max_tokens"])
	assert.Len(t, captured.body["messages"], 3)

	system := captured.body["system"].([]interface{})
	require.Len(t, system, 1)
	assert.Contains(t, system[0].(map[string]interface{})["text"], jsonModeInstruction)
}

func TestAnthropicClient_NoTextBlock(t *testing.T) {
	server := newRecordingServer(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "m",
		"content": [], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 0}
	}`, nil)

	client, err := NewAnthropicClient("test-key", "m", server.URL, "", option.WithMaxRetries(0))
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "q", GenerationParams{})
	assert.Error(t, err)
}

// =============================================================================
// Ping Tests
// =============================================================================

func TestPing_ListsModels(t *testing.T) {
	t.Run("Ollama", func(t *testing.T) {
		var captured capturedRequest
		server := newRecordingServer(t, http.StatusOK, `{"models":[]}`, &captured)
		client, err := NewOllamaClient(server.URL, "llama3", "")
		require.NoError(t, err)

		require.NoError(t, client.Ping(context.Background()))
		assert.Equal(t, "/api/tags", captured.path)
	})

	t.Run("OpenAI", func(t *testing.T) {
		var captured capturedRequest
		server := newRecordingServer(t, http.StatusOK, `{"object":"list","data":[]}`, &captured)
		client, err := NewOpenAIClient("test-key", "", server.URL, "")
		require.NoError(t, err)

		require.NoError(t, client.Ping(context.Background()))
		assert.Equal(t, "/models", captured.path)
	})

	t.Run("Anthropic", func(t *testing.T) {
		var captured capturedRequest
		server := newRecordingServer(t, http.StatusOK, `{"data":[],"has_more":false,"first_id":"","last_id":""}`, &captured)
		client, err := NewAnthropicClient("test-key", "", server.URL, "", option.WithMaxRetries(0))
		require.NoError(t, err)

		require.NoError(t, client.Ping(context.Background()))
		assert.Equal(t, "/v1/models", captured.path)
	})
}

func TestPing_ReportsFailures(t *testing.T) {
	server := newRecordingServer(t, http.StatusUnauthorized, `{"error":"bad key"}`, nil)

	ollama, err := NewOllamaClient(server.URL, "llama3", "")
	require.NoError(t, err)
	openaiClient, err := NewOpenAIClient("test-key", "", server.URL, "")
	require.NoError(t, err)
	anthropicClient, err := NewAnthropicClient("test-key", "", server.URL, "", option.WithMaxRetries(0))
	require.NoError(t, err)

	for name, p := range map[string]Pinger{"ollama": ollama, "openai": openaiClient, "anthropic": anthropicClient} {
		assert.Error(t, p.Ping(context.Background()), name)
	}
}
