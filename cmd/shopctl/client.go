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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/handlers"
)

// APIError is a non-2xx answer from shoprag-server.
type APIError struct {
	Status  int
	Message string
	Stage   string
}

func (e *APIError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("server returned %d: %s (stage %s)", e.Status, e.Message, e.Stage)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to the shoprag-server HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client for baseURL. An empty token sends no
// Authorization header.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp handlers.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: errResp.Error, Stage: errResp.Stage}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Ask sends POST /v1/ask.
func (c *Client) Ask(ctx context.Context, req datatypes.AskRequest) (*datatypes.AskResponse, error) {
	var resp datatypes.AskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/ask", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSessions sends GET /v1/sessions.
func (c *Client) ListSessions(ctx context.Context, limit int) (*handlers.SessionListResponse, error) {
	var resp handlers.SessionListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions"+limitQuery(limit), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History sends GET /v1/sessions/:id/history.
func (c *Client) History(ctx context.Context, sessionID string, limit int) (*handlers.HistoryResponse, error) {
	var resp handlers.HistoryResponse
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/history" + limitQuery(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Memory sends GET /v1/sessions/:id/memory.
func (c *Client) Memory(ctx context.Context, sessionID string) (*datatypes.MemorySummary, error) {
	var resp datatypes.MemorySummary
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/memory", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Forget sends DELETE /v1/sessions/:id.
func (c *Client) Forget(ctx context.Context, sessionID string) (*handlers.DeleteSessionResponse, error) {
	var resp handlers.DeleteSessionResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Product sends GET /v1/products/:sku.
func (c *Client) Product(ctx context.Context, sku string) (*datatypes.CatalogProduct, error) {
	var resp datatypes.CatalogProduct
	if err := c.do(ctx, http.MethodGet, "/v1/products/"+url.PathEscape(sku), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PurgeCache sends DELETE /v1/cache.
func (c *Client) PurgeCache(ctx context.Context) (int, error) {
	var resp handlers.PurgeResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/cache", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// DeleteCacheEntry sends DELETE /v1/cache/:key.
func (c *Client) DeleteCacheEntry(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/v1/cache/"+url.PathEscape(key), nil, nil)
}

// Health sends GET /health.
func (c *Client) Health(ctx context.Context) (*handlers.HealthResponse, error) {
	var resp handlers.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
