// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// weaviateBackend implements Backend over a Weaviate client.
type weaviateBackend struct {
	client *weaviate.Client
}

var _ Backend = (*weaviateBackend)(nil)

// NewWeaviateBackend wraps client as a Backend.
func NewWeaviateBackend(client *weaviate.Client) Backend {
	return &weaviateBackend{client: client}
}

func (b *weaviateBackend) Get(ctx context.Context, q GetQuery) (*models.GraphQLResponse, error) {
	get := b.client.GraphQL().Get().
		WithClassName(q.ClassName).
		WithFields(q.Fields...)
	if q.Where != nil {
		get = get.WithWhere(q.Where)
	}
	if q.Sort != nil {
		get = get.WithSort(*q.Sort)
	}
	if q.Limit > 0 {
		get = get.WithLimit(q.Limit)
	}
	return get.Do(ctx)
}

func (b *weaviateBackend) Count(ctx context.Context, className string, where *filters.WhereBuilder) (*models.GraphQLResponse, error) {
	agg := b.client.GraphQL().Aggregate().
		WithClassName(className).
		WithFields(graphql.Field{
			Name: "meta",
			Fields: []graphql.Field{
				{Name: "count"},
			},
		})
	if where != nil {
		agg = agg.WithWhere(where)
	}
	return agg.Do(ctx)
}

func (b *weaviateBackend) GetObject(ctx context.Context, className, id string) (*models.Object, error) {
	objects, err := b.client.Data().ObjectsGetter().
		WithClassName(className).
		WithID(id).
		Do(ctx)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(objects) == 0 {
		return nil, nil
	}
	return objects[0], nil
}

func (b *weaviateBackend) Exists(ctx context.Context, className, id string) (bool, error) {
	return b.client.Data().Checker().
		WithClassName(className).
		WithID(id).
		Do(ctx)
}

func (b *weaviateBackend) Create(ctx context.Context, className, id string, props map[string]interface{}) error {
	_, err := b.client.Data().Creator().
		WithClassName(className).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	return err
}

func (b *weaviateBackend) Merge(ctx context.Context, className, id string, props map[string]interface{}) error {
	return b.client.Data().Updater().
		WithClassName(className).
		WithID(id).
		WithMerge().
		WithProperties(props).
		Do(ctx)
}

func (b *weaviateBackend) BatchDelete(ctx context.Context, className string, where *filters.WhereBuilder) (int, error) {
	resp, err := b.client.Batch().ObjectsBatchDeleter().
		WithClassName(className).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch delete failed for %s: %w", className, err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	if resp.Results.Failed > 0 {
		return int(resp.Results.Successful), fmt.Errorf("batch delete for %s: %d objects failed", className, resp.Results.Failed)
	}
	return int(resp.Results.Successful), nil
}

func (b *weaviateBackend) Delete(ctx context.Context, className, id string) error {
	err := b.client.Data().Deleter().
		WithClassName(className).
		WithID(id).
		Do(ctx)
	if err != nil && !isNotFoundError(err) {
		return err
	}
	return nil
}

// isNotFoundError checks if a Weaviate error indicates an object was not found.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "not found") ||
		strings.Contains(errMsg, "404") ||
		strings.Contains(errMsg, "does not exist")
}
