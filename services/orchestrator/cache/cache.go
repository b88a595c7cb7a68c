// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores complete ask responses in BadgerDB.
//
// # Description
//
// Entries are JSON datatypes.CachedResponse records that expire through
// Badger's native entry TTL, so an expired entry is simply absent. All
// cache keys live under one prefix, which makes Purge a prefix drop.
//
// # Thread Safety
//
// BadgerCache is safe for concurrent use.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("shoprag.orchestrator.cache")

// keyPrefix namespaces response entries inside the database.
const keyPrefix = "response/"

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("response cache is closed")

// ResponseCache is the response cache.
type ResponseCache interface {
	// Get returns the cached response for key. A missing or expired key is
	// (nil, false, nil).
	Get(ctx context.Context, key string) (*datatypes.AskResponse, bool, error)

	// Set stores resp under key for ttl. A non-positive ttl uses the
	// configured default.
	Set(ctx context.Context, key string, resp datatypes.AskResponse, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Purge removes every entry and returns how many were removed.
	Purge(ctx context.Context) (int, error)

	// Close releases the database.
	Close() error
}

// BadgerCache implements ResponseCache on BadgerDB.
type BadgerCache struct {
	db         *badger.DB
	gc         *gcRunner
	defaultTTL time.Duration
	now        func() time.Time
}

var _ ResponseCache = (*BadgerCache)(nil)

// Open opens a BadgerCache described by cfg and starts value log GC for
// persistent databases.
//
// # Examples
//
//	c, err := cache.Open(cache.DefaultConfig("/var/lib/shoprag/cache"))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
func Open(cfg Config) (*BadgerCache, error) {
	applyConfigDefaults(&cfg)
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	c := &BadgerCache{db: db, defaultTTL: cfg.DefaultTTL, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio)
		c.gc.start()
	}
	slog.Info("Response cache opened",
		"in_memory", cfg.InMemory,
		"dir", cfg.Dir,
		"default_ttl", cfg.DefaultTTL.String(),
	)
	return c, nil
}

func entryKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// Get returns the cached response for key.
//
// # Description
//
// An entry that fails to decode is deleted and reported as a miss so a
// bad write cannot poison the key until its TTL runs out.
func (c *BadgerCache) Get(ctx context.Context, key string) (*datatypes.AskResponse, bool, error) {
	ctx, span := tracer.Start(ctx, "BadgerCache.Get")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if c.db.IsClosed() {
		return nil, false, ErrClosed
	}

	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache read failed")
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	var entry datatypes.CachedResponse
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("Dropping corrupt response cache entry", "key", key, "error", err)
		if delErr := c.Delete(ctx, key); delErr != nil {
			slog.Warn("Failed to drop corrupt response cache entry", "key", key, "error", delErr)
		}
		return nil, false, nil
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &entry.Response, true, nil
}

// Set stores resp under key for ttl.
func (c *BadgerCache) Set(ctx context.Context, key string, resp datatypes.AskResponse, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "BadgerCache.Set")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.db.IsClosed() {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	raw, err := json.Marshal(datatypes.CachedResponse{
		Key:       key,
		Response:  resp,
		CreatedAt: c.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(entryKey(key), raw).WithTTL(ttl))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache write failed")
		return fmt.Errorf("write cache entry: %w", err)
	}
	span.SetAttributes(attribute.Int("cache.entry_bytes", len(raw)))
	return nil
}

// Delete removes key.
func (c *BadgerCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.db.IsClosed() {
		return ErrClosed
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(key))
	})
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Purge removes every response entry and returns how many were live.
func (c *BadgerCache) Purge(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "BadgerCache.Purge")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.db.IsClosed() {
		return 0, ErrClosed
	}

	count := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("count cache entries: %w", err)
	}

	if err := c.db.DropPrefix([]byte(keyPrefix)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache purge failed")
		return 0, fmt.Errorf("purge cache: %w", err)
	}

	span.SetAttributes(attribute.Int("cache.purged", count))
	slog.Info("Response cache purged", "entries", count)
	return count, nil
}

// Close stops value log GC and closes the database. Calling Close twice is
// safe.
func (c *BadgerCache) Close() error {
	if c.db.IsClosed() {
		return nil
	}
	if c.gc != nil {
		c.gc.stop()
		c.gc = nil
	}
	return c.db.Close()
}
