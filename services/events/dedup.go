// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultDedupWindow is how long a message id is remembered.
const DefaultDedupWindow = time.Hour

// Deduplicator remembers message ids for a retention window.
type Deduplicator interface {
	// Seen records id and reports whether it was already recorded within the
	// window.
	Seen(ctx context.Context, id string) (bool, error)
	// Release forgets id so a failed message can be processed again.
	Release(ctx context.Context, id string) error
}

// RedisDeduplicator uses SETNX with the window as TTL, so every consumer
// instance shares one view.
type RedisDeduplicator struct {
	rdb    goredis.Cmdable
	window time.Duration
	prefix string
}

// NewRedisDeduplicator creates a deduplicator on rdb.
func NewRedisDeduplicator(rdb goredis.Cmdable, window time.Duration) *RedisDeduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &RedisDeduplicator{rdb: rdb, window: window, prefix: "dedup:message:"}
}

func (d *RedisDeduplicator) Seen(ctx context.Context, id string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, d.prefix+id, time.Now().UTC().Unix(), d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !set, nil
}

func (d *RedisDeduplicator) Release(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, d.prefix+id).Err()
}

// MemoryDeduplicator is a process-local expiring set.
type MemoryDeduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
	calls  int
}

// NewMemoryDeduplicator creates an in-process deduplicator.
func NewMemoryDeduplicator(window time.Duration) *MemoryDeduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &MemoryDeduplicator{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func (d *MemoryDeduplicator) Seen(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.calls++
	if d.calls%256 == 0 {
		for k, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, k)
			}
		}
	}

	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[id] = now.Add(d.window)
	return false, nil
}

func (d *MemoryDeduplicator) Release(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

var (
	_ Deduplicator = (*RedisDeduplicator)(nil)
	_ Deduplicator = (*MemoryDeduplicator)(nil)
)
