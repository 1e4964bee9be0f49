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
	"time"
)

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store.
type UpdateFunc func(current []byte) ([]byte, error)

// KVStore is a TTL key-value store.
//
// # Description
//
// Update is the single-key read-modify-write primitive that serializes
// concurrent appends to the same conversation. The write it performs sets the
// value and its TTL together.
type KVStore interface {
	// Get returns ErrKeyNotFound for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	// Scan returns every live key with the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
