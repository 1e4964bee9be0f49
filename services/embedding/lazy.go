// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"sync"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"golang.org/x/sync/singleflight"
)

// BuildFunc constructs a provider.
type BuildFunc func(ctx context.Context) (Provider, error)

// Lazy builds its provider on first use and caches it.
//
// # Description
//
// Concurrent first calls share a single build. A failed build is not cached;
// the next call tries again.
//
// # Thread Safety
//
// Safe for concurrent use.
type Lazy struct {
	build BuildFunc
	group singleflight.Group

	mu       sync.RWMutex
	provider Provider
}

// NewLazy wraps build.
func NewLazy(build BuildFunc) *Lazy {
	return &Lazy{build: build}
}

// NewLazyFromConfig defers New(cfg) until first use.
func NewLazyFromConfig(cfg Config) *Lazy {
	return NewLazy(func(ctx context.Context) (Provider, error) {
		return New(cfg)
	})
}

func (l *Lazy) get(ctx context.Context) (Provider, error) {
	l.mu.RLock()
	p := l.provider
	l.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	v, err, _ := l.group.Do("provider", func() (any, error) {
		l.mu.RLock()
		existing := l.provider
		l.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		built, err := l.build(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.provider = built
		l.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, extensions.Unavailable("embedding", err)
	}
	return v.(Provider), nil
}

// Embed builds the provider if needed, then delegates.
func (l *Lazy) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Embed(ctx, texts)
}

// Dimensions returns 0 when the provider cannot be built.
func (l *Lazy) Dimensions() int {
	p, err := l.get(context.Background())
	if err != nil {
		return 0
	}
	return p.Dimensions()
}

// Name returns the underlying model label, or "unavailable".
func (l *Lazy) Name() string {
	p, err := l.get(context.Background())
	if err != nil {
		return "unavailable"
	}
	return p.Name()
}

var _ Provider = (*Lazy)(nil)
