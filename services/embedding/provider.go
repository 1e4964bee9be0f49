// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding turns text into fixed-dimension vectors.
//
// Two strategies are selectable at construction: a remote API (OpenAI
// embeddings) and a local model (an HTTP embedding service, or the built-in
// hashing model). Lazy defers construction to first use.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("contextengine.embedding")

// ErrDimensionMismatch is returned when a vector does not have the expected
// number of entries.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// DefaultTimeout bounds a single embedding call.
const DefaultTimeout = 3 * time.Second

// Kind selects the embedding strategy.
type Kind string

const (
	KindRemote Kind = "remote"
	KindLocal  Kind = "local"
	KindHash   Kind = "hash"
)

// Provider produces embeddings.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the length of every returned vector.
	Dimensions() int
	// Name identifies the model for logs and metadata.
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Kind       Kind          `yaml:"provider" validate:"omitempty,oneof=remote local hash"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout"`
}

// New builds the provider named by cfg.Kind. An empty kind uses the hashing
// model.
func New(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case KindRemote:
		return NewRemoteProvider(cfg)
	case KindLocal:
		return NewLocalProvider(cfg)
	case KindHash, "":
		return NewHashProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Kind)
	}
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vectors, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vectors))
	}
	return vectors[0], nil
}

// checkVectors verifies count and dimensionality of a provider response.
func checkVectors(vectors [][]float32, want, dims int) error {
	if len(vectors) != want {
		return extensions.Unavailable("embedding",
			fmt.Errorf("expected %d embeddings, got %d", want, len(vectors)))
	}
	if dims <= 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("%w: vector %d has %d entries, want %d", ErrDimensionMismatch, i, len(v), dims)
		}
	}
	return nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
