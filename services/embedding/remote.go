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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// defaultRemoteDimensions is the output size of text-embedding-3-small.
const defaultRemoteDimensions = 1536

// RemoteProvider calls the OpenAI embeddings API.
type RemoteProvider struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	dims    int
	timeout time.Duration
}

// NewRemoteProvider creates an OpenAI embedding client.
func NewRemoteProvider(cfg Config) (*RemoteProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key not set")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := openai.SmallEmbedding3
	if cfg.Model != "" {
		model = openai.EmbeddingModel(cfg.Model)
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultRemoteDimensions
	}
	slog.Info("Initializing remote embedding provider", "model", model, "dimensions", dims)
	return &RemoteProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		dims:    dims,
		timeout: timeoutOrDefault(cfg.Timeout),
	}, nil
}

// Embed sends all texts in one request and reorders results by index.
func (p *RemoteProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "RemoteProvider.Embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.model", string(p.model)),
		attribute.Int("embedding.batch_size", len(texts)),
	)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dims,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, extensions.Unavailable("embedding", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, extensions.Unavailable("embedding", fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	if err := checkVectors(vectors, len(texts), p.dims); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vectors, nil
}

// Dimensions returns the configured output size.
func (p *RemoteProvider) Dimensions() int { return p.dims }

// Name returns the model id.
func (p *RemoteProvider) Name() string { return string(p.model) }

var _ Provider = (*RemoteProvider)(nil)
