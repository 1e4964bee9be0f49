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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BatchEmbeddingRequest is the body sent to the local embedding service.
type BatchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

// BatchEmbeddingResponse is the local embedding service's reply.
type BatchEmbeddingResponse struct {
	Id        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
}

// LocalProvider calls a self-hosted embedding service over HTTP.
type LocalProvider struct {
	httpClient *http.Client
	url        string
	model      string
	dims       int
}

// NewLocalProvider creates a client for POST {BaseURL}/batch_embed.
func NewLocalProvider(cfg Config) (*LocalProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("local embedding service URL not set")
	}
	model := cfg.Model
	if model == "" {
		model = "local"
	}
	slog.Info("Initializing local embedding provider", "url", cfg.BaseURL, "model", model)
	return &LocalProvider{
		httpClient: &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)},
		url:        strings.TrimRight(cfg.BaseURL, "/") + "/batch_embed",
		model:      model,
		dims:       cfg.Dimensions,
	}, nil
}

// Embed posts the batch and validates the response.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "LocalProvider.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.batch_size", len(texts)))

	fail := func(err error) ([][]float32, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, extensions.Unavailable("embedding", err)
	}

	body, err := json.Marshal(BatchEmbeddingRequest{Texts: texts})
	if err != nil {
		return fail(fmt.Errorf("failed to marshal batch embed request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create embedding request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("failed to call /batch_embed endpoint: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("failed to read /batch_embed response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("/batch_embed returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	var batch BatchEmbeddingResponse
	if err := json.Unmarshal(respBody, &batch); err != nil {
		return fail(fmt.Errorf("failed to decode batch embed response: %w", err))
	}
	slog.Debug("Local embedding batch complete", "count", len(batch.Vectors), "duration", time.Since(start))

	dims := p.dims
	if dims <= 0 {
		dims = batch.Dim
	}
	if err := checkVectors(batch.Vectors, len(texts), dims); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return batch.Vectors, nil
}

// Dimensions returns the configured size, or 0 when it is learned from the
// service.
func (p *LocalProvider) Dimensions() int { return p.dims }

// Name returns the model label.
func (p *LocalProvider) Name() string { return p.model }

var _ Provider = (*LocalProvider)(nil)
