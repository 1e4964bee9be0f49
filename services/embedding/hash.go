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
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions is the vector size of the hashing model.
const DefaultHashDimensions = 256

// HashProvider is a deterministic offline model: lower-cased word tokens are
// hashed into buckets with a signed weight, then the vector is L2-normalized.
// Texts sharing words get positive cosine similarity.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hashing model. dims <= 0 uses DefaultHashDimensions.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashProvider{dims: dims}
}

// Embed never fails unless ctx is already done.
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.vector(text)
	}
	return out, nil
}

func (p *HashProvider) vector(text string) []float32 {
	vec := make([]float32, p.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(p.dims))
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Dimensions returns the vector size.
func (p *HashProvider) Dimensions() int { return p.dims }

// Name returns the model label.
func (p *HashProvider) Name() string { return "hash" }

var _ Provider = (*HashProvider)(nil)
