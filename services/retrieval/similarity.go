// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is a zero vector or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank sorts hits by descending similarity, drops those below threshold and
// truncates to topK. Ties keep chunk id order so results are stable.
func rank(hits []ScoredChunk, topK int, threshold float64) []ScoredChunk {
	kept := hits[:0]
	for _, h := range hits {
		if h.Similarity >= threshold {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		return kept[i].ChunkID < kept[j].ChunkID
	})
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}
