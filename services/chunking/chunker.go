// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunking splits text into overlapping fixed-size windows.
package chunking

import (
	"strings"
	"unicode"
)

// Default window parameters, in runes.
const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// Chunker splits text into windows of Size runes, consecutive windows
// sharing Overlap runes.
//
// # Thread Safety
//
// Chunker is a value type with no state; safe for concurrent use.
type Chunker struct {
	Size    int
	Overlap int
}

// New returns a chunker with the overlap clamped to [0, size-1]. A
// non-positive size uses DefaultSize.
func New(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Split cuts text into windows.
//
// # Description
//
// Empty or whitespace-only text yields no chunks. Text no longer than Size
// yields a single trimmed chunk. Otherwise a window ends on the last
// whitespace in its final tenth when there is one, so prose is not cut
// mid-word; the next window starts Overlap runes before that end.
func (c Chunker) Split(text string) []string {
	c = New(c.Size, c.Overlap)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.Size {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + c.Size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = c.softEnd(runes, start, end)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - c.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// softEnd moves a window end back to a whitespace boundary found within the
// final tenth of the window.
func (c Chunker) softEnd(runes []rune, start, end int) int {
	slack := c.Size / 10
	for i := end; i > end-slack && i > start+c.Overlap; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return end
}
