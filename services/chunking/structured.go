// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunking

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Splitter turns a document body into chunk texts.
type Splitter interface {
	Split(text string) []string
}

var (
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
	pythonSeparators = []string{"\nclass ", "\ndef ", "\n\t", "\n", " ", ""}
	cStyleSeparators = []string{
		"\nfunction ", "\nclass ", "\ninterface ",
		"\npublic ", "\nprivate ", "\nprotected ",
		"\nfunc", "\ntype",
		"\n\n", "\n", " ", "",
	}
)

// Structured splits on structural separators (headings, declarations)
// before falling back to whitespace, keeping each chunk under Size runes.
type Structured struct {
	splitter textsplitter.RecursiveCharacter
}

// NewStructured builds a recursive splitter with the given separators.
func NewStructured(size, overlap int, separators []string) Structured {
	c := New(size, overlap)
	return Structured{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(c.Size),
			textsplitter.WithChunkOverlap(c.Overlap),
			textsplitter.WithSeparators(separators),
		),
	}
}

// Split returns the non-blank chunks. On splitter failure the text falls back
// to plain windows.
func (s Structured) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts, err := s.splitter.SplitText(text)
	if err != nil {
		slog.Warn("Structured split failed, using plain windows", "error", err)
		return New(s.splitter.ChunkSize, s.splitter.ChunkOverlap).Split(text)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ForDocument picks a splitter from a document's type or file name.
//
// Markdown and source code get a structure-aware splitter; everything else,
// including conversation history, uses plain overlapping windows.
func ForDocument(docType, name string, size, overlap int) Splitter {
	kind := strings.ToLower(docType)
	if kind == "" || kind == "text" || kind == "text/plain" {
		kind = strings.ToLower(filepath.Ext(name))
	}
	switch kind {
	case "markdown", "text/markdown", ".md":
		return NewStructured(size, overlap, markdownSeparators)
	case "python", "text/x-python", ".py":
		return NewStructured(size, overlap, pythonSeparators)
	case "code", ".js", ".ts", ".java", ".c", ".cpp", ".h", ".hpp", ".rs", ".go":
		return NewStructured(size, overlap, cStyleSeparators)
	default:
		return New(size, overlap)
	}
}

var (
	_ Splitter = Chunker{}
	_ Splitter = Structured{}
)
