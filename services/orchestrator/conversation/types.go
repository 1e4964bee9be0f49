// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation is the per-conversation memory cache: an ordered turn
// log with a sliding TTL, a bounded context window and a rolling summary.
//
// Records live in an external TTL key-value store. When that store fails the
// cache switches, once and for the rest of the process, to an in-memory store
// with local TTL sweeping.
package conversation

import (
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("contextengine.conversation")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// KeyPrefix prefixes every conversation key.
const KeyPrefix = "session:"

// Turn is one message in a conversation.
type Turn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Record is the persisted form of a conversation.
type Record struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Turns          []Turn `json:"turns"`
	Summary        string `json:"summary,omitempty"`
	// SummarizedThrough is the number of leading turns folded into Summary.
	SummarizedThrough int       `json:"summarized_through,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Context is the bounded view handed to prompt assembly.
type Context struct {
	Turns      []Turn `json:"turns"`
	Summary    string `json:"summary,omitempty"`
	TotalTurns int    `json:"total_turns"`
	HasHistory bool   `json:"has_history"`
}

// Ref identifies a stored conversation.
type Ref struct {
	TenantID       string
	ConversationID string
}

// Config tunes the cache.
type Config struct {
	TTL                time.Duration `yaml:"conv_ttl" validate:"gte=0"`
	MaxContextTurns    int           `yaml:"max_context_turns" validate:"gte=0"`
	SummarizeThreshold int           `yaml:"summarize_threshold" validate:"gte=0"`
	ResummarizeEvery   int           `yaml:"resummarize_every" validate:"gte=0"`
	SummaryTimeout     time.Duration `yaml:"summary_timeout" validate:"gte=0"`
	StoreTimeout       time.Duration `yaml:"store_timeout" validate:"gte=0"`
	SweepInterval      time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		TTL:                600 * time.Second,
		MaxContextTurns:    10,
		SummarizeThreshold: 20,
		ResummarizeEvery:   10,
		SummaryTimeout:     5 * time.Second,
		StoreTimeout:       2 * time.Second,
		SweepInterval:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxContextTurns <= 0 {
		c.MaxContextTurns = d.MaxContextTurns
	}
	if c.SummarizeThreshold <= 0 {
		c.SummarizeThreshold = d.SummarizeThreshold
	}
	if c.ResummarizeEvery <= 0 {
		c.ResummarizeEvery = d.ResummarizeEvery
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = d.SummaryTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Key returns the store key of a conversation.
func Key(tenantID, conversationID string) string {
	return KeyPrefix + tenantID + ":" + conversationID
}

// ParseKey splits a key produced by Key. Tenant ids never contain ':'.
func ParseKey(key string) (Ref, bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return Ref{}, false
	}
	tenant, conv, ok := strings.Cut(rest, ":")
	if !ok || tenant == "" || conv == "" {
		return Ref{}, false
	}
	return Ref{TenantID: tenant, ConversationID: conv}, true
}

// ErrKeyNotFound is returned by KVStore.Get for a missing or expired key.
var ErrKeyNotFound = errors.New("key not found")

// ErrConflict is returned by KVStore.Update when optimistic retries ran out.
var ErrConflict = errors.New("concurrent update conflict")
