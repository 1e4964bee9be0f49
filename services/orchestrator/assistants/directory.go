// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistants resolves an assistant id to its persona, knowledge and
// guardrail policy.
package assistants

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/guardrails"
)

// DefaultID names the assistant used when a request does not pick one.
const DefaultID = "default"

// DefaultPersona is the persona of the built-in default assistant.
const DefaultPersona = "You are a helpful, concise customer support assistant."

// Assistant is the per-assistant configuration a turn needs.
type Assistant struct {
	ID                       string            `yaml:"id" json:"id" validate:"required"`
	TenantID                 string            `yaml:"tenant_id" json:"tenant_id"`
	Persona                  string            `yaml:"persona" json:"persona"`
	Knowledge                string            `yaml:"knowledge" json:"knowledge,omitempty"`
	Guardrails               guardrails.Policy `yaml:"guardrails" json:"guardrails"`
	EnableHistoricalInsights bool              `yaml:"enable_historical_insights" json:"enable_historical_insights"`
	Model                    string            `yaml:"model" json:"model,omitempty"`
}

// Directory resolves assistants.
type Directory interface {
	// Resolve returns a NotFoundError for an unknown assistant.
	Resolve(ctx context.Context, tenantID, assistantID string) (Assistant, error)
}

// StaticDirectory serves assistants loaded from configuration.
//
// # Description
//
// An assistant with an empty TenantID is shared by every tenant. A tenant
// specific entry wins over a shared one with the same id. The "default"
// assistant always resolves; when none is configured a built-in one with all
// guardrails enabled is returned.
type StaticDirectory struct {
	mu      sync.RWMutex
	entries map[string]Assistant
}

// NewStaticDirectory builds a directory from a list of assistants.
func NewStaticDirectory(list []Assistant) (*StaticDirectory, error) {
	d := &StaticDirectory{entries: make(map[string]Assistant, len(list))}
	for _, a := range list {
		if err := d.Put(a); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Put adds or replaces an assistant.
func (d *StaticDirectory) Put(a Assistant) error {
	if a.ID == "" {
		return extensions.Invalid("assistant.id", "is required")
	}
	key := entryKey(a.TenantID, a.ID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.entries[key]; dup {
		return fmt.Errorf("duplicate assistant %q for tenant %q", a.ID, a.TenantID)
	}
	d.entries[key] = a
	return nil
}

func entryKey(tenantID, id string) string {
	return tenantID + "/" + id
}

// Resolve implements Directory.
func (d *StaticDirectory) Resolve(ctx context.Context, tenantID, assistantID string) (Assistant, error) {
	if assistantID == "" {
		assistantID = DefaultID
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if a, ok := d.entries[entryKey(tenantID, assistantID)]; ok {
		return a, nil
	}
	if a, ok := d.entries[entryKey("", assistantID)]; ok {
		a.TenantID = tenantID
		return a, nil
	}
	if assistantID == DefaultID {
		return Default(tenantID), nil
	}
	return Assistant{}, extensions.NotFound("assistant", assistantID)
}

// Default returns the built-in assistant.
func Default(tenantID string) Assistant {
	return Assistant{
		ID:       DefaultID,
		TenantID: tenantID,
		Persona:  DefaultPersona,
		Guardrails: guardrails.Policy{
			EnableModeration:   true,
			EnableAuditLogging: true,
			EnablePIIMasking:   true,
		},
		EnableHistoricalInsights: true,
	}
}

var _ Directory = (*StaticDirectory)(nil)
