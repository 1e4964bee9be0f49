// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistants

import (
	"context"
	"testing"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/guardrails"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory_Resolve(t *testing.T) {
	dir, err := NewStaticDirectory([]Assistant{
		{ID: "support", Persona: "shared support"},
		{ID: "support", TenantID: "acme", Persona: "acme support", Guardrails: guardrails.Policy{HardRules: []string{"no pricing"}}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name        string
		tenant      string
		assistant   string
		wantPersona string
		wantErr     bool
	}{
		{name: "tenant specific wins", tenant: "acme", assistant: "support", wantPersona: "acme support"},
		{name: "shared entry", tenant: "globex", assistant: "support", wantPersona: "shared support"},
		{name: "empty id uses default", tenant: "acme", assistant: "", wantPersona: DefaultPersona},
		{name: "built-in default", tenant: "acme", assistant: DefaultID, wantPersona: DefaultPersona},
		{name: "unknown", tenant: "acme", assistant: "sales", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := dir.Resolve(ctx, tc.tenant, tc.assistant)
			if tc.wantErr {
				assert.True(t, extensions.IsNotFound(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantPersona, a.Persona)
			assert.Equal(t, tc.tenant, a.TenantID)
		})
	}
}

func TestStaticDirectory_Errors(t *testing.T) {
	_, err := NewStaticDirectory([]Assistant{{ID: ""}})
	assert.True(t, extensions.IsValidationError(err))

	_, err = NewStaticDirectory([]Assistant{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestDefault_EnablesGuardrails(t *testing.T) {
	a := Default("acme")
	assert.True(t, a.Guardrails.EnableModeration)
	assert.True(t, a.Guardrails.EnableAuditLogging)
	assert.True(t, a.Guardrails.EnablePIIMasking)
	assert.Empty(t, a.Guardrails.HardRules)
}
