// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the extension points of the context engine.
//
// Components that emit compliance data or share the error taxonomy depend on
// this package instead of on each other. Concrete sinks (Kafka, slog) live in
// the packages that own the transport; this package only carries the
// contracts, the no-op defaults and small composition helpers.
//
// # Extension Categories
//
//   - audit.go: Policy decision audit trail (AuditLogger)
//   - errors.go: Error taxonomy shared across the engine
//
// # Usage
//
//	opts := extensions.DefaultOptions()
//	opts = opts.WithAudit(extensions.NewMultiAuditLogger(slogSink, kafkaSink))
//	svc, err := orchestrator.New(ctx, cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are replaced with no-op defaults
// when DefaultOptions() is called or when services check for nil.
type ServiceOptions struct {
	// AuditLogger records guardrail decisions.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger: &NopAuditLogger{},
	}
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize replaces nil fields with their no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	return opts
}
