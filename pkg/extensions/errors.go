// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// PolicyViolation       - hard rule or moderation block. Surfaced as a fixed
//                         refusal, always audited.
// DependencyUnavailable - timeout or connection failure of a backing service.
//                         Recovered locally with a deterministic fallback.
// ValidationError       - malformed input. Rejected before any side effect.
// NotFound              - unknown conversation, document or assistant.

// PolicyViolationError is returned when text is blocked by the guardrails.
type PolicyViolationError struct {
	Reason     string
	Categories []string
}

// Error implements the error interface.
func (e *PolicyViolationError) Error() string {
	if len(e.Categories) == 0 {
		return "policy violation: " + e.Reason
	}
	return fmt.Sprintf("policy violation: %s [%s]", e.Reason, strings.Join(e.Categories, ","))
}

// IsPolicyViolation reports whether err (or anything it wraps) is a
// PolicyViolationError.
func IsPolicyViolation(err error) bool {
	var target *PolicyViolationError
	return errors.As(err, &target)
}

// DependencyUnavailableError wraps a failure of an external collaborator.
//
// Dependency names used across the engine: "kv_store", "embedding",
// "moderation", "completion", "vector_store", "event_bus".
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

// Error implements the error interface.
func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *DependencyUnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a DependencyUnavailableError. Returns nil for a
// nil err.
func Unavailable(dependency string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyUnavailableError{Dependency: dependency, Err: err}
}

// IsDependencyUnavailable reports whether err is a DependencyUnavailableError.
func IsDependencyUnavailable(err error) bool {
	var target *DependencyUnavailableError
	return errors.As(err, &target)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// NotFoundError reports an unknown resource.
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
