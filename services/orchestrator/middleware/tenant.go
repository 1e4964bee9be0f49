// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header names.
const (
	HeaderTenantID      = "X-Tenant-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	tenantIDKey      = "contextengine_tenant_id"
	correlationIDKey = "contextengine_correlation_id"
)

type correlationCtxKey struct{}

// TenantID returns the tenant set by Tenant, or "".
func TenantID(c *gin.Context) string {
	return c.GetString(tenantIDKey)
}

// CorrelationID returns the id set by Correlation, or "".
func CorrelationID(c *gin.Context) string {
	return c.GetString(correlationIDKey)
}

// CorrelationFromContext returns the correlation id carried by ctx.
func CorrelationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationCtxKey{}).(string)
	return id
}

// =============================================================================
// Middleware
// =============================================================================

// Correlation echoes X-Correlation-ID, generating a uuid when the caller did
// not send one. The id is also attached to the request context.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationIDKey, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), correlationCtxKey{}, id))
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// Tenant requires X-Tenant-ID. Tenant ids may not contain ':' because they
// are embedded in cache keys.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenant == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": HeaderTenantID + " header is required"})
			return
		}
		if strings.Contains(tenant, ":") {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": HeaderTenantID + " must not contain ':'"})
			return
		}
		c.Set(tenantIDKey, tenant)
		c.Next()
	}
}

// RequestLogger logs one line per request at INFO, or WARN for 5xx.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", TenantID(c),
			"correlation_id", CorrelationID(c))
	}
}
