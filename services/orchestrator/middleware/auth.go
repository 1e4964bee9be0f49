// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware of the management surface.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	Correlation ──► echo or generate X-Correlation-ID
//	   │
//	   ▼
//	TokenAuth ──► optional static bearer tokens
//	   │
//	   ▼
//	Tenant ──► require X-Tenant-ID on /v1
//	   │
//	   ▼
//	Handler (reads TenantID / CorrelationID)
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenAuth rejects requests whose bearer token is not one of tokens.
//
// # Description
//
// With no tokens configured every request passes, which is the local
// development default. Comparison is constant time.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func TokenAuth(tokens []string) gin.HandlerFunc {
	var allowed [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			allowed = append(allowed, []byte(t))
		}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		token := []byte(extractBearerToken(c))
		for _, a := range allowed {
			if subtle.ConstantTimeCompare(token, a) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// extractBearerToken extracts the token from the Authorization header.
//
// # Description
//
// Parses the Authorization header expecting format: "Bearer <token>"
// Returns empty string if header is missing or malformed.
// The "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
