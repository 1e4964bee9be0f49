// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReindexRequest is the body of POST /v1/history/reindex.
type ReindexRequest struct {
	Force bool `json:"force"`
}

// HandleReindex runs one history indexing cycle and returns its result. An
// empty body means force=false.
func HandleReindex(ix Reindexer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReindexRequest
		if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
			return
		}
		res, err := ix.RunNow(c.Request.Context(), req.Force)
		if err != nil {
			respondError(c, "reindex", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"scanned":        res.Scanned,
			"indexed":        res.Indexed,
			"skipped":        res.Skipped,
			"chunks_indexed": res.ChunksIndexed,
			"errors":         res.Errors,
			"duration_ms":    res.Duration().Milliseconds(),
			"forced":         req.Force,
		})
	}
}

// HealthCheck reports liveness and the memory backend in use. Running on the
// fallback backend is still healthy.
func HealthCheck(store ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if store != nil {
			body["memory_backend"] = string(store.Mode())
		}
		c.JSON(http.StatusOK, body)
	}
}
