// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command contextengine runs the conversational context engine.
//
// # Usage
//
//	# Serve HTTP, the history indexer and (when enabled) the event consumer
//	contextengine serve --config contextengine.yaml
//
//	# Run one history indexing cycle against the configured stores
//	contextengine reindex --config contextengine.yaml --force
//
//	# Print the effective configuration with secrets masked
//	contextengine config --config contextengine.yaml
//
// # Environment Variables
//
//   - CE_PORT, CE_GIN_MODE, CE_LOG_LEVEL, CE_API_TOKENS
//   - CE_MEMORY_BACKEND, CE_REDIS_ADDR, CE_REDIS_PASSWORD, CE_BADGER_PATH
//   - CE_RETRIEVAL_BACKEND, CE_WEAVIATE_URL, CE_POSTGRES_DSN
//   - CE_EMBEDDING_PROVIDER, CE_EMBEDDING_URL, CE_EMBEDDING_MODEL
//   - CE_COMPLETION_BACKEND, CE_COMPLETION_MODEL, CE_COMPLETION_URL
//   - CE_KAFKA_BROKERS, OPENAI_API_KEY, OTEL_EXPORTER_OTLP_ENDPOINT
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
