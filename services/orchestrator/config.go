// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ContextEngine/services/embedding"
	"github.com/AleutianAI/ContextEngine/services/events"
	"github.com/AleutianAI/ContextEngine/services/llm"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/assistants"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/indexer"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/services"
	"github.com/AleutianAI/ContextEngine/services/retrieval"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendWeaviate = "weaviate"
	BackendPgvector = "pgvector"
)

// Config holds everything the service needs at startup.
//
// # Description
//
// Loaded from YAML by LoadConfig, then overridden by environment variables,
// then completed by applyConfigDefaults. Zero values are never an error; they
// select the offline defaults (in-memory stores, hashing embedder, stub
// completion).
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Memory     MemoryConfig           `yaml:"memory"`
	Retrieval  RetrievalConfig        `yaml:"retrieval"`
	Embedding  embedding.Config       `yaml:"embedding"`
	Moderation ModerationConfig       `yaml:"moderation"`
	Completion llm.Config             `yaml:"completion"`
	Turn       services.TurnConfig    `yaml:"turn"`
	Indexer    IndexerConfig          `yaml:"indexer"`
	Events     EventsConfig           `yaml:"events"`
	Assistants []assistants.Assistant `yaml:"assistants" validate:"dive"`
}

// ServerConfig configures the HTTP surface and telemetry.
type ServerConfig struct {
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
	// LogLevel is read by the CLI.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing export.
	OTelEndpoint    string        `yaml:"otel_endpoint"`
	DisableMetrics  bool          `yaml:"disable_metrics"`
	APITokens       []string      `yaml:"api_tokens"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// MemoryConfig selects the conversation store.
type MemoryConfig struct {
	Backend             string                    `yaml:"backend" validate:"omitempty,oneof=redis badger memory"`
	Redis               conversation.RedisConfig  `yaml:"redis"`
	Badger              conversation.BadgerConfig `yaml:"badger"`
	conversation.Config `yaml:",inline"`
}

// RetrievalConfig selects the vector store.
type RetrievalConfig struct {
	Backend          string `yaml:"backend" validate:"omitempty,oneof=memory weaviate pgvector"`
	WeaviateURL      string `yaml:"weaviate_url" validate:"required_if=Backend weaviate"`
	PostgresDSN      string `yaml:"postgres_dsn" validate:"required_if=Backend pgvector"`
	retrieval.Config `yaml:",inline"`
}

// ModerationConfig configures the moderation client.
type ModerationConfig struct {
	Enabled bool          `yaml:"enabled"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// IndexerConfig configures the history indexer.
type IndexerConfig struct {
	indexer.Config `yaml:",inline"`
	// MinAge is how long a conversation must be idle before it is indexed.
	MinAge time.Duration `yaml:"min_age" validate:"gte=0"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Enabled            bool `yaml:"enabled"`
	events.KafkaConfig `yaml:",inline"`
	// ConsumeInbound processes conversation.message_received events.
	ConsumeInbound bool          `yaml:"consume_inbound"`
	DedupWindow    time.Duration `yaml:"dedup_window" validate:"gte=0"`
	RatePerSecond  float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst          int           `yaml:"burst" validate:"gte=0"`
}

// DefaultIndexerMinAge is the idle time before a conversation is indexed. It
// stays well under the default memory TTL of 600s.
const DefaultIndexerMinAge = 2 * time.Minute

// applyConfigDefaults fills zero values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 12210
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = "release"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = BackendMemory
	}
	if cfg.Memory.TTL == 0 {
		cfg.Memory.TTL = conversation.DefaultConfig().TTL
	}
	if cfg.Retrieval.Backend == "" {
		cfg.Retrieval.Backend = BackendMemory
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = embedding.DefaultTimeout
	}
	if cfg.Moderation.Timeout == 0 {
		cfg.Moderation.Timeout = 2 * time.Second
	}
	if cfg.Completion.Backend == "" {
		cfg.Completion.Backend = "stub"
	}
	if cfg.Completion.Timeout == 0 {
		cfg.Completion.Timeout = 5 * time.Second
	}

	if cfg.Indexer.Interval == 0 {
		cfg.Indexer.Interval = indexer.DefaultConfig().Interval
	}
	if cfg.Indexer.MinAge == 0 {
		cfg.Indexer.MinAge = DefaultIndexerMinAge
	}
	cfg.Retrieval.HistoryMinAge = cfg.Indexer.MinAge

	if cfg.Events.ClientID == "" {
		cfg.Events.ClientID = ServiceName
	}
	if cfg.Events.GroupID == "" {
		cfg.Events.GroupID = ServiceName
	}
	if cfg.Events.DedupWindow == 0 {
		cfg.Events.DedupWindow = time.Hour
	}
	return cfg
}

// applyEnvOverrides copies set environment variables over cfg.
func applyEnvOverrides(cfg Config, getenv func(string) string) (Config, error) {
	str := func(key string, dst *string) {
		if v := strings.Trim(getenv(key), "\"' "); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	if v := strings.TrimSpace(getenv("CE_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("CE_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	str("CE_GIN_MODE", &cfg.Server.GinMode)
	str("CE_LOG_LEVEL", &cfg.Server.LogLevel)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Server.OTelEndpoint)
	list("CE_API_TOKENS", &cfg.Server.APITokens)

	str("CE_MEMORY_BACKEND", &cfg.Memory.Backend)
	str("CE_REDIS_ADDR", &cfg.Memory.Redis.Addr)
	str("CE_REDIS_PASSWORD", &cfg.Memory.Redis.Password)
	str("CE_BADGER_PATH", &cfg.Memory.Badger.Path)

	str("CE_RETRIEVAL_BACKEND", &cfg.Retrieval.Backend)
	str("WEAVIATE_SERVICE_URL", &cfg.Retrieval.WeaviateURL)
	str("CE_WEAVIATE_URL", &cfg.Retrieval.WeaviateURL)
	str("CE_POSTGRES_DSN", &cfg.Retrieval.PostgresDSN)

	if v := strings.TrimSpace(getenv("CE_EMBEDDING_PROVIDER")); v != "" {
		cfg.Embedding.Kind = embedding.Kind(v)
	}
	str("CE_EMBEDDING_URL", &cfg.Embedding.BaseURL)
	str("CE_EMBEDDING_MODEL", &cfg.Embedding.Model)

	str("CE_COMPLETION_BACKEND", &cfg.Completion.Backend)
	str("CE_COMPLETION_MODEL", &cfg.Completion.Model)
	str("CE_COMPLETION_URL", &cfg.Completion.BaseURL)

	if strings.TrimSpace(getenv("CE_KAFKA_BROKERS")) != "" {
		list("CE_KAFKA_BROKERS", &cfg.Events.Brokers)
		cfg.Events.Enabled = true
	}

	// One OpenAI key serves every OpenAI-backed component that has none.
	if key := strings.TrimSpace(getenv("OPENAI_API_KEY")); key != "" {
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = key
		}
		if cfg.Completion.APIKey == "" {
			cfg.Completion.APIKey = key
		}
		if cfg.Moderation.APIKey == "" {
			cfg.Moderation.APIKey = key
		}
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-section rules tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	switch c.Memory.Backend {
	case BackendRedis:
		if c.Memory.Redis.Addr == "" {
			errs = append(errs, errors.New("memory.redis.addr is required for the redis backend"))
		}
	case BackendBadger:
		if c.Memory.Badger.Path == "" && !c.Memory.Badger.InMemory {
			errs = append(errs, errors.New("memory.badger.path is required for the badger backend"))
		}
	}
	// A conversation must become indexable before it expires from memory.
	if !c.Indexer.Disabled && c.Memory.TTL > 0 && c.Indexer.MinAge >= c.Memory.TTL {
		errs = append(errs, fmt.Errorf("indexer.min_age (%s) must be shorter than memory.conv_ttl (%s)",
			c.Indexer.MinAge, c.Memory.TTL))
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.brokers is required when events are enabled"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads path (optional), applies environment overrides and
// defaults, and validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = ParseConfig(raw); err != nil {
			return Config{}, err
		}
	}
	cfg, err := applyEnvOverrides(cfg, os.Getenv)
	if err != nil {
		return Config{}, err
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig decodes YAML. Unknown keys are rejected.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
