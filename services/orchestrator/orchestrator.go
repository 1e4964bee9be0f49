// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the context engine: conversation memory,
// guardrails, retrieval, the turn orchestrator, the history indexer, the
// event bus and the management HTTP surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/AleutianAI/ContextEngine/services/embedding"
	"github.com/AleutianAI/ContextEngine/services/events"
	"github.com/AleutianAI/ContextEngine/services/guardrails"
	"github.com/AleutianAI/ContextEngine/services/llm"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/assistants"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/indexer"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/middleware"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/observability"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/routes"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/services"
	"github.com/AleutianAI/ContextEngine/services/policy_engine"
	"github.com/AleutianAI/ContextEngine/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName labels traces, the Kafka client and the consumer group.
const ServiceName = "contextengine"

// =============================================================================
// Service Interface
// =============================================================================

// Service is a fully wired context engine.
type Service interface {
	// Run serves HTTP, runs the indexer and the event consumer until ctx is
	// cancelled, then shuts the HTTP server down gracefully.
	Run(ctx context.Context) error

	// Router returns the gin engine, for tests and embedding.
	Router() *gin.Engine

	// Reindex runs one history indexing cycle.
	Reindex(ctx context.Context, force bool) (indexer.RunResult, error)

	// Close releases every backend. Safe to call once after Run returns.
	Close() error
}

// =============================================================================
// Service Implementation
// =============================================================================

type service struct {
	cfg     Config
	router  *gin.Engine
	metrics *observability.Metrics

	cache     *conversation.Cache
	docs      *retrieval.Service
	turns     *services.TurnService
	indexer   *indexer.Indexer
	publisher events.Publisher
	consumer  *events.Consumer

	// closers run in reverse order in Close.
	closers []func() error
}

// New creates the service from cfg.
//
// # Description
//
// Builds the components in dependency order: telemetry, metrics, the
// conversation store and cache, the policy engine and guardrails, the
// embedding provider and vector store, the completion client, the event bus,
// the turn orchestrator, the indexer and finally the router. Nothing is
// started; call Run.
//
// Backends that are unreachable at startup do not fail New when the
// component has a degraded mode: the memory cache falls back to the
// in-process store, the embedding provider is built lazily. Misconfiguration
// does fail New.
//
// # Inputs
//
//   - ctx: Bounds startup probes.
//   - cfg: Configuration. Defaults are applied here too.
//   - opts: Extension points. Nil uses no-op defaults.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil when a component cannot be built. Everything built so
//     far is closed.
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var actualOpts extensions.ServiceOptions
	if opts != nil {
		actualOpts = opts.Normalize()
	} else {
		actualOpts = extensions.DefaultOptions()
	}

	s := &service{cfg: cfg}
	if err := s.init(ctx, actualOpts); err != nil {
		if cerr := s.Close(); cerr != nil {
			slog.Warn("Cleanup after failed startup", "error", cerr)
		}
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context, opts extensions.ServiceOptions) error {
	cfg := s.cfg

	shutdownTracer, err := initTracer(ctx, cfg.Server.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	s.onClose(func() error { shutdownTracer(context.Background()); return nil })

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(registry)

	// Conversation memory.
	primary, redisClient, err := s.initKVStore()
	if err != nil {
		return err
	}
	completionClient, err := llm.NewClient(cfg.Completion)
	if err != nil {
		return fmt.Errorf("init completion client: %w", err)
	}
	var summarizer conversation.Summarizer
	if cfg.Completion.Backend != "stub" {
		summarizer = conversation.NewLLMSummarizer(completionClient, cfg.Memory.SummaryTimeout)
	}
	s.cache = conversation.NewCache(ctx, primary, summarizer, cfg.Memory.Config,
		conversation.WithDegradeHook(func() {
			s.metrics.ObserveMemoryMode(conversation.ModeFallback)
		}))
	s.onClose(s.cache.Close)
	if s.cache.Mode() == conversation.ModePrimary {
		s.metrics.ObserveMemoryMode(conversation.ModePrimary)
	}

	// Event bus. The publisher is needed by the audit sink and the turn
	// service; the consumer is wired after the turn service exists.
	s.publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		pub, err := events.NewKafkaPublisher(cfg.Events.KafkaConfig, s.metrics)
		if err != nil {
			return fmt.Errorf("init event publisher: %w", err)
		}
		s.publisher = pub
		s.onClose(pub.Close)
	}

	// Guardrails.
	guard, err := s.initGuardrails(opts)
	if err != nil {
		return err
	}

	// Retrieval.
	embedder := embedding.NewLazyFromConfig(cfg.Embedding)
	store, err := s.initVectorStore(ctx, embedder)
	if err != nil {
		return err
	}
	s.docs = retrieval.NewService(store, embedder, cfg.Retrieval.Config)

	// Turns.
	directory, err := assistants.NewStaticDirectory(cfg.Assistants)
	if err != nil {
		return fmt.Errorf("init assistant directory: %w", err)
	}
	turnOpts := []services.TurnOption{services.WithTurnObserver(s.metrics)}
	modelOpts, err := modelCompleters(cfg)
	if err != nil {
		return err
	}
	turnOpts = append(turnOpts, modelOpts...)
	completer := llm.NewBoundedCompleter(completionClient, cfg.Completion.Timeout, llm.GenerationParams{})
	s.turns, err = services.NewTurnService(directory, s.cache, s.docs, guard, completer, s.publisher, cfg.Turn, turnOpts...)
	if err != nil {
		return fmt.Errorf("init turn service: %w", err)
	}

	if cfg.Events.Enabled && cfg.Events.ConsumeInbound {
		if err := s.initConsumer(redisClient); err != nil {
			return err
		}
	}

	s.indexer = indexer.New(s.cache, s.docs, s.metrics, cfg.Indexer.Config)
	s.onClose(s.indexer.Stop)

	s.router = s.initRouter(registry)
	slog.Info("Context engine initialized",
		"memory_backend", cfg.Memory.Backend,
		"memory_mode", s.cache.Mode(),
		"retrieval_backend", cfg.Retrieval.Backend,
		"embedding_provider", cfg.Embedding.Kind,
		"completion_backend", cfg.Completion.Backend,
		"events", cfg.Events.Enabled)
	return nil
}

func (s *service) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// =============================================================================
// Initialization Helpers
// =============================================================================

// initTracer installs the OTLP gRPC exporter. An empty endpoint installs
// only the propagators.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))
	if endpoint == "" {
		slog.Info("OTel endpoint not set, trace export disabled")
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// initKVStore builds the primary conversation store. The memory backend has
// no primary; the cache runs on its in-process store.
func (s *service) initKVStore() (conversation.KVStore, *goredis.Client, error) {
	switch s.cfg.Memory.Backend {
	case BackendRedis:
		client := conversation.NewRedisClient(s.cfg.Memory.Redis)
		return conversation.NewRedisStore(client), client, nil
	case BackendBadger:
		store, err := conversation.OpenBadgerStore(s.cfg.Memory.Badger)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return store, nil, nil
	default:
		return nil, nil, nil
	}
}

func (s *service) initGuardrails(opts extensions.ServiceOptions) (*guardrails.Service, error) {
	engine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		return nil, fmt.Errorf("init policy engine: %w", err)
	}

	var moderator guardrails.Moderator
	if s.cfg.Moderation.Enabled {
		m, err := guardrails.NewOpenAIModerator(guardrails.OpenAIModeratorConfig{
			APIKey:  s.cfg.Moderation.APIKey,
			BaseURL: s.cfg.Moderation.BaseURL,
			Model:   s.cfg.Moderation.Model,
		})
		if err != nil {
			// Moderation fails open; hard rules and the catalogue still apply.
			slog.Warn("Moderation disabled", "error", err)
		} else {
			moderator = m
		}
	}

	sinks := []extensions.AuditLogger{guardrails.NewSlogAuditLogger(slog.Default()), opts.AuditLogger}
	if s.cfg.Events.Enabled {
		sinks = append(sinks, events.NewAuditPublisher(s.publisher, ServiceName))
	}
	guard, err := guardrails.NewService(
		guardrails.Config{ModerationTimeout: s.cfg.Moderation.Timeout},
		engine, moderator, extensions.NewMultiAuditLogger(sinks...))
	if err != nil {
		return nil, fmt.Errorf("init guardrails: %w", err)
	}
	return guard, nil
}

func (s *service) initVectorStore(ctx context.Context, embedder embedding.Provider) (retrieval.Store, error) {
	switch s.cfg.Retrieval.Backend {
	case BackendWeaviate:
		client, err := initWeaviate(s.cfg.Retrieval.WeaviateURL)
		if err != nil {
			return nil, err
		}
		store := retrieval.NewWeaviateStore(client)
		if err := store.EnsureSchema(ctx); err != nil {
			// Searches and ingests report the outage until Weaviate is back.
			slog.Warn("Could not ensure Weaviate schema", "error", err)
		}
		return store, nil
	case BackendPgvector:
		dims := s.cfg.Embedding.Dimensions
		if dims == 0 {
			dims = embedder.Dimensions()
		}
		store, err := retrieval.NewPgvectorStore(ctx, s.cfg.Retrieval.PostgresDSN, dims)
		if err != nil {
			return nil, fmt.Errorf("init pgvector store: %w", err)
		}
		s.onClose(store.Close)
		return store, nil
	default:
		return retrieval.NewMemoryStore(), nil
	}
}

// initWeaviate parses rawURL and builds a client. It does not connect.
func initWeaviate(rawURL string) (*weaviate.Client, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// modelCompleters builds one bounded completer per assistant model that
// differs from the default.
func modelCompleters(cfg Config) ([]services.TurnOption, error) {
	var opts []services.TurnOption
	seen := map[string]bool{cfg.Completion.Model: true}
	for _, a := range cfg.Assistants {
		if a.Model == "" || seen[a.Model] {
			continue
		}
		seen[a.Model] = true
		c := cfg.Completion
		c.Model = a.Model
		client, err := llm.NewClient(c)
		if err != nil {
			return nil, fmt.Errorf("init completion client for model %s: %w", a.Model, err)
		}
		opts = append(opts, services.WithModelCompleter(a.Model,
			llm.NewBoundedCompleter(client, c.Timeout, llm.GenerationParams{})))
	}
	return opts, nil
}

func (s *service) initConsumer(redisClient *goredis.Client) error {
	var dedup events.Deduplicator
	if redisClient != nil {
		dedup = events.NewRedisDeduplicator(redisClient, s.cfg.Events.DedupWindow)
	} else {
		dedup = events.NewMemoryDeduplicator(s.cfg.Events.DedupWindow)
	}
	consumer, err := events.NewConsumer(events.ConsumerConfig{
		Kafka:         s.cfg.Events.KafkaConfig,
		Topics:        []string{events.TopicMessageReceived},
		RatePerSecond: s.cfg.Events.RatePerSecond,
		Burst:         s.cfg.Events.Burst,
	}, services.NewMessageHandler(s.turns), dedup, s.metrics)
	if err != nil {
		return fmt.Errorf("init event consumer: %w", err)
	}
	s.consumer = consumer
	s.onClose(consumer.Close)
	return nil
}

func (s *service) initRouter(registry *prometheus.Registry) *gin.Engine {
	gin.SetMode(s.cfg.Server.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(ServiceName), middleware.RequestLogger())

	deps := routes.Dependencies{
		Turns:         s.turns,
		Conversations: s.cache,
		Documents:     s.docs,
		Reindexer:     s.indexer,
		Ingest:        s.metrics,
		APITokens:     s.cfg.Server.APITokens,
	}
	if !s.cfg.Server.DisableMetrics {
		deps.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}
	routes.SetupRoutes(router, deps)
	return router
}

// =============================================================================
// Service Methods
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	if err := s.indexer.Start(ctx); err != nil {
		return fmt.Errorf("start indexer: %w", err)
	}
	defer func() { _ = s.indexer.Stop() }()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting the context engine server", "port", s.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		slog.Info("Shutting down the context engine server")
		return srv.Shutdown(shutdownCtx)
	})
	if s.consumer != nil {
		g.Go(func() error { return s.consumer.Run(gctx) })
	}
	return g.Wait()
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Reindex implements Service.
func (s *service) Reindex(ctx context.Context, force bool) (indexer.RunResult, error) {
	return s.indexer.RunNow(ctx, force)
}

// Close implements Service.
func (s *service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

var _ Service = (*service)(nil)
