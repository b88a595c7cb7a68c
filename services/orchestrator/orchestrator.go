// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the ShopRAG HTTP service.
//
// New builds every collaborator from Config: the Weaviate client (product
// search and conversation store), the pgx product catalog, the Badger
// response cache, the LLM and embedding providers, the policy engine,
// tracing, metrics and the session TTL scheduler. Optional dependencies
// that are not configured or fail to start leave their routes answering
// 503 and show up as unavailable on /health.
//
// # Usage
//
//	cfg := orchestrator.Config{
//	    Port:        12210,
//	    LLMBackend:  "ollama",
//	    LLM:         llm.ProviderConfig{OllamaBaseURL: "http://localhost:11434"},
//	    WeaviateURL: "http://localhost:8080",
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/ShopRAG/pkg/extensions"
	"github.com/AleutianAI/ShopRAG/services/llm"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/cache"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/catalog"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/conversation"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/handlers"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/middleware"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/observability"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/retrieval"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/routes"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/services"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/ttl"
	"github.com/AleutianAI/ShopRAG/services/policy_engine"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the lifecycle of the ShopRAG server.
//
// # Thread Safety
//
// Run must be called at most once. Router is safe to call at any time.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails, then
	// shuts down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, used by tests.
	Router() *gin.Engine

	// Close releases resources without serving. Run calls it on return.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration.
//
// # Description
//
// Every field is optional. Empty URLs and DSNs disable the matching
// dependency. The zero LLMBackend disables answering.
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// GinMode is "debug", "release" or "test". Default: release.
	GinMode string

	// ServiceName is the OpenTelemetry service name. Default: "shoprag-server".
	ServiceName string

	// LLMBackend is "openai", "anthropic" (alias "claude") or "ollama".
	LLMBackend string
	LLM        llm.ProviderConfig

	// EmbeddingServiceURL selects the standalone embedding service. When
	// empty and an OpenAI key is set, OpenAI embeddings are used.
	EmbeddingServiceURL string
	EmbeddingModel      string

	// WeaviateURL enables product search and the conversation store.
	// Example: "http://localhost:8080"
	WeaviateURL string

	// CatalogDSN enables the PostgreSQL catalog.
	CatalogDSN   string
	CatalogTable string

	// CacheDir holds the Badger response cache. Empty runs it in memory.
	// CacheDisabled turns the response cache off.
	CacheDir      string
	CacheDisabled bool

	// Ask tunes the pipeline. Zero fields take services.DefaultAskConfig.
	Ask services.AskConfig

	// SessionTTL is how long an idle session is kept. Default: 7 days.
	SessionTTL time.Duration

	// TTLCleanupInterval is how often expired sessions are swept.
	// Default: 1 hour.
	TTLCleanupInterval time.Duration
	TTLDisabled        bool

	RateLimit middleware.RateLimitConfig

	// OTelEndpoint is the OTLP gRPC collector. Empty disables export
	// unless TraceExporter is "stdout".
	OTelEndpoint string

	// TraceExporter is "otlp" or "stdout". Default: "otlp".
	TraceExporter string

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration
}

// applyConfigDefaults fills zero-valued configuration fields.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shoprag-server"
	}
	if cfg.CatalogTable == "" {
		cfg.CatalogTable = catalog.DefaultTable
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = conversation.DefaultSessionTTL
	}
	if cfg.TTLCleanupInterval <= 0 {
		cfg.TTLCleanupInterval = time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.LLM.SystemPrompt == "" {
		cfg.LLM.SystemPrompt = services.SystemPrompt
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// Interface-typed fields stay nil when the dependency is absent so the
// services and routes packages see a true nil.
type service struct {
	config   Config
	opts     extensions.ServiceOptions
	router   *gin.Engine
	registry *prometheus.Registry
	metrics  *observability.Metrics

	llmClient      llm.LLMClient
	embedder       services.Embedder
	policyEngine   *policy_engine.PolicyEngine
	weaviateClient *weaviate.Client
	store          *conversation.WeaviateStore
	catalogPool    *pgxpool.Pool
	catalog        *catalog.PGCatalog
	cache          *cache.BadgerCache
	ask            *services.AskService
	ttlScheduler   *ttl.Scheduler
	tracerCleanup  func(context.Context)

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the ShopRAG service.
//
// # Description
//
// Initialization order:
//  1. Tracing (when OTelEndpoint is set or TraceExporter is "stdout")
//  2. Prometheus registry and metrics
//  3. Policy engine (fatal on failure)
//  4. LLM client (fatal on an unknown backend or missing credentials)
//  5. Embedder
//  6. Weaviate client, schema, searcher and conversation store
//  7. Product catalog
//  8. Response cache
//  9. Ask pipeline, TTL scheduler and routes
//
// Steps 6 to 8 degrade: a failure is logged and the feature is disabled.
//
// # Inputs
//
//   - cfg: Configuration. Zero values use defaults.
//   - opts: Auth and audit extensions. nil uses DefaultOptions.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	if s.config.OTelEndpoint != "" || s.config.TraceExporter == "stdout" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	var err error
	s.policyEngine, err = policy_engine.NewPolicyEngine()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	if err := s.initLLMClient(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	s.initEmbedder()

	ctx := context.Background()
	if err := s.initWeaviate(ctx); err != nil {
		slog.Warn("Weaviate initialization failed, search and sessions disabled", "error", err)
	}
	if err := s.initCatalog(ctx); err != nil {
		slog.Warn("Catalog initialization failed, enrichment disabled", "error", err)
	}
	if err := s.initCache(); err != nil {
		slog.Warn("Response cache initialization failed, caching disabled", "error", err)
	}

	s.initAskService()

	if s.store != nil && !s.config.TTLDisabled {
		if err := s.initTTLScheduler(ctx); err != nil {
			slog.Warn("TTL scheduler initialization failed", "error", err)
		}
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx is cancelled, then drains in-flight requests and
// background summaries before releasing resources.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting ShopRAG server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down ShopRAG server", "timeout", s.config.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Router returns the Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops the TTL scheduler, waits for background summaries and
// closes the cache, catalog pool and tracer. It is idempotent.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.ttlScheduler != nil {
			s.ttlScheduler.Stop()
		}
		if s.ask != nil {
			s.ask.Wait()
		}
		if s.cache != nil {
			if err := s.cache.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close response cache: %w", err))
			}
		}
		if s.catalogPool != nil {
			s.catalogPool.Close()
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up the trace exporter: OTLP over gRPC, or pretty-printed
// spans on stdout for local debugging.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal networks only)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var (
		exporter sdktrace.SpanExporter
		conn     *grpc.ClientConn
		err      error
	)
	switch s.config.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	case "", "otlp":
		conn, err = grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", s.config.TraceExporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				slog.Warn("failed to close OTLP connection", "error", err)
			}
		}
	}, nil
}

// initLLMClient creates the configured LLM client. An empty backend
// leaves answering disabled.
func (s *service) initLLMClient() error {
	if strings.TrimSpace(s.config.LLMBackend) == "" {
		slog.Warn("LLM backend not configured, /v1/ask will answer 503")
		return nil
	}
	client, err := llm.NewClient(s.config.LLMBackend, s.config.LLM)
	if err != nil {
		return err
	}
	s.llmClient = client
	return nil
}

// initEmbedder prefers the standalone embedding service over OpenAI.
func (s *service) initEmbedder() {
	switch {
	case s.config.EmbeddingServiceURL != "":
		s.embedder = retrieval.NewHTTPEmbedder(s.config.EmbeddingServiceURL)
		slog.Info("Using embedding service", "url", s.config.EmbeddingServiceURL)
	case s.config.LLM.OpenAIAPIKey != "":
		s.embedder = retrieval.NewOpenAIEmbedder(s.config.LLM.OpenAIAPIKey, s.config.EmbeddingModel, s.config.LLM.OpenAIBaseURL)
		slog.Info("Using OpenAI embeddings", "model", s.config.EmbeddingModel)
	default:
		slog.Warn("No embedder configured, /v1/ask will answer 503")
	}
}

// initWeaviate connects to Weaviate, ensures the schema and builds the
// searcher-side and store-side clients. An empty URL is not an error.
func (s *service) initWeaviate(ctx context.Context) error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := datatypes.EnsureWeaviateSchema(schemaCtx, client); err != nil {
		return fmt.Errorf("ensure Weaviate schema: %w", err)
	}

	s.weaviateClient = client
	s.store = conversation.NewWeaviateStore(conversation.NewWeaviateBackend(client), s.config.SessionTTL)
	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return nil
}

func (s *service) initCatalog(ctx context.Context) error {
	if s.config.CatalogDSN == "" {
		slog.Info("Catalog database not configured, products come from search metadata")
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cat, pool, err := catalog.Connect(connectCtx, s.config.CatalogDSN, s.config.CatalogTable)
	if err != nil {
		return err
	}
	s.catalog, s.catalogPool = cat, pool
	return nil
}

func (s *service) initCache() error {
	if s.config.CacheDisabled {
		slog.Info("Response cache disabled")
		return nil
	}
	cfg := cache.InMemoryConfig()
	if s.config.CacheDir != "" {
		cfg = cache.DefaultConfig(s.config.CacheDir)
	}
	cfg.DefaultTTL = s.config.Ask.CacheTTL
	c, err := cache.Open(cfg)
	if err != nil {
		return err
	}
	s.cache = c
	slog.Info("Response cache opened", "dir", s.config.CacheDir, "in_memory", s.config.CacheDir == "")
	return nil
}

// initAskService builds the pipeline from whatever dependencies started.
func (s *service) initAskService() {
	deps := services.AskDeps{
		Policy:   s.policyEngine,
		Embedder: s.embedder,
		LLM:      s.llmClient,
		Metrics:  s.metrics,
	}
	if s.weaviateClient != nil {
		deps.Searcher = retrieval.NewWeaviateSearcher(s.weaviateClient)
	}
	if s.store != nil {
		deps.Store = s.store
	}
	if s.cache != nil {
		deps.Cache = s.cache
	}
	if s.catalog != nil {
		deps.Catalog = s.catalog
	}
	s.ask = services.NewAskService(deps, s.config.Ask)
}

func (s *service) initTTLScheduler(ctx context.Context) error {
	cfg := ttl.DefaultSchedulerConfig()
	cfg.Interval = s.config.TTLCleanupInterval
	scheduler := ttl.NewScheduler(s.store, nil, cfg)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start TTL scheduler: %w", err)
	}
	s.ttlScheduler = scheduler
	slog.Info("TTL cleanup scheduler started",
		"interval", cfg.Interval.String(),
		"session_ttl", s.config.SessionTTL.String(),
	)
	return nil
}

// initRouter creates the Gin engine and registers routes.
func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(s.config.ServiceName))

	deps := routes.Dependencies{
		Asker:       s.ask,
		Probes:      s.healthProbes(),
		Metrics:     promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
		RateLimiter: middleware.NewRateLimiter(s.config.RateLimit, s.metrics),
		Options:     s.opts,
	}
	if s.policyEngine != nil {
		deps.PolicyHash = s.policyEngine.PolicyHash()
	}
	if s.store != nil {
		deps.Sessions = s.store
	}
	if s.catalog != nil {
		deps.Products = s.catalog
	}
	if s.cache != nil {
		deps.Cache = s.cache
	}
	routes.SetupRoutes(s.router, deps)
}

// healthProbes reports every optional dependency, nil when absent. The llm
// and embedder probes call their backends.
func (s *service) healthProbes() map[string]handlers.HealthProbe {
	probes := map[string]handlers.HealthProbe{
		"weaviate": nil,
		"catalog":  nil,
		"cache":    nil,
		"llm":      nil,
		"embedder": nil,
	}
	if client := s.weaviateClient; client != nil {
		probes["weaviate"] = func(ctx context.Context) error {
			ready, err := client.Misc().ReadyChecker().Do(ctx)
			if err != nil {
				return err
			}
			if !ready {
				return errors.New("weaviate not ready")
			}
			return nil
		}
	}
	if pool := s.catalogPool; pool != nil {
		probes["catalog"] = pool.Ping
	}
	if c := s.cache; c != nil {
		probes["cache"] = func(ctx context.Context) error {
			_, _, err := c.Get(ctx, "health-probe")
			return err
		}
	}
	probes["llm"] = llmProbe(s.llmClient)
	probes["embedder"] = embedderProbe(s.embedder)
	return probes
}

// llmProbe lists models through the client. A client that cannot ping is
// reported as not configured rather than assumed healthy.
func llmProbe(client llm.LLMClient) handlers.HealthProbe {
	pinger, ok := client.(llm.Pinger)
	if !ok {
		return nil
	}
	return pinger.Ping
}

// embedderProbe embeds one word and checks a vector comes back.
func embedderProbe(embedder services.Embedder) handlers.HealthProbe {
	if embedder == nil {
		return nil
	}
	return func(ctx context.Context) error {
		vec, err := embedder.Embed(ctx, "health")
		if err != nil {
			return err
		}
		if len(vec) == 0 {
			return errors.New("embedder returned an empty vector")
		}
		return nil
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
