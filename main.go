package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/audit"
	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
	"github.com/ekaya-inc/ekaya-nlq/pkg/database"
	"github.com/ekaya-inc/ekaya-nlq/pkg/handlers"
	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
	"github.com/ekaya-inc/ekaya-nlq/pkg/mcp"
	"github.com/ekaya-inc/ekaya-nlq/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-nlq/pkg/metrics"
	"github.com/ekaya-inc/ekaya-nlq/pkg/middleware"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retrieval"
	"github.com/ekaya-inc/ekaya-nlq/pkg/services"
	"github.com/ekaya-inc/ekaya-nlq/pkg/services/workqueue"
	nlqsql "github.com/ekaya-inc/ekaya-nlq/pkg/sql"
	"github.com/ekaya-inc/ekaya-nlq/pkg/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

const serviceName = "ekaya-nlq"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("datasources", len(cfg.DataSources)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tp, err := telemetry.NewProvider(ctx, cfg.Tracing, serviceName, cfg.Version)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(logger, "tracing", tp.Shutdown)

	m := metrics.New(prometheus.DefaultRegisterer)

	// Engine store: migrate first, then open the pool with pgvector types.
	sqlDB, err := database.OpenSQL(cfg.Database.URL())
	if err != nil {
		return err
	}
	if err := database.RunMigrations(sqlDB, cfg.MigrationsPath, logger); err != nil {
		_ = sqlDB.Close()
		return err
	}
	_ = sqlDB.Close()

	db, err := database.ConnectWithRetry(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
		RegisterVector: true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to engine store: %w", err)
	}
	defer db.Close()

	rdb, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, embeddings will not be cached", zap.String("error", logging.SanitizeError(err)))
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	// Target databases
	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{}, logger)
	defer func() { _ = connMgr.Close() }()
	targets, err := datasource.Open(ctx, cfg.DataSources, connMgr)
	if err != nil {
		return fmt.Errorf("failed to open data sources: %w", err)
	}
	defer targets.Close()

	// LLM providers
	health := llm.NewHealthRegistry(llm.HealthConfig{
		FailureThreshold: cfg.Health.FailureThreshold,
		Window:           cfg.Health.Window,
		ProbeAfter:       cfg.Health.ProbeAfter,
	}, logger)
	health.OnStateChange(func(provider string, _, to models.ProviderHealthState) {
		m.SetProviderHealth(provider, to)
	})
	providers := llm.NewProviderRegistry(health, logger)
	for _, pc := range cfg.Providers {
		p, err := llm.NewProviderFromConfig(pc, logger)
		if err != nil {
			return fmt.Errorf("failed to create provider %q: %w", pc.Name, err)
		}
		providers.Register(p, pc.RequestsPerSecond)
		m.SetProviderHealth(pc.Name, models.ProviderHealthy)
	}
	router, err := llm.NewRouter(cfg.RoutingRules(), health, logger)
	if err != nil {
		return fmt.Errorf("failed to compile routing rules: %w", err)
	}

	prober := llm.NewProber(providers, cfg.Health.ProbeSchedule, 0, logger)
	if err := prober.Start(); err != nil {
		return fmt.Errorf("failed to start provider prober: %w", err)
	}
	defer prober.Stop()

	// Retrieval
	contextStore := repositories.NewContextStore(db)
	tokens := llm.GetTokenCounter(cfg.Assembler.Encoding)
	engine := retrieval.NewEngine(
		repositories.NewRagRepository(db),
		newEmbedder(cfg, rdb, logger),
		retrieval.NewChunker(retrieval.ChunkerConfig{
			ChunkSize:          cfg.Retrieval.ChunkSize,
			ChunkOverlap:       cfg.Retrieval.ChunkOverlap,
			MaxColumnsPerChunk: cfg.Retrieval.MaxColumnsPerChunk,
		}, tokens),
		retrieval.Config{
			VectorWeight:        cfg.Retrieval.VectorWeight,
			CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
			TopK:                cfg.Retrieval.TopK,
		},
		logger,
	)

	queue := workqueue.New(logger, workqueue.WithStrategy(workqueue.NewThrottledLLMStrategy(cfg.Embedding.MaxConcurrent)))
	defer shutdownWithTimeout(logger, "work queue", queue.Shutdown)
	reindexer := services.NewReindexer(queue, engine, contextStore, m, logger)

	// Query pipeline
	validator := nlqsql.NewValidator(nlqsql.Options{
		AllowedFunctions: cfg.Validator.AllowedFunctions,
		DeniedFunctions:  cfg.Validator.DeniedFunctions,
	})
	security := audit.NewSecurityAuditor(logger, cfg.Audit.LogExecutions)
	sessionRepo := repositories.NewSessionRepository(db)

	orchestrator := services.NewSessionOrchestrator(services.OrchestratorDeps{
		Sessions: sessionRepo,
		Attempts: repositories.NewAttemptRepository(db),
		Assembler: services.NewContextAssembler(contextStore, engine, tokens, services.AssemblerConfig{
			TokenBudget:      cfg.Assembler.TokenBudget,
			MinSynonymWeight: cfg.Assembler.MinSynonymWeight,
			SmallCatalogSize: cfg.Assembler.SmallCatalogSize,
			RetrievalK:       cfg.Retrieval.TopK,
			StoreTimeout:     cfg.Assembler.StoreTimeout,
			RetrievalTimeout: cfg.Retrieval.Timeout,
		}, logger),
		Router: router,
		Generator: services.NewSQLGenerator(providers, services.SQLGeneratorConfig{
			Timeout: cfg.Orchestrator.GenerationTimeout,
		}, logger),
		Validator: validator,
		CostGuard: services.NewCostGuard(targets, services.NewConfigThresholds(cfg.CostGuard, cfg.DataSources), nil, logger),
		Executor:  services.NewExecutionEngine(targets, cfg.Execution.RowCap, cfg.Execution.Timeout, logger),
		Metrics:   m,
		Security:  security,
		Tracer:    tp.Tracer(),
	}, services.OrchestratorConfig{
		MaxAttempts:         cfg.Orchestrator.MaxAttempts,
		MaxExecutionRetries: cfg.Orchestrator.MaxExecutionRetries,
	}, logger)

	feedback := services.NewFeedbackRecorder(
		sessionRepo,
		repositories.NewFeedbackRepository(db),
		contextStore,
		validator,
		reindexer,
		m,
		logger,
	)
	feedback.SetSecurityAuditor(security)
	schemaSync := services.NewSchemaSync(targets, contextStore, reindexer, logger)

	// Bring every retrieval index up to date with the stored context.
	for _, id := range targets.IDs() {
		reindexer.Trigger(id, "startup")
	}

	// HTTP surface
	mux := http.NewServeMux()

	handlers.NewHealthHandler(cfg, health, logger).RegisterRoutes(mux)
	handlers.NewSessionsHandler(orchestrator, feedback, logger).RegisterRoutes(mux)
	handlers.NewDataSourcesHandler(targets, reindexer, schemaSync, queue, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.MCP.Enabled {
		toolAudit := mcp.NewAuditLogger(m, logger)
		mcpServer := mcp.NewServer(serviceName, cfg.Version, logger, mcpserver.WithHooks(toolAudit.Hooks()))
		tools.RegisterHealthTool(mcpServer.MCP(), cfg.Version, health)
		tools.RegisterPipelineTools(mcpServer.MCP(), &tools.PipelineToolDeps{
			Sessions: orchestrator,
			Feedback: feedback,
			MaxRows:  cfg.MCP.MaxRows,
			Logger:   logger,
		})
		handlers.NewMCPHandler(mcpServer, logger, cfg.MCP).RegisterRoutes(mux)
	}

	srv := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-nlq", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownWithTimeout(logger, "http server", srv.Shutdown)
	return nil
}

// newEmbedder builds the embedding client. Without an endpoint retrieval
// runs lexical-only.
func newEmbedder(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) llm.Embedder {
	if cfg.Embedding.BaseURL == "" {
		logger.Info("No embedding endpoint configured, vector retrieval disabled")
		return nil
	}
	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: cfg.Embedding.MaxConcurrent}, logger)
	embedder, err := llm.NewOpenAIEmbedder(llm.EmbedderConfig{
		Endpoint:  config.ResolveURLForDocker(cfg.Embedding.BaseURL),
		Model:     cfg.Embedding.Model,
		APIKey:    os.Getenv(cfg.Embedding.APIKeyEnv),
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
	}, pool, logger)
	if err != nil {
		logger.Warn("Embedding client unavailable, vector retrieval disabled", zap.Error(err))
		return nil
	}
	if rdb == nil {
		return embedder
	}
	return retrieval.NewCachedEmbedder(embedder, rdb, cfg.Redis.TTL, logger)
}

func shutdownWithTimeout(logger *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("Shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
