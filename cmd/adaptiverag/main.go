// Command adaptiverag serves the adaptive retrieval pipeline over HTTP.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/answercache"
	"adaptiverag/internal/bandit"
	"adaptiverag/internal/classifier"
	"adaptiverag/internal/config"
	"adaptiverag/internal/embedding"
	"adaptiverag/internal/engine"
	"adaptiverag/internal/governance"
	"adaptiverag/internal/graph"
	"adaptiverag/internal/handlers"
	"adaptiverag/internal/ingest"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/observability/metrics"
	"adaptiverag/internal/retrieval"
	"adaptiverag/internal/sparse"
	"adaptiverag/internal/strategy"
	"adaptiverag/internal/tools/spreadsheet"
	"adaptiverag/internal/uploads"
	"adaptiverag/internal/vectordb/qdrant"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("Could not load .env file")
	}

	cfg := config.Load()
	logger := newLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Startup failed")
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	gin.SetMode(cfg.Server.Mode)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())

	store, err := qdrant.NewClient(&qdrant.Config{
		BaseURL:      cfg.Qdrant.URL,
		APIKey:       cfg.Qdrant.APIKey,
		Timeout:      cfg.Qdrant.Timeout,
		DefaultLimit: cfg.Retrieval.TopK,
		WithPayload:  true,
	}, logger)
	if err != nil {
		return fmt.Errorf("vector store client: %w", err)
	}

	var vectorCache *embedding.VectorCache
	if cfg.Redis.Enabled && cfg.Embedding.CacheEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		vectorCache = embedding.NewVectorCache(rdb, cfg.Embedding.CacheTTL, logger)
	}
	embedder := embedding.NewService(embeddingConfig(cfg), vectorCache, logger)

	collection := cfg.Qdrant.Collection
	indexPath := cfg.SparseIndexPath(collection)
	index, err := sparse.Load(indexPath, logger)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WithError(err).Warn("BM25 index unreadable, starting empty")
		}
		index = sparse.NewIndex(logger)
	}

	retriever := retrieval.NewRetriever(store, embedder, index, cfg.Retrieval, collection, indexPath, collector, logger)

	client := llm.NewOpenAIClient(llmConfig(cfg, cfg.LLM.Model), logger)

	classifierCache := classifier.NewCache(
		cfg.ClassifierCachePath(),
		cfg.Classifier.SemanticThreshold,
		cfg.Classifier.ConfidenceFloor,
		cfg.Classifier.CacheTTL,
		cfg.Classifier.CacheMaxEntries,
		cfg.Classifier.PersistEvery,
		logger,
	)
	var classifierLLM classifier.Completer
	if cfg.Classifier.LLMEnabled {
		model := cfg.LLM.ClassifierModel
		if model == "" {
			model = cfg.LLM.Model
		}
		classifierLLM = llm.NewOpenAIClient(llmConfig(cfg, model), logger)
	}
	cls := classifier.New(cfg.Classifier, classifierCache, classifierLLM, logger)

	answerCache := answercache.New(cfg.Cache, embedder, collector, logger)

	router := bandit.NewRouter(cfg.BanditStatePath(), cfg.BanditDefaultsPath(), cfg.Bandit.ExplorationBonus, collector, logger)

	var kafkaSink *governance.KafkaSink
	var sink governance.AuditSink
	if cfg.Governance.Kafka.Enabled && len(cfg.Governance.Kafka.Brokers) > 0 {
		kafkaSink = governance.NewKafkaSink(cfg.Governance.Kafka.Brokers, cfg.Governance.Kafka.Topic, logger)
		sink = kafkaSink
	}
	tracker := governance.NewTracker(cfg.Governance, collector, sink, logger)

	var mirror *graph.Neo4jMirror
	if cfg.Graph.Neo4j.Enabled {
		mirror, err = graph.NewNeo4jMirror(cfg.Graph.Neo4j, logger)
		if err != nil {
			logger.WithError(err).Warn("Neo4j mirror unavailable, continuing without it")
			mirror = nil
		}
	}
	builder := graph.NewBuilder(graph.NewStore(logger), retriever, client, mirror, cfg.Graph, logger)

	var registry *uploads.Registry
	if cfg.Uploads.Enabled {
		registry, err = uploads.NewRegistry(cfg.Uploads.Dir, logger)
		if err != nil {
			logger.WithError(err).Warn("Upload registry unavailable, continuing without it")
			registry = nil
		}
	}

	// A typed nil must not reach the interface field, so the assignment is
	// guarded.
	var analyzer spreadsheet.Analyzer
	if c := spreadsheet.NewClient(cfg.Table, logger); c != nil {
		analyzer = c
	}

	hybrid := strategy.NewHybrid(retriever, client, cfg.Retrieval, logger)
	strategies := map[string]strategy.Strategy{
		strategy.NameHybrid:    hybrid,
		strategy.NameIterative: strategy.NewIterative(hybrid, client, cfg.Iterative, logger),
		strategy.NameGraph:     strategy.NewGraph(builder, retriever, client, logger),
		strategy.NameTable:     strategy.NewTable(retriever, client, analyzer, registry, cfg.Table, logger),
	}

	ingestor := ingest.NewIngestor(store, embedder, index, tracker, cfg.Ingest, collection, embedder.VectorSize(), indexPath, logger)

	eng := engine.New(cfg, cls, answerCache, router, strategies, tracker, collector, embedder, logger,
		engine.WarmerFunc(func(ctx context.Context) error {
			_, err := ingestor.Bootstrap(ctx)
			return err
		}),
	)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := store.EnsureCollection(startupCtx, collection, embedder.VectorSize()); err != nil {
		logger.WithError(err).Warn("Vector collection not ready, retrieval will degrade until it is")
	}
	startupCancel()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := eng.WarmUp(ctx); err != nil {
			logger.WithError(err).Warn("Warm-up incomplete")
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	handlers.NewAPI(eng, ingestor, collector, logger).Register(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"host":       cfg.Server.Host,
			"port":       cfg.Server.Port,
			"collection": collection,
		}).Info("Starting adaptiverag server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := eng.Close(); err != nil {
		logger.WithError(err).Warn("Engine close failed")
	}
	if registry != nil {
		if err := registry.Close(); err != nil {
			logger.WithError(err).Warn("Upload registry close failed")
		}
	}
	if mirror != nil {
		if err := mirror.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Neo4j mirror close failed")
		}
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.WithError(err).Warn("Audit sink close failed")
		}
	}

	logger.Info("Server shutdown complete")
	return nil
}

// embeddingConfig maps app configuration onto the adapter. Remote mode
// shares the LLM endpoint credentials, since both speak the same
// OpenAI-compatible API.
func embeddingConfig(cfg *config.Config) embedding.Config {
	return embedding.Config{
		Mode:       embedding.Mode(cfg.Embedding.Mode),
		VectorSize: cfg.Embedding.VectorSize,
		Timeout:    cfg.Embedding.Timeout,
		Primary: embedding.ModelPair{
			EmbedURL:    cfg.Embedding.PrimaryEmbedURL,
			EmbedModel:  cfg.Embedding.PrimaryEmbedModel,
			RerankURL:   cfg.Embedding.PrimaryRerankURL,
			RerankModel: cfg.Embedding.PrimaryRerankModel,
		},
		Fallback: embedding.ModelPair{
			EmbedURL:    cfg.Embedding.FallbackEmbedURL,
			EmbedModel:  cfg.Embedding.FallbackEmbedModel,
			RerankURL:   cfg.Embedding.FallbackRerankURL,
			RerankModel: cfg.Embedding.FallbackRerankModel,
		},
		Custom: embedding.ModelPair{
			EmbedURL:    cfg.Embedding.CustomEmbedURL,
			EmbedModel:  cfg.Embedding.CustomEmbedModel,
			RerankURL:   cfg.Embedding.CustomRerankURL,
			RerankModel: cfg.Embedding.CustomRerankModel,
		},
		RemoteBaseURL:       cfg.LLM.BaseURL,
		RemoteAPIKey:        cfg.LLM.APIKey,
		RemoteModel:         cfg.Embedding.RemoteModel,
		RerankSlowThreshold: cfg.Embedding.RerankSlowThreshold,
	}
}

func llmConfig(cfg *config.Config, model string) llm.Config {
	retry := llm.DefaultRetryConfig()
	retry.MaxRetries = cfg.LLM.MaxRetries
	if cfg.LLM.RetryInitialDelay > 0 {
		retry.InitialDelay = cfg.LLM.RetryInitialDelay
	}
	return llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       model,
		Temperature: float32(cfg.LLM.Temperature),
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		Retry:       retry,
	}
}
