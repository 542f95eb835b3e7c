package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	DataDir    string
	Qdrant     QdrantConfig
	Embedding  EmbeddingConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Retrieval  RetrievalConfig
	Classifier ClassifierConfig
	Bandit     BanditConfig
	Cache      CacheConfig
	Iterative  IterativeConfig
	Graph      GraphConfig
	Table      TableConfig
	Governance GovernanceConfig
	Uploads    UploadsConfig
	Ingest     IngestConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	Mode         string // "debug" or "release"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// EmbeddingConfig drives the embedding/rerank adapter. Local mode speaks the
// TEI-style /embed and /rerank endpoints; remote mode goes through the
// OpenAI-compatible embeddings API.
type EmbeddingConfig struct {
	Mode                string // "local", "remote" or "auto"
	VectorSize          int
	Timeout             time.Duration
	PrimaryEmbedURL     string
	PrimaryRerankURL    string
	PrimaryEmbedModel   string
	PrimaryRerankModel  string
	FallbackEmbedURL    string
	FallbackRerankURL   string
	FallbackEmbedModel  string
	FallbackRerankModel string
	CustomEmbedURL      string
	CustomRerankURL     string
	CustomEmbedModel    string
	CustomRerankModel   string
	RemoteModel         string
	RerankSlowThreshold time.Duration
	CacheEnabled        bool
	CacheTTL            time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

type LLMConfig struct {
	BaseURL             string
	APIKey              string
	Model               string
	ClassifierModel     string
	Temperature         float64
	MaxTokens           int
	Timeout             time.Duration
	MaxRetries          int
	RetryInitialDelay   time.Duration
	LatencyBudget       time.Duration
	CostPer1KPrompt     float64
	CostPer1KCompletion float64
}

type RetrievalConfig struct {
	TopK             int
	MaxCandidates    int
	FusionAlpha      float64
	MaxContextChunks int
	ContentCharLimit int
	RerankEnabled    bool
}

type ClassifierConfig struct {
	SemanticThreshold float64
	ConfidenceFloor   float64
	LongQueryWords    int
	LLMEnabled        bool
	PersistEvery      int
	CacheTTL          time.Duration
	CacheMaxEntries   int
}

type BanditConfig struct {
	ExplorationBonus float64
}

type CacheConfig struct {
	MaxSize        int
	TTL            time.Duration
	TFIDFThreshold float64
	DenseThreshold float64
}

type IterativeConfig struct {
	MaxIterations       int
	ConfidenceThreshold float64
	MinImprovement      float64
}

type GraphConfig struct {
	MaxQueryEntities int
	MaxJITChunks     int
	BatchSize        int
	BatchTimeout     time.Duration
	MaxHops          int
	Neo4j            Neo4jConfig
}

type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Enabled  bool
}

type TableConfig struct {
	TopK        int
	ToolURL     string
	ToolEnabled bool
	ToolTimeout time.Duration
}

type GovernanceConfig struct {
	SLOStandard time.Duration
	SLOElevated time.Duration
	Kafka       KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

type UploadsConfig struct {
	Dir     string
	Enabled bool
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	SeedPath     string
}

func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("PORT", "8080"),
			Mode:         getEnv("GIN_MODE", "release"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 120*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		DataDir: getEnv("DATA_DIR", "./data"),
		Qdrant: QdrantConfig{
			URL:        getEnv("QDRANT_URL", "http://localhost:6333"),
			APIKey:     getEnv("QDRANT_API_KEY", ""),
			Collection: getEnv("QDRANT_COLLECTION", "knowledge_base"),
			Timeout:    getDurationEnv("QDRANT_TIMEOUT", 30*time.Second),
		},
		Embedding: EmbeddingConfig{
			Mode:                getEnv("EMBEDDING_MODE", "local"),
			VectorSize:          getIntEnv("EMBEDDING_VECTOR_SIZE", 1024),
			Timeout:             getDurationEnv("EMBEDDING_TIMEOUT", 30*time.Second),
			PrimaryEmbedURL:     getEnv("EMBEDDING_PRIMARY_URL", "http://localhost:8081"),
			PrimaryRerankURL:    getEnv("RERANK_PRIMARY_URL", "http://localhost:8082"),
			PrimaryEmbedModel:   getEnv("EMBEDDING_PRIMARY_MODEL", "bge-large-en-v1.5"),
			PrimaryRerankModel:  getEnv("RERANK_PRIMARY_MODEL", "bge-reranker-large"),
			FallbackEmbedURL:    getEnv("EMBEDDING_FALLBACK_URL", ""),
			FallbackRerankURL:   getEnv("RERANK_FALLBACK_URL", ""),
			FallbackEmbedModel:  getEnv("EMBEDDING_FALLBACK_MODEL", "bge-small-en-v1.5"),
			FallbackRerankModel: getEnv("RERANK_FALLBACK_MODEL", "bge-reranker-base"),
			CustomEmbedURL:      getEnv("EMBEDDING_CUSTOM_URL", ""),
			CustomRerankURL:     getEnv("RERANK_CUSTOM_URL", ""),
			CustomEmbedModel:    getEnv("EMBEDDING_CUSTOM_MODEL", ""),
			CustomRerankModel:   getEnv("RERANK_CUSTOM_MODEL", ""),
			RemoteModel:         getEnv("EMBEDDING_REMOTE_MODEL", "text-embedding-3-small"),
			RerankSlowThreshold: getDurationEnv("RERANK_SLOW_THRESHOLD", 2*time.Second),
			CacheEnabled:        getBoolEnv("EMBEDDING_CACHE_ENABLED", false),
			CacheTTL:            getDurationEnv("EMBEDDING_CACHE_TTL", 24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			Enabled:  getBoolEnv("REDIS_ENABLED", false),
		},
		LLM: LLMConfig{
			BaseURL:             getEnv("LLM_BASE_URL", "http://localhost:8000/v1"),
			APIKey:              getEnv("LLM_API_KEY", ""),
			Model:               getEnv("LLM_MODEL", "qwen2.5-32b-instruct"),
			ClassifierModel:     getEnv("LLM_CLASSIFIER_MODEL", ""),
			Temperature:         getFloatEnv("LLM_TEMPERATURE", 0.2),
			MaxTokens:           getIntEnv("LLM_MAX_TOKENS", 1536),
			Timeout:             getDurationEnv("LLM_TIMEOUT", 60*time.Second),
			MaxRetries:          getIntEnv("LLM_MAX_RETRIES", 1),
			RetryInitialDelay:   getDurationEnv("LLM_RETRY_INITIAL_DELAY", 500*time.Millisecond),
			LatencyBudget:       getDurationEnv("LLM_LATENCY_BUDGET", 8*time.Second),
			CostPer1KPrompt:     getFloatEnv("LLM_COST_PER_1K_PROMPT", 0.0),
			CostPer1KCompletion: getFloatEnv("LLM_COST_PER_1K_COMPLETION", 0.0),
		},
		Retrieval: RetrievalConfig{
			TopK:             getIntEnv("RETRIEVAL_TOP_K", 5),
			MaxCandidates:    getIntEnv("RETRIEVAL_MAX_CANDIDATES", 100),
			FusionAlpha:      getFloatEnv("RETRIEVAL_FUSION_ALPHA", 0.7),
			MaxContextChunks: getIntEnv("RETRIEVAL_MAX_CONTEXT_CHUNKS", 30),
			ContentCharLimit: getIntEnv("RETRIEVAL_CONTENT_CHAR_LIMIT", 1600),
			RerankEnabled:    getBoolEnv("RETRIEVAL_RERANK_ENABLED", true),
		},
		Classifier: ClassifierConfig{
			SemanticThreshold: getFloatEnv("CLASSIFIER_SEMANTIC_THRESHOLD", 0.75),
			ConfidenceFloor:   getFloatEnv("CLASSIFIER_CONFIDENCE_FLOOR", 0.70),
			LongQueryWords:    getIntEnv("CLASSIFIER_LONG_QUERY_WORDS", 20),
			LLMEnabled:        getBoolEnv("CLASSIFIER_LLM_ENABLED", true),
			PersistEvery:      getIntEnv("CLASSIFIER_PERSIST_EVERY", 10),
			CacheTTL:          getDurationEnv("CLASSIFIER_CACHE_TTL", 24*time.Hour),
			CacheMaxEntries:   getIntEnv("CLASSIFIER_CACHE_MAX_ENTRIES", 500),
		},
		Bandit: BanditConfig{
			ExplorationBonus: getFloatEnv("BANDIT_EXPLORATION_BONUS", 0.2),
		},
		Cache: CacheConfig{
			MaxSize:        getIntEnv("ANSWER_CACHE_MAX_SIZE", 1000),
			TTL:            getDurationEnv("ANSWER_CACHE_TTL", 72*time.Hour),
			TFIDFThreshold: getFloatEnv("ANSWER_CACHE_TFIDF_THRESHOLD", 0.30),
			DenseThreshold: getFloatEnv("ANSWER_CACHE_DENSE_THRESHOLD", 0.88),
		},
		Iterative: IterativeConfig{
			MaxIterations:       getIntEnv("ITERATIVE_MAX_ITERATIONS", 3),
			ConfidenceThreshold: getFloatEnv("ITERATIVE_CONFIDENCE_THRESHOLD", 0.75),
			MinImprovement:      getFloatEnv("ITERATIVE_MIN_IMPROVEMENT", 0.05),
		},
		Graph: GraphConfig{
			MaxQueryEntities: getIntEnv("GRAPH_MAX_QUERY_ENTITIES", 5),
			MaxJITChunks:     getIntEnv("GRAPH_MAX_JIT_CHUNKS", 50),
			BatchSize:        getIntEnv("GRAPH_BATCH_SIZE", 4),
			BatchTimeout:     getDurationEnv("GRAPH_BATCH_TIMEOUT", 30*time.Second),
			MaxHops:          getIntEnv("GRAPH_MAX_HOPS", 2),
			Neo4j: Neo4jConfig{
				URI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
				User:     getEnv("NEO4J_USER", "neo4j"),
				Password: getEnv("NEO4J_PASSWORD", ""),
				Enabled:  getBoolEnv("NEO4J_ENABLED", false),
			},
		},
		Table: TableConfig{
			TopK:        getIntEnv("TABLE_TOP_K", 20),
			ToolURL:     getEnv("SPREADSHEET_TOOL_URL", ""),
			ToolEnabled: getBoolEnv("SPREADSHEET_TOOL_ENABLED", false),
			ToolTimeout: getDurationEnv("SPREADSHEET_TOOL_TIMEOUT", 60*time.Second),
		},
		Governance: GovernanceConfig{
			SLOStandard: getDurationEnv("GOVERNANCE_SLO_STANDARD", 10*time.Second),
			SLOElevated: getDurationEnv("GOVERNANCE_SLO_ELEVATED", 15*time.Second),
			Kafka: KafkaConfig{
				Brokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				Topic:   getEnv("KAFKA_AUDIT_TOPIC", "governance-audit"),
				Enabled: getBoolEnv("KAFKA_AUDIT_ENABLED", false),
			},
		},
		Uploads: UploadsConfig{
			Dir:     getEnv("UPLOADS_DIR", "./uploads"),
			Enabled: getBoolEnv("UPLOADS_WATCH_ENABLED", true),
		},
		Ingest: IngestConfig{
			ChunkSize:    getIntEnv("INGEST_CHUNK_SIZE", 800),
			ChunkOverlap: getIntEnv("INGEST_CHUNK_OVERLAP", 120),
			SeedPath:     getEnv("INGEST_SEED_PATH", ""),
		},
	}

	return cfg
}

// BanditStatePath is where the router posterior is persisted.
func (c *Config) BanditStatePath() string {
	return filepath.Join(c.DataDir, "bandit_state.json")
}

// BanditDefaultsPath holds optional warm-start priors consulted on cold start.
func (c *Config) BanditDefaultsPath() string {
	return filepath.Join(c.DataDir, "bandit_defaults.json")
}

// ClassifierCachePath is where classification decisions are persisted.
func (c *Config) ClassifierCachePath() string {
	return filepath.Join(c.DataDir, "classification_cache.json")
}

// SparseIndexPath is where the lexical index for a collection is persisted.
func (c *Config) SparseIndexPath(collection string) string {
	return filepath.Join(c.DataDir, "bm25_"+collection+".pkl")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
