package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected Server.Port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Server.Mode != "release" {
		t.Errorf("Expected Server.Mode 'release', got %s", cfg.Server.Mode)
	}
	if cfg.Qdrant.URL != "http://localhost:6333" {
		t.Errorf("Expected Qdrant.URL default, got %s", cfg.Qdrant.URL)
	}
	if cfg.Qdrant.Collection != "knowledge_base" {
		t.Errorf("Expected Qdrant.Collection 'knowledge_base', got %s", cfg.Qdrant.Collection)
	}
	if cfg.Retrieval.FusionAlpha != 0.7 {
		t.Errorf("Expected Retrieval.FusionAlpha 0.7, got %f", cfg.Retrieval.FusionAlpha)
	}
	if cfg.Retrieval.MaxContextChunks != 30 {
		t.Errorf("Expected Retrieval.MaxContextChunks 30, got %d", cfg.Retrieval.MaxContextChunks)
	}
	if cfg.Classifier.SemanticThreshold != 0.75 {
		t.Errorf("Expected Classifier.SemanticThreshold 0.75, got %f", cfg.Classifier.SemanticThreshold)
	}
	if cfg.Classifier.ConfidenceFloor != 0.70 {
		t.Errorf("Expected Classifier.ConfidenceFloor 0.70, got %f", cfg.Classifier.ConfidenceFloor)
	}
	if cfg.Cache.MaxSize != 1000 {
		t.Errorf("Expected Cache.MaxSize 1000, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Cache.TTL != 72*time.Hour {
		t.Errorf("Expected Cache.TTL 72h, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.TFIDFThreshold != 0.30 {
		t.Errorf("Expected Cache.TFIDFThreshold 0.30, got %f", cfg.Cache.TFIDFThreshold)
	}
	if cfg.Cache.DenseThreshold != 0.88 {
		t.Errorf("Expected Cache.DenseThreshold 0.88, got %f", cfg.Cache.DenseThreshold)
	}
	if cfg.Iterative.MaxIterations != 3 {
		t.Errorf("Expected Iterative.MaxIterations 3, got %d", cfg.Iterative.MaxIterations)
	}
	if cfg.Iterative.ConfidenceThreshold != 0.75 {
		t.Errorf("Expected Iterative.ConfidenceThreshold 0.75, got %f", cfg.Iterative.ConfidenceThreshold)
	}
	if cfg.Graph.MaxQueryEntities != 5 {
		t.Errorf("Expected Graph.MaxQueryEntities 5, got %d", cfg.Graph.MaxQueryEntities)
	}
	if cfg.Graph.BatchSize != 4 {
		t.Errorf("Expected Graph.BatchSize 4, got %d", cfg.Graph.BatchSize)
	}
	if cfg.Graph.MaxHops != 2 {
		t.Errorf("Expected Graph.MaxHops 2, got %d", cfg.Graph.MaxHops)
	}
	if cfg.Table.TopK != 20 {
		t.Errorf("Expected Table.TopK 20, got %d", cfg.Table.TopK)
	}
	if cfg.Governance.SLOStandard != 10*time.Second {
		t.Errorf("Expected Governance.SLOStandard 10s, got %v", cfg.Governance.SLOStandard)
	}
	if cfg.Governance.SLOElevated != 15*time.Second {
		t.Errorf("Expected Governance.SLOElevated 15s, got %v", cfg.Governance.SLOElevated)
	}
	if cfg.LLM.LatencyBudget != 8*time.Second {
		t.Errorf("Expected LLM.LatencyBudget 8s, got %v", cfg.LLM.LatencyBudget)
	}
	if cfg.LLM.MaxRetries != 1 {
		t.Errorf("Expected LLM.MaxRetries 1, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.Bandit.ExplorationBonus != 0.2 {
		t.Errorf("Expected Bandit.ExplorationBonus 0.2, got %f", cfg.Bandit.ExplorationBonus)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("QDRANT_COLLECTION", "docs")
	t.Setenv("RETRIEVAL_FUSION_ALPHA", "0.5")
	t.Setenv("ANSWER_CACHE_TTL", "1h")
	t.Setenv("ITERATIVE_MAX_ITERATIONS", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_ENABLED", "true")

	cfg := Load()

	if cfg.Server.Port != "9999" {
		t.Errorf("Expected Server.Port '9999', got %s", cfg.Server.Port)
	}
	if cfg.Qdrant.Collection != "docs" {
		t.Errorf("Expected Qdrant.Collection 'docs', got %s", cfg.Qdrant.Collection)
	}
	if cfg.Retrieval.FusionAlpha != 0.5 {
		t.Errorf("Expected Retrieval.FusionAlpha 0.5, got %f", cfg.Retrieval.FusionAlpha)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Expected Cache.TTL 1h, got %v", cfg.Cache.TTL)
	}
	if cfg.Iterative.MaxIterations != 5 {
		t.Errorf("Expected Iterative.MaxIterations 5, got %d", cfg.Iterative.MaxIterations)
	}
	if len(cfg.Governance.Kafka.Brokers) != 2 || cfg.Governance.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Expected two kafka brokers, got %v", cfg.Governance.Kafka.Brokers)
	}
	if !cfg.Redis.Enabled {
		t.Error("Expected Redis.Enabled true")
	}
}

func TestInvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("RETRIEVAL_TOP_K", "not-a-number")
	t.Setenv("ANSWER_CACHE_TTL", "soon")
	t.Setenv("REDIS_ENABLED", "maybe")

	cfg := Load()

	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Expected Retrieval.TopK fallback 5, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Cache.TTL != 72*time.Hour {
		t.Errorf("Expected Cache.TTL fallback 72h, got %v", cfg.Cache.TTL)
	}
	if cfg.Redis.Enabled {
		t.Error("Expected Redis.Enabled fallback false")
	}
}

func TestStatePaths(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/adaptiverag")

	cfg := Load()

	if got := cfg.BanditStatePath(); got != filepath.Join("/var/lib/adaptiverag", "bandit_state.json") {
		t.Errorf("Unexpected bandit state path %s", got)
	}
	if got := cfg.ClassifierCachePath(); got != filepath.Join("/var/lib/adaptiverag", "classification_cache.json") {
		t.Errorf("Unexpected classifier cache path %s", got)
	}
	if got := cfg.SparseIndexPath("docs"); got != filepath.Join("/var/lib/adaptiverag", "bm25_docs.pkl") {
		t.Errorf("Unexpected sparse index path %s", got)
	}
}
