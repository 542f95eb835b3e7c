// Package ingest is the write side of the corpus: it splits documents into
// chunks, embeds them, and lands them in the vector collection and the BM25
// sidecar. It also bootstraps an empty collection from a JSONL seed file at
// startup.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/governance"
	"adaptiverag/internal/models"
	"adaptiverag/internal/sparse"
	"adaptiverag/internal/vectordb/qdrant"
)

// Embedder produces document vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the vector client ingestion depends on.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	UpsertPoints(ctx context.Context, collection string, points []qdrant.Point) error
	CountPoints(ctx context.Context, collection string, filter map[string]interface{}) (int64, error)
}

// Ingestor writes documents into the retrieval stores.
type Ingestor struct {
	store      VectorStore
	embedder   Embedder
	index      *sparse.Index
	tracker    *governance.Tracker
	cfg        config.IngestConfig
	collection string
	vectorSize int
	indexPath  string
	logger     *logrus.Logger
}

// NewIngestor wires the ingestor. index may be nil; BM25 indexing is then
// skipped and retrieval degrades to vector-only for the new chunks.
func NewIngestor(store VectorStore, embedder Embedder, index *sparse.Index, tracker *governance.Tracker, cfg config.IngestConfig, collection string, vectorSize int, indexPath string, logger *logrus.Logger) *Ingestor {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 800
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 8
	}
	return &Ingestor{
		store:      store,
		embedder:   embedder,
		index:      index,
		tracker:    tracker,
		cfg:        cfg,
		collection: collection,
		vectorSize: vectorSize,
		indexPath:  indexPath,
		logger:     logger,
	}
}

// Ingest chunks one document, embeds the chunks, and upserts them. Chunk IDs
// are derived from the document ID and ordinal, so re-ingesting a document
// overwrites its previous points instead of duplicating them.
func (ing *Ingestor) Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, apperr.Validation("text must not be empty", nil)
	}

	gctx := ing.tracker.Start("ingest")
	defer gctx.Complete(ctx)
	gctx.CheckpointPolicyGate(true, "document accepted for indexing")

	docID := strings.TrimSpace(req.DocumentID)
	if docID == "" {
		docID = uuid.NewString()
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = docID
	}

	pieces := Split(text, ing.cfg.ChunkSize, ing.cfg.ChunkOverlap)

	vectors, err := ing.embedder.Embed(ctx, pieces)
	if err != nil {
		gctx.Checkpoint(governance.CriterionReliability, governance.StatusFailed, err.Error(), nil)
		return nil, err
	}
	if len(vectors) != len(pieces) {
		err := apperr.Internal(fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces)), nil)
		gctx.Checkpoint(governance.CriterionReliability, governance.StatusFailed, err.Error(), nil)
		return nil, err
	}

	points := make([]qdrant.Point, len(pieces))
	for i, piece := range pieces {
		payload := map[string]interface{}{
			"text":        piece,
			"source":      source,
			"document_id": docID,
			"chunk_index": i,
		}
		for k, v := range req.Metadata {
			if _, reserved := payload[k]; reserved {
				continue
			}
			payload[k] = v
		}
		points[i] = qdrant.Point{
			ID:      chunkID(docID, i),
			Vector:  vectors[i],
			Payload: payload,
		}
	}

	if err := ing.store.EnsureCollection(ctx, ing.collection, ing.vectorSize); err != nil {
		gctx.Checkpoint(governance.CriterionReliability, governance.StatusFailed, err.Error(), nil)
		return nil, err
	}
	if err := ing.store.UpsertPoints(ctx, ing.collection, points); err != nil {
		gctx.Checkpoint(governance.CriterionReliability, governance.StatusFailed, err.Error(), nil)
		return nil, err
	}

	if ing.index != nil {
		for i, p := range points {
			ing.index.Add(p.ID, pieces[i])
		}
		if err := ing.index.Save(ing.indexPath); err != nil {
			// The sidecar rebuilds lazily from the store, so a failed save
			// costs a rebuild, not data.
			ing.logger.WithError(err).Warn("BM25 index save failed")
			gctx.CheckpointReliability(true, "BM25 index save failed")
		}
	}

	gctx.CheckpointDataGovernance(ing.collection)
	gctx.CheckpointAudit(fmt.Sprintf("document %s indexed as %d chunks", docID, len(points)))

	ing.logger.WithFields(logrus.Fields{
		"document_id": docID,
		"chunks":      len(points),
		"collection":  ing.collection,
	}).Info("Document ingested")

	return &models.IngestResponse{DocumentID: docID, ChunksIndexed: len(points)}, nil
}

// chunkID derives a stable UUID for a document chunk.
func chunkID(docID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", docID, ordinal))).String()
}
