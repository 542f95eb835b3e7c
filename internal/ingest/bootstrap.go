package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/vectordb/qdrant"
)

const seedBatchSize = 128

// seedRecord is one line of the JSONL seed file.
type seedRecord struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Bootstrap loads the configured seed file into the collection when the
// collection is empty. It returns the number of points loaded; an unset seed
// path or an already populated collection loads nothing. A seed path that is
// configured but unreadable is an error, since the deployment expected a
// corpus.
func (ing *Ingestor) Bootstrap(ctx context.Context) (int, error) {
	if ing.cfg.SeedPath == "" {
		return 0, nil
	}
	if err := ing.store.EnsureCollection(ctx, ing.collection, ing.vectorSize); err != nil {
		return 0, err
	}
	count, err := ing.store.CountPoints(ctx, ing.collection, nil)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		ing.logger.WithFields(logrus.Fields{
			"collection": ing.collection,
			"points":     count,
		}).Debug("Collection already populated, skipping seed load")
		return 0, nil
	}

	f, err := os.Open(ing.cfg.SeedPath)
	if err != nil {
		return 0, apperr.Internal(fmt.Sprintf("seed file %s is configured but unreadable", ing.cfg.SeedPath), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var (
		batch  []qdrant.Point
		loaded int
		line   int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ing.store.UpsertPoints(ctx, ing.collection, batch); err != nil {
			return err
		}
		loaded += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec seedRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return loaded, apperr.Internal(fmt.Sprintf("seed line %d is not valid JSON", line), err)
		}
		if rec.ID == "" {
			return loaded, apperr.Internal(fmt.Sprintf("seed line %d has no id", line), nil)
		}
		if len(rec.Vector) != ing.vectorSize {
			return loaded, apperr.Internal(fmt.Sprintf("seed line %d has a %d-dim vector, want %d", line, len(rec.Vector), ing.vectorSize), nil)
		}
		batch = append(batch, qdrant.Point{ID: rec.ID, Vector: rec.Vector, Payload: rec.Payload})
		if ing.index != nil {
			if text := payloadText(rec.Payload); text != "" {
				ing.index.Add(rec.ID, text)
			}
		}
		if len(batch) >= seedBatchSize {
			if err := flush(); err != nil {
				return loaded, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return loaded, apperr.Internal("seed file read failed", err)
	}
	if err := flush(); err != nil {
		return loaded, err
	}

	if ing.index != nil && loaded > 0 {
		if err := ing.index.Save(ing.indexPath); err != nil {
			ing.logger.WithError(err).Warn("BM25 index save failed")
		}
	}

	ing.logger.WithFields(logrus.Fields{
		"collection": ing.collection,
		"points":     loaded,
	}).Info("Seed corpus loaded")
	return loaded, nil
}

// payloadText pulls the chunk text from a seed payload.
func payloadText(payload map[string]interface{}) string {
	if s, ok := payload["text"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["content"].(string); ok {
		return s
	}
	return ""
}
