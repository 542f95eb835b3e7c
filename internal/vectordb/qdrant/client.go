// Package qdrant is a typed REST client covering the slice of the Qdrant API
// the retrieval pipeline uses: collection management, point upsert, search,
// scroll and count.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
)

// ErrVectorSizeMismatch reports that an existing collection's dimension
// disagrees with the configured embedding dimension. The collection is left
// untouched; recreating it would destroy indexed data.
var ErrVectorSizeMismatch = errors.New("collection vector size mismatch")

// Client talks to a single Qdrant instance.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a Qdrant client.
func NewClient(config *Config, logger *logrus.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// Ping verifies connectivity. The root endpoint works across Qdrant versions.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "", nil)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	url := c.config.baseURL() + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("api-key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.VectorStoreUnavailable("qdrant request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.VectorStoreUnavailable("failed to read qdrant response", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("qdrant returned 404: %s", string(respBody))
		}
		return nil, apperr.VectorStoreUnavailable(
			fmt.Sprintf("qdrant returned %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	return respBody, nil
}

// CollectionExists reports whether the collection is present.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		if apperr.IsKind(err, apperr.KindVectorStoreUnavailable) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// GetCollectionInfo returns collection status and vector parameters.
func (c *Client) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors json.RawMessage `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse collection info: %w", err)
	}

	info := &CollectionInfo{
		Name:        name,
		Status:      response.Result.Status,
		PointsCount: response.Result.PointsCount,
	}

	// Unnamed vector config only. Named vector maps are not produced by this
	// client and are rejected on the ensure path.
	var params struct {
		Size     int    `json:"size"`
		Distance string `json:"distance"`
	}
	if len(response.Result.Config.Params.Vectors) > 0 {
		if err := json.Unmarshal(response.Result.Config.Params.Vectors, &params); err == nil {
			info.VectorSize = params.Size
			info.Distance = params.Distance
		}
	}

	return info, nil
}

// CreateCollection creates a collection with an unnamed cosine vector space.
func (c *Client) CreateCollection(ctx context.Context, name string, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", vectorSize)
	}

	reqBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}

	if _, err := c.doRequest(ctx, http.MethodPut, "/collections/"+name, reqBody); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection":  name,
		"vector_size": vectorSize,
	}).Info("Collection created")
	return nil
}

// EnsureCollection creates the collection when missing and fails fast when an
// existing collection's dimension disagrees with the embedding dimension.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return c.CreateCollection(ctx, name, vectorSize)
	}

	info, err := c.GetCollectionInfo(ctx, name)
	if err != nil {
		return err
	}
	if info.VectorSize != 0 && info.VectorSize != vectorSize {
		return apperr.Validation(
			fmt.Sprintf("collection %s has vector size %d, embedding dimension is %d",
				name, info.VectorSize, vectorSize),
			ErrVectorSizeMismatch,
		)
	}
	return nil
}

// DeleteCollection removes a collection.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/collections/"+name, nil); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	c.logger.WithField("collection", name).Info("Collection deleted")
	return nil
}

// UpsertPoints inserts or updates points. IDs are assigned when absent.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for i := range points {
		if points[i].ID == "" {
			points[i].ID = uuid.New().String()
		}
	}

	reqBody := map[string]interface{}{"points": points}
	if _, err := c.doRequest(ctx, http.MethodPut, "/collections/"+collection+"/points", reqBody); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(points),
	}).Debug("Points upserted")
	return nil
}

// DeletePoints removes points by ID.
func (c *Client) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	reqBody := map[string]interface{}{"points": ids}
	if _, err := c.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points/delete", reqBody); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(ids),
	}).Debug("Points deleted")
	return nil
}

// Search runs a vector similarity search.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, opts *SearchOptions) ([]ScoredPoint, error) {
	if opts == nil {
		opts = DefaultSearchOptions()
	}

	reqBody := map[string]interface{}{
		"vector":       vector,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
		"with_payload": opts.WithPayload,
		"with_vector":  opts.WithVectors,
	}
	if opts.ScoreThreshold > 0 {
		reqBody["score_threshold"] = opts.ScoreThreshold
	}
	if opts.Filter != nil {
		reqBody["filter"] = opts.Filter
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points/search", reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var response struct {
		Result []ScoredPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return response.Result, nil
}

// GetPoints retrieves points by ID, payloads and vectors included.
func (c *Client) GetPoints(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	reqBody := map[string]interface{}{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  true,
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points", reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to get points: %w", err)
	}

	var response struct {
		Result []Point `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse points response: %w", err)
	}
	return response.Result, nil
}

// Scroll pages through a collection. Pass the returned cursor to continue; a
// nil cursor means the scroll is exhausted.
func (c *Client) Scroll(ctx context.Context, collection string, limit int, offset *string, filter map[string]interface{}) ([]Point, *string, error) {
	reqBody := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if offset != nil {
		reqBody["offset"] = *offset
	}
	if filter != nil {
		reqBody["filter"] = filter
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scroll points: %w", err)
	}

	var response struct {
		Result struct {
			NextPageOffset *string `json:"next_page_offset"`
			Points         []Point `json:"points"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, nil, fmt.Errorf("failed to parse scroll response: %w", err)
	}
	return response.Result.Points, response.Result.NextPageOffset, nil
}

// CountPoints returns the exact point count, optionally filtered.
func (c *Client) CountPoints(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	reqBody := map[string]interface{}{"exact": true}
	if filter != nil {
		reqBody["filter"] = filter
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points/count", reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	var response struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return 0, fmt.Errorf("failed to parse count response: %w", err)
	}
	return response.Result.Count, nil
}
