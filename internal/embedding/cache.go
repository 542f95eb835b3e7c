package embedding

import (
	"context"
	"crypto/md5" // #nosec G401 -- cache key fingerprint, not security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// VectorCache is a read-through Redis cache for embedding vectors. Keys are
// scoped by model so a pair switch never serves vectors from another space.
// Cache failures degrade to misses.
type VectorCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewVectorCache wraps an existing Redis client.
func NewVectorCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *VectorCache {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &VectorCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(model, text string) string {
	sum := md5.Sum([]byte(text)) // #nosec G401
	return fmt.Sprintf("emb:%s:%s", model, hex.EncodeToString(sum[:]))
}

// Get returns the cached vector for (model, text), if present.
func (c *VectorCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, cacheKey(model, text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Debug("Embedding cache read failed")
		}
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.WithError(err).Debug("Embedding cache entry corrupt, ignoring")
		return nil, false
	}
	return vec, true
}

// Put stores a vector under (model, text) with the configured TTL.
func (c *VectorCache) Put(ctx context.Context, model, text string, vec []float32) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(model, text), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("Embedding cache write failed")
	}
}

// Ping verifies the Redis connection.
func (c *VectorCache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("redis client not configured")
	}
	return c.client.Ping(ctx).Err()
}
