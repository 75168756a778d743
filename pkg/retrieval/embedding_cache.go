package retrieval

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
)

const embeddingKeyPrefix = "nlq:emb:"

// CachedEmbedder fronts an Embedder with a Redis cache keyed by model and
// content hash. Cache errors are logged and bypassed; they never fail a call.
type CachedEmbedder struct {
	inner  llm.Embedder
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ llm.Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner. A nil client returns inner unchanged.
func NewCachedEmbedder(inner llm.Embedder, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) llm.Embedder {
	if rdb == nil {
		return inner
	}
	return &CachedEmbedder{inner: inner, rdb: rdb, ttl: ttl, logger: logger.Named("embedding-cache")}
}

func (c *CachedEmbedder) Model() string { return c.inner.Model() }

func (c *CachedEmbedder) cacheKey(text string) string {
	return embeddingKeyPrefix + c.inner.Model() + ":" + ContentHash(text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.cacheKey(t)
	}

	out := make([][]float32, len(texts))
	cached, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("embedding cache read failed", zap.Error(err))
		cached = nil
	}

	var missIdx []int
	var missTexts []string
	for i := range texts {
		if i < len(cached) {
			if s, ok := cached[i].(string); ok {
				if v, ok := decodeVector([]byte(s)); ok {
					out[i] = v
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	pipe := c.rdb.Pipeline()
	for j, i := range missIdx {
		out[i] = fresh[j]
		pipe.Set(ctx, keys[i], encodeVector(fresh[j]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}

	c.logger.Debug("embedded texts",
		zap.Int("requested", len(texts)),
		zap.Int("cache_hits", len(texts)-len(missTexts)))
	return out, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, true
}
