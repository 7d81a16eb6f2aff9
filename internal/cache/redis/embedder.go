package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/pkg/logger"
	"github.com/knowledge-engine/backend/pkg/utils"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type embeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachingEmbedder serves repeated texts from redis. Cache errors are logged
// and fall through to the wrapped embedder.
type CachingEmbedder struct {
	next  Embedder
	cache embeddingCache
	model string
	ttl   time.Duration

	onHit  func()
	onMiss func()
}

type CacheOption func(*CachingEmbedder)

// WithHitMissHooks registers callbacks for cache hits and misses.
func WithHitMissHooks(onHit, onMiss func()) CacheOption {
	return func(e *CachingEmbedder) {
		e.onHit = onHit
		e.onMiss = onMiss
	}
}

func NewCachingEmbedder(next Embedder, cache embeddingCache, model string, ttl time.Duration, opts ...CacheOption) *CachingEmbedder {
	e := &CachingEmbedder{
		next:   next,
		cache:  cache,
		model:  model,
		ttl:    ttl,
		onHit:  func() {},
		onMiss: func() {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.TextKey(e.model, text)

	cached, ok, err := e.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok {
		e.onHit()
		return cached, nil
	}
	e.onMiss()

	embedding, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.cache.SetEmbedding(ctx, key, embedding, e.ttl); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}

	return embedding, nil
}
