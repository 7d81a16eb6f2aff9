package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/retrieval"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

type InterestStore interface {
	TopInterests(ctx context.Context, userID string, limit int) ([]models.UserInterest, error)
}

type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// ResultCache stores finished recommendation lists per user.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Recommendation struct {
	ItemID   string  `json:"item_id"`
	Filename string  `json:"filename"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score"`
	Concept  string  `json:"concept"`
}

// Result carries the ranked recommendations. Warning is set when the list was
// degraded to empty because a collaborator failed.
type Result struct {
	Items   []Recommendation `json:"items"`
	Warning string           `json:"warning,omitempty"`
}

type ComposerConfig struct {
	TopInterests    int
	PerInterestTopK int
	Limit           int
}

func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{TopInterests: 5, PerInterestTopK: 3, Limit: 5}
}

type Composer struct {
	interests InterestStore
	searcher  Searcher
	profiler  *Profiler
	cfg       ComposerConfig

	cache    ResultCache
	cacheTTL time.Duration
}

type ComposerOption func(*Composer)

// WithResultCache serves repeated requests for the same user from cache for
// ttl. Degraded results are never cached. A non-positive ttl disables it.
func WithResultCache(cache ResultCache, ttl time.Duration) ComposerOption {
	return func(c *Composer) {
		if cache != nil && ttl > 0 {
			c.cache, c.cacheTTL = cache, ttl
		}
	}
}

func NewComposer(interests InterestStore, searcher Searcher, profiler *Profiler, cfg ComposerConfig, opts ...ComposerOption) *Composer {
	def := DefaultComposerConfig()
	if cfg.TopInterests <= 0 {
		cfg.TopInterests = def.TopInterests
	}
	if cfg.PerInterestTopK <= 0 {
		cfg.PerInterestTopK = def.PerInterestTopK
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	c := &Composer{interests: interests, searcher: searcher, profiler: profiler, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(userID string) string {
	return "recs:" + userID
}

// Recommend ranks items matching the user's strongest interests by
// similarity × interest score. An item matched under a higher ranked interest
// is not rescored under a later one. A failed interest search is skipped and
// the list is not cached. Losing the interests or every search yields an
// empty list with a warning; only a missing user id is an error.
func (c *Composer) Recommend(ctx context.Context, userID string) (*Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.Validation("user id is required")
	}

	if c.cache != nil {
		var cached Result
		hit, err := c.cache.GetJSON(ctx, cacheKey(userID), &cached)
		switch {
		case err != nil:
			logger.Warn("Recommendation cache read failed", zap.String("user_id", userID), zap.Error(err))
		case hit:
			metrics.CacheHits.WithLabelValues("recommendations").Inc()
			metrics.RecommendationsServed.WithLabelValues("cached").Inc()
			return &cached, nil
		default:
			metrics.CacheMisses.WithLabelValues("recommendations").Inc()
		}
	}

	items, complete, err := c.recommend(ctx, userID)
	if err != nil {
		logger.Warn("Recommendations degraded to empty",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		metrics.RecommendationsServed.WithLabelValues("degraded").Inc()
		return &Result{Items: []Recommendation{}, Warning: "recommendations are temporarily unavailable"}, nil
	}

	res := &Result{Items: items}
	if !complete {
		metrics.RecommendationsServed.WithLabelValues("partial").Inc()
		return res, nil
	}
	metrics.RecommendationsServed.WithLabelValues("ok").Inc()
	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey(userID), res, c.cacheTTL); err != nil {
			logger.Warn("Recommendation cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return res, nil
}

func (c *Composer) recommend(ctx context.Context, userID string) ([]Recommendation, bool, error) {
	interests, err := c.interests.TopInterests(ctx, userID, c.cfg.TopInterests)
	if err != nil {
		return nil, false, fmt.Errorf("load interests: %w", err)
	}
	if len(interests) == 0 {
		return []Recommendation{}, true, nil
	}

	perInterest := make([][]retrieval.Result, len(interests))
	errs := make([]error, len(interests))
	var g errgroup.Group
	for i, interest := range interests {
		g.Go(func() error {
			results, err := c.searcher.Search(ctx, retrieval.Query{Text: interest.Concept, TopK: c.cfg.PerInterestTopK})
			if err != nil {
				logger.Warn("Interest search failed",
					zap.String("user_id", userID),
					zap.String("concept", interest.Concept),
					zap.Error(err),
				)
				errs[i] = fmt.Errorf("search interest %q: %w", interest.Concept, err)
				return nil
			}
			perInterest[i] = results
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(interests) {
		return nil, false, multierr.Combine(errs...)
	}

	return Merge(interests, perInterest, c.cfg.Limit), failed == 0, nil
}

// Merge combines per-interest search results, which must be index aligned
// with interests, into at most limit recommendations.
func Merge(interests []models.UserInterest, perInterest [][]retrieval.Result, limit int) []Recommendation {
	seen := make(map[string]bool)
	recs := make([]Recommendation, 0)

	for i, interest := range interests {
		for _, r := range perInterest[i] {
			if seen[r.ItemID] {
				continue
			}
			seen[r.ItemID] = true
			recs = append(recs, Recommendation{
				ItemID:   r.ItemID,
				Filename: r.Filename,
				Reason:   fmt.Sprintf("Matches your interest in %q", interest.Concept),
				Score:    r.Similarity * interest.Score,
				Concept:  interest.Concept,
			})
		}
	}

	sort.SliceStable(recs, func(a, b int) bool {
		return recs[a].Score > recs[b].Score
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

// Refresh re-infers the user's interests and then recommends, bypassing any
// cached list. A failed inference is logged and the previous profile is used.
func (c *Composer) Refresh(ctx context.Context, userID string) (*Result, error) {
	if c.profiler != nil {
		if _, err := c.profiler.InferInterests(ctx, userID); err != nil {
			if apperrors.IsValidation(err) {
				return nil, err
			}
			logger.Warn("Interest inference failed during refresh",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	if c.cache != nil {
		if err := c.cache.Delete(ctx, cacheKey(strings.TrimSpace(userID))); err != nil {
			logger.Warn("Recommendation cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return c.Recommend(ctx, userID)
}
