package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/internal/vector"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

// DefaultThreshold is looser than an exhaustive search would use; ANN
// under-recalls near the boundary.
const DefaultThreshold = 0.5

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type ItemStore interface {
	ItemsByIDs(ctx context.Context, ids []string) ([]models.KnowledgeItem, error)
}

type Filters struct {
	Department string `json:"department,omitempty"`
	Category   string `json:"category,omitempty"`
	DIKWLevel  string `json:"dikw_level,omitempty"`
}

type Query struct {
	Text    string
	TopK    int
	Filters Filters
}

type Result struct {
	ItemID      string             `json:"item_id"`
	Filename    string             `json:"filename"`
	Snippet     string             `json:"snippet"`
	Similarity  float64            `json:"similarity"`
	DecayScore  float64            `json:"decay_score"`
	DecayStatus models.DecayStatus `json:"decay_status"`
}

type Index struct {
	embedder  Embedder
	vectors   vector.Store
	items     ItemStore
	threshold float64
}

type Option func(*Index)

func WithThreshold(t float64) Option {
	return func(i *Index) {
		i.threshold = t
	}
}

func NewIndex(embedder Embedder, vectors vector.Store, items ItemStore, opts ...Option) *Index {
	idx := &Index{
		embedder:  embedder,
		vectors:   vectors,
		items:     items,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func (i *Index) Threshold() float64 {
	return i.threshold
}

// Search embeds the query and returns the nearest items at or above the
// similarity threshold, most similar first. An embedding or index failure
// fails the whole search.
func (i *Index) Search(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	results, err := i.search(ctx, q)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SearchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.SearchResultsCount.Observe(float64(len(results)))
	}

	return results, err
}

func (i *Index) search(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, apperrors.Validation("query text is required")
	}
	if q.TopK <= 0 {
		return nil, apperrors.Validation("top_k must be positive, got %d", q.TopK)
	}

	embedding, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return nil, apperrors.Dependency("embed query", err)
	}

	hits, err := i.vectors.Search(ctx, embedding, q.TopK, vector.Filter{
		Department: q.Filters.Department,
		Category:   q.Filters.Category,
		DIKWLevel:  q.Filters.DIKWLevel,
	})
	if err != nil {
		return nil, apperrors.Dependency("vector search", err)
	}

	hits = applyThreshold(hits, i.threshold)
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(hits))
	for n, h := range hits {
		ids[n] = h.ID
	}
	items, err := i.items.ItemsByIDs(ctx, ids)
	if err != nil {
		return nil, apperrors.Dependency("load items", err)
	}
	byID := make(map[string]models.KnowledgeItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		item, ok := byID[h.ID]
		if !ok {
			// Vector without a row: the item was never committed or was removed upstream.
			logger.Debug("Skipping orphan vector", zap.String("item_id", h.ID))
			continue
		}
		results = append(results, Result{
			ItemID:      h.ID,
			Filename:    item.Filename,
			Snippet:     h.Snippet,
			Similarity:  h.Similarity,
			DecayScore:  item.DecayScore,
			DecayStatus: item.DecayStatus,
		})
	}

	logger.Debug("Search completed",
		zap.Int("top_k", q.TopK),
		zap.Int("hits", len(hits)),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// applyThreshold drops hits below threshold, clamps similarity into [0,1] and
// orders by similarity descending, ties by id.
func applyThreshold(hits []vector.Hit, threshold float64) []vector.Hit {
	kept := make([]vector.Hit, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if h.Similarity > 1 {
			h.Similarity = 1
		}
		if h.Similarity < threshold || h.Similarity < 0 || seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		kept = append(kept, h)
	}

	sort.SliceStable(kept, func(a, b int) bool {
		if kept[a].Similarity != kept[b].Similarity {
			return kept[a].Similarity > kept[b].Similarity
		}
		return kept[a].ID < kept[b].ID
	})
	return kept
}

// IndexItem embeds the item's content and stores its vector with the
// metadata used for filtering.
func (i *Index) IndexItem(ctx context.Context, item *models.KnowledgeItem) error {
	embedding, err := i.embedder.Embed(ctx, item.Content)
	if err != nil {
		return apperrors.Dependency("embed item", err)
	}

	err = i.vectors.Upsert(ctx, []vector.Record{{
		ID:         item.ID,
		Embedding:  embedding,
		Snippet:    item.Content,
		Department: item.Department,
		Category:   item.Category,
		DIKWLevel:  item.DIKWLevel,
	}})
	if err != nil {
		return apperrors.Dependency("upsert vector", err)
	}
	return nil
}
