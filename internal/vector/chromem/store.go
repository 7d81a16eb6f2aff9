package chromem

import (
	"context"
	"errors"
	"fmt"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/vector"
	"github.com/knowledge-engine/backend/pkg/config"
	"github.com/knowledge-engine/backend/pkg/logger"
	"github.com/knowledge-engine/backend/pkg/utils"
)

const (
	metaDepartment = "department"
	metaCategory   = "category"
	metaDIKW       = "dikw_level"
)

var errNoEmbedding = errors.New("chromem store only accepts precomputed embeddings")

// Store is an embedded, file-backed ANN index for single-process deployments.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewStore opens the database at cfg.Path. An empty path keeps everything in
// memory.
func NewStore(cfg config.ChromemConfig) (*Store, error) {
	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.CollectionName, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", cfg.CollectionName, err)
	}

	logger.Info("Chromem vector store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.CollectionName),
		zap.Int("documents", collection.Count()),
	)

	return &Store{db: db, collection: collection}, nil
}

// Vectors always come from the engine's embedder, never from chromem.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Upsert(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %s has no embedding", r.ID)
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   utils.TruncateRunes(r.Snippet, vector.SnippetLimit),
			Embedding: r.Embedding,
			Metadata: map[string]string{
				metaDepartment: r.Department,
				metaCategory:   r.Category,
				metaDIKW:       r.DIKWLevel,
			},
		}
	}

	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}

	logger.Debug("Vectors upserted", zap.Int("count", len(records)))
	return nil
}

func whereClause(f vector.Filter) map[string]string {
	if f.IsZero() {
		return nil
	}
	where := make(map[string]string, 3)
	if f.Department != "" {
		where[metaDepartment] = f.Department
	}
	if f.Category != "" {
		where[metaCategory] = f.Category
	}
	if f.DIKWLevel != "" {
		where[metaDIKW] = f.DIKWLevel
	}
	return where
}

func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter vector.Filter) ([]vector.Hit, error) {
	// chromem rejects nResults larger than the collection.
	n := min(topK, s.collection.Count())
	if n <= 0 {
		return []vector.Hit{}, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, n, whereClause(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	hits := make([]vector.Hit, len(results))
	for i, r := range results {
		hits[i] = vector.Hit{
			ID:         r.ID,
			Snippet:    r.Content,
			Similarity: float64(r.Similarity),
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}
