package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/vector"
	"github.com/knowledge-engine/backend/pkg/config"
	"github.com/knowledge-engine/backend/pkg/logger"
	"github.com/knowledge-engine/backend/pkg/utils"
)

const (
	fieldID         = "item_id"
	fieldEmbedding  = "embedding"
	fieldSnippet    = "snippet"
	fieldDepartment = "department"
	fieldCategory   = "category"
	fieldDIKW       = "dikw_level"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	hnswM          int
	hnswEfConstr   int
	searchEf       int
}

func NewClient(ctx context.Context, cfg config.ZillizConfig, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      vectorDim,
		hnswM:          cfg.HNSWM,
		hnswEfConstr:   cfg.HNSWEfConstr,
		searchEf:       cfg.SearchEf,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:     name,
		DataType: entity.FieldTypeVarChar,
		TypeParams: map[string]string{
			"max_length": strconv.Itoa(maxLen),
		},
	}
}

// EnsureCollection creates, indexes and loads the item collection if it does
// not exist yet.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		id := varchar(fieldID, 64)
		id.PrimaryKey = true

		schema := &entity.Schema{
			CollectionName: z.collectionName,
			Description:    "Knowledge item embeddings",
			Fields: []*entity.Field{
				id,
				{
					Name:     fieldEmbedding,
					DataType: entity.FieldTypeFloatVector,
					TypeParams: map[string]string{
						"dim": strconv.Itoa(z.vectorDim),
					},
				},
				// Snippets are truncated by rune count; 4 bytes per rune keeps them in bounds.
				varchar(fieldSnippet, vector.SnippetLimit*4),
				varchar(fieldDepartment, 128),
				varchar(fieldCategory, 128),
				varchar(fieldDIKW, 32),
			},
		}

		if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, z.hnswM, z.hnswEfConstr)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", z.collectionName))
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	return nil
}

func (z *Client) Upsert(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	embeddings := make([][]float32, len(records))
	snippets := make([]string, len(records))
	departments := make([]string, len(records))
	categories := make([]string, len(records))
	levels := make([]string, len(records))

	for i, r := range records {
		if len(r.Embedding) != z.vectorDim {
			return fmt.Errorf("embedding for %s has dimension %d, want %d", r.ID, len(r.Embedding), z.vectorDim)
		}
		ids[i] = r.ID
		embeddings[i] = r.Embedding
		snippets[i] = utils.TruncateRunes(r.Snippet, vector.SnippetLimit)
		departments[i] = r.Department
		categories[i] = r.Category
		levels[i] = r.DIKWLevel
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldSnippet, snippets),
		entity.NewColumnVarChar(fieldDepartment, departments),
		entity.NewColumnVarChar(fieldCategory, categories),
		entity.NewColumnVarChar(fieldDIKW, levels),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}

	logger.Debug("Vectors upserted", zap.Int("count", len(records)))
	return nil
}

// FilterExpr renders f as a Milvus boolean expression. An empty filter yields
// an empty expression.
func FilterExpr(f vector.Filter) string {
	var clauses []string
	add := func(field, value string) {
		if value != "" {
			clauses = append(clauses, fmt.Sprintf("%s == %s", field, strconv.Quote(value)))
		}
	}
	add(fieldDepartment, f.Department)
	add(fieldCategory, f.Category)
	add(fieldDIKW, f.DIKWLevel)
	return strings.Join(clauses, " && ")
}

func (z *Client) Search(ctx context.Context, embedding []float32, topK int, filter vector.Filter) ([]vector.Hit, error) {
	expr := FilterExpr(filter)

	sp, err := entity.NewIndexHNSWSearchParam(max(z.searchEf, topK))
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		[]string{fieldID, fieldSnippet},
		[]entity.Vector{entity.FloatVector(embedding)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]vector.Hit, 0, topK)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldID)
		snippetCol := sr.Fields.GetColumn(fieldSnippet)
		if idCol == nil || snippetCol == nil {
			return nil, fmt.Errorf("search result missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			id, err := idCol.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", fieldID, err)
			}
			snippet, err := snippetCol.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", fieldSnippet, err)
			}

			hits = append(hits, vector.Hit{
				ID:         id,
				Snippet:    snippet,
				Similarity: float64(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(hits)),
		zap.String("filters", expr),
	)

	return hits, nil
}
