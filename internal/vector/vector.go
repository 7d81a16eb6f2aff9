// Package vector holds the types shared by the ANN backends.
package vector

import "context"

type Record struct {
	ID         string
	Embedding  []float32
	Snippet    string
	Department string
	Category   string
	DIKWLevel  string
}

// Filter restricts a search to items whose metadata equals every non-empty
// field.
type Filter struct {
	Department string
	Category   string
	DIKWLevel  string
}

func (f Filter) IsZero() bool {
	return f.Department == "" && f.Category == "" && f.DIKWLevel == ""
}

// Hit is a single nearest-neighbour match. Similarity is cosine similarity.
type Hit struct {
	ID         string
	Snippet    string
	Similarity float64
}

type Store interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Hit, error)
	Close() error
}

// SnippetLimit bounds the snippet stored next to each vector.
const SnippetLimit = 1000
