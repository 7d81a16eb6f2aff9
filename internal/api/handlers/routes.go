package handlers

import (
	"github.com/gofiber/fiber/v2"
)

type Routes struct {
	Feedback  *FeedbackHandler
	Search    *SearchHandler
	Knowledge *KnowledgeHandler
	Health    *HealthHandler
}

// Register mounts every endpoint under api. Handlers left nil are skipped.
func Register(api fiber.Router, r Routes) {
	if h := r.Health; h != nil {
		api.Get("/health", h.Health)
		api.Get("/ready", h.Ready)
	}

	if h := r.Feedback; h != nil {
		api.Post("/feedback", h.Submit)
		api.Post("/feedback/implicit", h.Implicit)
		api.Post("/feedback/snippet-copy", h.SnippetCopy)
		api.Post("/feedback/citations", h.Citations)
	}

	if h := r.Search; h != nil {
		api.Post("/search", h.Search)
		api.Get("/recommendations", h.Recommendations)
		api.Post("/recommendations/refresh", h.RefreshRecommendations)
	}

	if h := r.Knowledge; h != nil {
		api.Post("/items", h.IngestItem)
		api.Get("/aggregation/candidates", h.Candidates)
		api.Post("/aggregation/synthesize", h.Synthesize)
		api.Post("/decay/refresh", h.RefreshDecay)
	}
}
