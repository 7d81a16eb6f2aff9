package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/knowledge-engine/backend/internal/middleware/validation"
	"github.com/knowledge-engine/backend/internal/recommend"
	"github.com/knowledge-engine/backend/internal/retrieval"
)

type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

type Recommender interface {
	Recommend(ctx context.Context, userID string) (*recommend.Result, error)
	Refresh(ctx context.Context, userID string) (*recommend.Result, error)
}

type SearchHandler struct {
	searcher    Searcher
	recommender Recommender
	binder      *validation.Binder
	defaultTopK int
}

func NewSearchHandler(searcher Searcher, recommender Recommender, binder *validation.Binder, defaultTopK int) *SearchHandler {
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	return &SearchHandler{
		searcher:    searcher,
		recommender: recommender,
		binder:      binder,
		defaultTopK: defaultTopK,
	}
}

type searchRequest struct {
	Query   string            `json:"query" validate:"maxtext"`
	TopK    *int              `json:"top_k"`
	Filters retrieval.Filters `json:"filters"`
}

func (h *SearchHandler) Search(c *fiber.Ctx) error {
	var req searchRequest
	if err := h.binder.Bind(c, &req); err != nil {
		return respondError(c, "search", err)
	}

	topK := h.defaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}

	results, err := h.searcher.Search(c.UserContext(), retrieval.Query{
		Text:    req.Query,
		TopK:    topK,
		Filters: req.Filters,
	})
	if err != nil {
		return respondError(c, "search", err)
	}

	return c.JSON(fiber.Map{
		"results": results,
		"count":   len(results),
	})
}

func (h *SearchHandler) Recommendations(c *fiber.Ctx) error {
	res, err := h.recommender.Recommend(c.UserContext(), userID(c, c.Query("user_id")))
	if err != nil {
		return respondError(c, "recommend", err)
	}
	return c.JSON(res)
}

type refreshRequest struct {
	UserID string `json:"user_id"`
}

func (h *SearchHandler) RefreshRecommendations(c *fiber.Ctx) error {
	var req refreshRequest
	if len(c.Body()) > 0 {
		if err := h.binder.Bind(c, &req); err != nil {
			return respondError(c, "refresh_recommendations", err)
		}
	}

	res, err := h.recommender.Refresh(c.UserContext(), userID(c, req.UserID))
	if err != nil {
		return respondError(c, "refresh_recommendations", err)
	}
	return c.JSON(res)
}
