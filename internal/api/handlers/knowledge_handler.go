package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/knowledge-engine/backend/internal/aggregation"
	"github.com/knowledge-engine/backend/internal/decay"
	"github.com/knowledge-engine/backend/internal/ingestion"
	"github.com/knowledge-engine/backend/internal/middleware/validation"
	"github.com/knowledge-engine/backend/internal/storage/models"
)

type Synthesizer interface {
	DiscoverCandidates(ctx context.Context) *aggregation.Discovery
	Synthesize(ctx context.Context, concept string, itemIDs []string) (*aggregation.Result, error)
}

type Ingestor interface {
	IngestItem(ctx context.Context, req *ingestion.Request) (*models.KnowledgeItem, error)
}

type DecayRefresher interface {
	RefreshAll(ctx context.Context) (*decay.Report, error)
}

// KnowledgeHandler serves the corpus maintenance endpoints: ingestion,
// aggregation and decay.
type KnowledgeHandler struct {
	synthesizer Synthesizer
	ingestor    Ingestor
	decay       DecayRefresher
	binder      *validation.Binder
}

func NewKnowledgeHandler(synthesizer Synthesizer, ingestor Ingestor, refresher DecayRefresher, binder *validation.Binder) *KnowledgeHandler {
	return &KnowledgeHandler{
		synthesizer: synthesizer,
		ingestor:    ingestor,
		decay:       refresher,
		binder:      binder,
	}
}

func (h *KnowledgeHandler) Candidates(c *fiber.Ctx) error {
	return c.JSON(h.synthesizer.DiscoverCandidates(c.UserContext()))
}

type synthesizeRequest struct {
	ConceptName string   `json:"concept_name"`
	ItemIDs     []string `json:"item_ids"`
}

func (h *KnowledgeHandler) Synthesize(c *fiber.Ctx) error {
	var req synthesizeRequest
	if err := h.binder.Bind(c, &req); err != nil {
		return respondError(c, "synthesize_knowledge", err)
	}

	res, err := h.synthesizer.Synthesize(c.UserContext(), req.ConceptName, req.ItemIDs)
	if err != nil {
		return respondError(c, "synthesize_knowledge", err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

type itemResponse struct {
	ID       string   `json:"id"`
	Filename string   `json:"filename"`
	Topics   []string `json:"topics"`
}

func (h *KnowledgeHandler) IngestItem(c *fiber.Ctx) error {
	var req ingestion.Request
	if err := h.binder.Bind(c, &req); err != nil {
		return respondError(c, "ingest_item", err)
	}

	item, err := h.ingestor.IngestItem(c.UserContext(), &req)
	if err != nil {
		return respondError(c, "ingest_item", err)
	}
	return c.Status(fiber.StatusCreated).JSON(itemResponse{ID: item.ID, Filename: item.Filename, Topics: item.Topics})
}

func (h *KnowledgeHandler) RefreshDecay(c *fiber.Ctx) error {
	report, err := h.decay.RefreshAll(c.UserContext())
	if err != nil {
		return respondError(c, "refresh_decay", err)
	}
	return c.JSON(report)
}
