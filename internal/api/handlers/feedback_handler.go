package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/knowledge-engine/backend/internal/middleware/validation"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
)

type FeedbackSubmitter interface {
	Submit(ctx context.Context, event *models.FeedbackEvent) (*models.FeedbackStats, error)
	SubmitMany(ctx context.Context, events []*models.FeedbackEvent) error
}

type ConversationAnalyzer interface {
	AnalyzeAsync(ctx context.Context, sessionID, userID string, messages []models.ChatMessage, itemIDs []string)
	RecordSnippetCopy(ctx context.Context, itemID, userID, topic string) (*models.FeedbackStats, error)
}

type FeedbackHandler struct {
	ledger   FeedbackSubmitter
	analyzer ConversationAnalyzer
	binder   *validation.Binder
}

func NewFeedbackHandler(ledger FeedbackSubmitter, analyzer ConversationAnalyzer, binder *validation.Binder) *FeedbackHandler {
	return &FeedbackHandler{
		ledger:   ledger,
		analyzer: analyzer,
		binder:   binder,
	}
}

type feedbackRequest struct {
	ItemID  string                  `json:"item_id"`
	Source  models.FeedbackSource   `json:"source"`
	Type    models.FeedbackType     `json:"type"`
	Score   float64                 `json:"score"`
	UserID  string                  `json:"user_id"`
	Details *models.FeedbackDetails `json:"details"`
}

type statsResponse struct {
	Count           int     `json:"count"`
	NormalizedScore float64 `json:"feedback_score"`
	PositiveRatio   float64 `json:"positive_ratio"`
}

func toStatsResponse(s *models.FeedbackStats) *statsResponse {
	if s == nil {
		return nil
	}
	return &statsResponse{Count: s.Count, NormalizedScore: s.NormalizedScore, PositiveRatio: s.PositiveRatio}
}

// Submit records one explicit or self-assessed feedback event. The ledger
// validates the event fields.
func (h *FeedbackHandler) Submit(c *fiber.Ctx) error {
	var req feedbackRequest
	if err := h.binder.Bind(c, &req); err != nil {
		return respondError(c, "submit_feedback", err)
	}

	stats, err := h.ledger.Submit(c.UserContext(), &models.FeedbackEvent{
		ItemID:  req.ItemID,
		Source:  req.Source,
		Type:    req.Type,
		Score:   req.Score,
		ActorID: userID(c, req.UserID),
		Details: req.Details,
	})
	if err != nil {
		return respondError(c, "submit_feedback", err)
	}

	resp := fiber.Map{"ok": true}
	if s := toStatsResponse(stats); s != nil {
		resp["stats"] = s
	}
	return c.JSON(resp)
}

type implicitRequest struct {
	SessionID string               `json:"session_id" validate:"required"`
	UserID    string               `json:"user_id"`
	Messages  []models.ChatMessage `json:"messages" validate:"dive"`
	ItemIDs   []string             `json:"item_ids"`
}

// Implicit queues sentiment analysis of a finished conversation and returns
// before it runs.
func (h *FeedbackHandler) Implicit(c *fiber.Ctx) error {
	var req implicitRequest
	if err := h.binder.Bind(c, &req); err != nil {
		return respondError(c, "implicit_feedback", err)
	}

	h.analyzer.AnalyzeAsync(c.UserContext(), req.SessionID, userID(c, req.UserID), req.Messages, req.ItemIDs)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
}

type snippetCopyRequest struct {
	ItemID string `json:"item_id" validate:"required"`
	UserID string `json:"user_id"`
	Topic  string `json:"topic"`
}

func (h *FeedbackHandler) SnippetCopy(c *fiber.Ctx) error {
	var req snippetCopyRequest
	if err := h.binder.Bind(c, &req); err != nil {
		return respondError(c, "snippet_copy", err)
	}

	stats, err := h.analyzer.RecordSnippetCopy(c.UserContext(), req.ItemID, userID(c, req.UserID), req.Topic)
	if err != nil {
		return respondError(c, "snippet_copy", err)
	}

	resp := fiber.Map{"ok": true}
	if s := toStatsResponse(stats); s != nil {
		resp["stats"] = s
	}
	return c.JSON(resp)
}

type citation struct {
	ItemID string  `json:"item_id" validate:"required"`
	Score  float64 `json:"score" validate:"gte=-1,lte=1"`
	Topic  string  `json:"topic"`
}

type citationsRequest struct {
	UserID    string     `json:"user_id"`
	Citations []citation `json:"citations" validate:"required,min=1,dive"`
}

// Citations rates every item cited in one answer. Each rating is stored on
// its own; the response lists the items whose rating could not be stored.
func (h *FeedbackHandler) Citations(c *fiber.Ctx) error {
	var req citationsRequest
	if err := h.binder.Bind(c, &req); err != nil {
		return respondError(c, "citation_feedback", err)
	}

	actor := userID(c, req.UserID)
	events := make([]*models.FeedbackEvent, 0, len(req.Citations))
	for _, ct := range req.Citations {
		fbType := models.TypeHelpful
		if ct.Score < 0 {
			fbType = models.TypeNotHelpful
		}
		events = append(events, &models.FeedbackEvent{
			ItemID:  ct.ItemID,
			Source:  models.SourceExplicit,
			Type:    fbType,
			Score:   ct.Score,
			ActorID: actor,
			Details: &models.FeedbackDetails{Kind: models.DetailsRating, Topic: ct.Topic, Reason: "citation"},
		})
	}

	err := h.ledger.SubmitMany(c.UserContext(), events)
	var pf *apperrors.PartialFailure
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"ok": true, "failed": []string{}})
	case errors.As(err, &pf) && len(pf.Failures) < pf.Total:
		return c.Status(fiber.StatusMultiStatus).JSON(fiber.Map{"ok": false, "failed": pf.Keys()})
	default:
		return respondError(c, "citation_feedback", err)
	}
}
