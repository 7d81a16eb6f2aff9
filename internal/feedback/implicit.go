package feedback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

const (
	implicitPositiveScore = 0.5
	implicitNegativeScore = -0.5
	snippetCopyScore      = 1.0

	judgeReason = "AI_JUDGE_SENTIMENT_ANALYSIS"
	copyReason  = "copy_code"
)

type SentimentClassifier interface {
	ClassifySentiment(ctx context.Context, messages []models.ChatMessage) (models.Sentiment, error)
}

type submitter interface {
	SubmitMany(ctx context.Context, events []*models.FeedbackEvent) error
	Submit(ctx context.Context, event *models.FeedbackEvent) (*models.FeedbackStats, error)
}

// ImplicitAnalyzer turns conversations and user behaviour into weak feedback
// events on the items that were cited.
type ImplicitAnalyzer struct {
	ledger       submitter
	classifier   SentimentClassifier
	asyncTimeout time.Duration
	wg           sync.WaitGroup
}

func NewImplicitAnalyzer(ledger submitter, classifier SentimentClassifier) *ImplicitAnalyzer {
	return &ImplicitAnalyzer{
		ledger:       ledger,
		classifier:   classifier,
		asyncTimeout: 60 * time.Second,
	}
}

// Analyze classifies the conversation and applies the verdict to every cited
// item. Conversations shorter than two messages, or with no cited items, are
// ignored. A NEUTRAL verdict writes nothing.
func (a *ImplicitAnalyzer) Analyze(ctx context.Context, sessionID, userID string, messages []models.ChatMessage, itemIDs []string) (models.Sentiment, error) {
	if len(messages) < 2 || len(itemIDs) == 0 {
		return models.SentimentNeutral, nil
	}

	sentiment, err := a.classifier.ClassifySentiment(ctx, messages)
	if err != nil {
		return "", apperrors.Dependency("classify sentiment", err)
	}
	metrics.ImplicitSentiment.WithLabelValues(string(sentiment)).Inc()

	var score float64
	var typ models.FeedbackType
	switch sentiment {
	case models.SentimentPositive:
		score, typ = implicitPositiveScore, models.TypeHelpful
	case models.SentimentNegative:
		score, typ = implicitNegativeScore, models.TypeNotHelpful
	default:
		return models.SentimentNeutral, nil
	}

	events := make([]*models.FeedbackEvent, 0, len(itemIDs))
	for _, id := range dedupe(itemIDs) {
		events = append(events, &models.FeedbackEvent{
			ItemID:  id,
			Source:  models.SourceImplicit,
			Type:    typ,
			Score:   score,
			ActorID: userID,
			Details: &models.FeedbackDetails{
				Kind:      models.DetailsSentiment,
				Reason:    judgeReason,
				SessionID: sessionID,
			},
		})
	}

	err = a.ledger.SubmitMany(ctx, events)

	logger.Info("Implicit feedback applied",
		zap.String("session_id", sessionID),
		zap.String("sentiment", string(sentiment)),
		zap.Int("items", len(events)),
		zap.Error(err),
	)

	return sentiment, err
}

// AnalyzeAsync runs Analyze in the background. Errors are logged and never
// reach the caller. The work outlives ctx's cancellation but keeps its values.
func (a *ImplicitAnalyzer) AnalyzeAsync(ctx context.Context, sessionID, userID string, messages []models.ChatMessage, itemIDs []string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.asyncTimeout)
		defer cancel()

		if _, err := a.Analyze(bg, sessionID, userID, messages, itemIDs); err != nil {
			logger.Warn("Implicit feedback analysis failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all background analyses have finished.
func (a *ImplicitAnalyzer) Wait() {
	a.wg.Wait()
}

// RecordSnippetCopy records a copied snippet as a full helpful vote.
func (a *ImplicitAnalyzer) RecordSnippetCopy(ctx context.Context, itemID, userID, topic string) (*models.FeedbackStats, error) {
	return a.ledger.Submit(ctx, &models.FeedbackEvent{
		ItemID:  itemID,
		Source:  models.SourceImplicit,
		Type:    models.TypeHelpful,
		Score:   snippetCopyScore,
		ActorID: userID,
		Details: &models.FeedbackDetails{
			Kind:   models.DetailsSnippetCopy,
			Reason: copyReason,
			Topic:  topic,
		},
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
