package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

type Store interface {
	GetItem(ctx context.Context, id string) (*models.KnowledgeItem, error)
	InsertFeedbackEvent(ctx context.Context, event *models.FeedbackEvent) error
	ListFeedbackScores(ctx context.Context, itemID string) ([]float64, error)
	UpdateItemFeedbackStats(ctx context.Context, itemID string, stats models.FeedbackStats) error
}

// Ledger appends feedback events and keeps each item's derived relevance
// fields in step with them.
//
// Without WithItemSerialization the recompute reads all events and then
// writes a snapshot, so two concurrent submissions for the same item can
// each write stats that miss the other's event. Raw events are never lost;
// the next submission for the item repairs the derived fields.
type Ledger struct {
	store    Store
	validate *validator.Validate
	locks    *itemLocks
	now      func() time.Time
	newID    func() string
}

type Option func(*Ledger)

// WithItemSerialization makes submissions for the same item run one at a
// time, closing the lost-update window of the recompute.
func WithItemSerialization() Option {
	return func(l *Ledger) {
		l.locks = newItemLocks()
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) validateEvent(event *models.FeedbackEvent) error {
	if event == nil {
		return apperrors.Validation("feedback event is required")
	}
	event.ItemID = strings.TrimSpace(event.ItemID)

	err := l.validate.Struct(event)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Validation("%v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed '%s'", e.Namespace(), e.Tag()))
	}
	return apperrors.Validation("invalid feedback event: %s", strings.Join(msgs, "; "))
}

// Submit validates and appends event, then recomputes the item's stats from
// all of its events. A failed append is a dependency error; a failed
// recompute is logged and leaves the returned stats nil.
func (l *Ledger) Submit(ctx context.Context, event *models.FeedbackEvent) (*models.FeedbackStats, error) {
	if err := l.validateEvent(event); err != nil {
		metrics.FeedbackRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	if _, err := l.store.GetItem(ctx, event.ItemID); err != nil {
		if apperrors.IsNotFound(err) {
			metrics.FeedbackRejected.WithLabelValues("not_found").Inc()
			return nil, err
		}
		metrics.FeedbackRejected.WithLabelValues("dependency").Inc()
		return nil, apperrors.Dependency("load item", err)
	}

	if l.locks != nil {
		unlock := l.locks.lock(event.ItemID)
		defer unlock()
	}

	if event.ID == "" {
		event.ID = l.newID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now()
	}

	if err := l.store.InsertFeedbackEvent(ctx, event); err != nil {
		metrics.FeedbackRejected.WithLabelValues("dependency").Inc()
		return nil, apperrors.Dependency("append feedback", err)
	}

	metrics.FeedbackSubmitted.WithLabelValues(string(event.Source), string(event.Type)).Inc()

	stats, err := l.recompute(ctx, event.ItemID)
	if err != nil {
		logger.Warn("Feedback stats recompute failed",
			zap.String("item_id", event.ItemID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return nil, nil
	}

	logger.Info("Feedback recorded",
		zap.String("item_id", event.ItemID),
		zap.String("source", string(event.Source)),
		zap.String("type", string(event.Type)),
		zap.Float64("score", event.Score),
		zap.Int("count", stats.Count),
		zap.Float64("feedback_score", stats.NormalizedScore),
	)

	return stats, nil
}

// Recompute rebuilds the derived fields of one item from its events.
func (l *Ledger) Recompute(ctx context.Context, itemID string) (*models.FeedbackStats, error) {
	if l.locks != nil {
		unlock := l.locks.lock(itemID)
		defer unlock()
	}
	return l.recompute(ctx, itemID)
}

func (l *Ledger) recompute(ctx context.Context, itemID string) (*models.FeedbackStats, error) {
	scores, err := l.store.ListFeedbackScores(ctx, itemID)
	if err != nil {
		return nil, apperrors.Dependency("list feedback", err)
	}
	if len(scores) == 0 {
		return &models.FeedbackStats{}, nil
	}

	stats := Rounded(ComputeStats(scores))
	if err := l.store.UpdateItemFeedbackStats(ctx, itemID, stats); err != nil {
		return nil, apperrors.Dependency("update item stats", err)
	}
	return &stats, nil
}

// SubmitMany submits each event independently. Failures are collected per
// item and returned as a PartialFailure; successes are not rolled back.
func (l *Ledger) SubmitMany(ctx context.Context, events []*models.FeedbackEvent) error {
	pf := apperrors.NewPartialFailure(len(events))
	for i, event := range events {
		if _, err := l.Submit(ctx, event); err != nil {
			key := fmt.Sprintf("#%d", i)
			if event != nil && event.ItemID != "" {
				key = event.ItemID
			}
			pf.Add(key, err)
		}
	}
	return pf.ErrOrNil()
}
