package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/logger"
)

func (c *Client) InsertFeedbackEvent(ctx context.Context, event *models.FeedbackEvent) error {
	var details sql.NullString
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode feedback details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	var actorID sql.NullString
	if event.ActorID != "" {
		actorID = sql.NullString{String: event.ActorID, Valid: true}
	}

	query := `
		INSERT INTO feedback_events (id, item_id, source, type, score, actor_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx,
		query,
		event.ID,
		event.ItemID,
		string(event.Source),
		string(event.Type),
		event.Score,
		actorID,
		details,
		event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feedback event: %w", err)
	}

	logger.Debug("Feedback event stored",
		zap.String("event_id", event.ID),
		zap.String("item_id", event.ItemID),
		zap.Float64("score", event.Score),
	)
	return nil
}

// ListFeedbackScores returns the score of every event recorded for the item.
func (c *Client) ListFeedbackScores(ctx context.Context, itemID string) ([]float64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT score FROM feedback_events WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback scores: %w", err)
	}
	return scores, nil
}

// RecentPositiveEvents returns the actor's newest events scoring strictly above
// threshold, newest first.
func (c *Client) RecentPositiveEvents(ctx context.Context, actorID string, threshold float64, limit int) ([]models.FeedbackEvent, error) {
	query := `
		SELECT id, item_id, source, type, score, actor_id, details, created_at
		FROM feedback_events
		WHERE actor_id = ? AND score > ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, actorID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	defer rows.Close()

	var events []models.FeedbackEvent
	for rows.Next() {
		var e models.FeedbackEvent
		var source, typ string
		var actor, details sql.NullString
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.ItemID, &source, &typ, &e.Score, &actor, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		e.Source = models.FeedbackSource(source)
		e.Type = models.FeedbackType(typ)
		e.ActorID = actor.String
		e.CreatedAt = time.UnixMilli(createdAt)
		if details.Valid && details.String != "" {
			var d models.FeedbackDetails
			if err := json.Unmarshal([]byte(details.String), &d); err != nil {
				logger.Warn("Skipping malformed feedback details",
					zap.String("event_id", e.ID),
					zap.Error(err),
				)
			} else {
				e.Details = &d
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
