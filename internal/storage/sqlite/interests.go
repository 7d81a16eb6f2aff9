package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
)

func (c *Client) UpsertInterest(ctx context.Context, interest *models.UserInterest) error {
	query := `
		INSERT INTO user_interests (user_id, concept, score, source, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, concept) DO UPDATE SET
			score = excluded.score,
			source = excluded.source,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx,
		query,
		interest.UserID,
		interest.Concept,
		interest.Score,
		interest.Source,
		interest.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert interest: %w", err)
	}
	return nil
}

func (c *Client) GetInterest(ctx context.Context, userID, concept string) (*models.UserInterest, error) {
	query := `SELECT user_id, concept, score, source, updated_at FROM user_interests WHERE user_id = ? AND concept = ?`

	var in models.UserInterest
	var updatedAt int64
	err := c.db.QueryRowContext(ctx, query, userID, concept).Scan(&in.UserID, &in.Concept, &in.Score, &in.Source, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("interest %s/%s", userID, concept)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interest: %w", err)
	}
	in.UpdatedAt = time.UnixMilli(updatedAt)
	return &in, nil
}

// TopInterests returns the user's highest scoring interests, ties broken by
// concept name.
func (c *Client) TopInterests(ctx context.Context, userID string, limit int) ([]models.UserInterest, error) {
	query := `
		SELECT user_id, concept, score, source, updated_at
		FROM user_interests
		WHERE user_id = ?
		ORDER BY score DESC, concept ASC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get interests: %w", err)
	}
	defer rows.Close()

	var interests []models.UserInterest
	for rows.Next() {
		var in models.UserInterest
		var updatedAt int64
		if err := rows.Scan(&in.UserID, &in.Concept, &in.Score, &in.Source, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		in.UpdatedAt = time.UnixMilli(updatedAt)
		interests = append(interests, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interests: %w", err)
	}
	return interests, nil
}
