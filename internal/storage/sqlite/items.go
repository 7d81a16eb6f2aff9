package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

const itemColumns = `id, filename, content, department, category, dikw_level, topics,
	feedback_score, feedback_count, positive_ratio, decay_type, decay_score, decay_status,
	valid_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.KnowledgeItem, error) {
	var item models.KnowledgeItem
	var topicsJSON, decayStatus string
	var validUntil sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&item.ID,
		&item.Filename,
		&item.Content,
		&item.Department,
		&item.Category,
		&item.DIKWLevel,
		&topicsJSON,
		&item.FeedbackScore,
		&item.FeedbackCount,
		&item.PositiveRatio,
		&item.DecayType,
		&item.DecayScore,
		&decayStatus,
		&validUntil,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(topicsJSON), &item.Topics); err != nil {
		return nil, fmt.Errorf("failed to decode topics for item %s: %w", item.ID, err)
	}
	item.DecayStatus = models.DecayStatus(decayStatus)
	if validUntil.Valid {
		t := time.UnixMilli(validUntil.Int64)
		item.ValidUntil = &t
	}
	item.CreatedAt = time.UnixMilli(createdAt)
	item.UpdatedAt = time.UnixMilli(updatedAt)

	return &item, nil
}

// UpsertItem inserts an item or replaces its ingested fields. Feedback and
// decay fields of an existing row are left alone.
func (c *Client) UpsertItem(ctx context.Context, item *models.KnowledgeItem) error {
	topics := item.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("failed to encode topics: %w", err)
	}

	var validUntil sql.NullInt64
	if item.ValidUntil != nil {
		validUntil = sql.NullInt64{Int64: item.ValidUntil.UnixMilli(), Valid: true}
	}

	decayType := item.DecayType
	if decayType == "" {
		decayType = "technical"
	}

	query := `
		INSERT INTO knowledge_items (id, filename, content, department, category, dikw_level, topics,
			decay_type, valid_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			content = excluded.content,
			department = excluded.department,
			category = excluded.category,
			dikw_level = excluded.dikw_level,
			topics = excluded.topics,
			decay_type = excluded.decay_type,
			valid_until = excluded.valid_until,
			updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx,
		query,
		item.ID,
		item.Filename,
		item.Content,
		item.Department,
		item.Category,
		item.DIKWLevel,
		string(topicsJSON),
		decayType,
		validUntil,
		item.CreatedAt.UnixMilli(),
		item.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}

	logger.Debug("Item upserted", zap.String("item_id", item.ID), zap.String("filename", item.Filename))
	return nil
}

func (c *Client) GetItem(ctx context.Context, id string) (*models.KnowledgeItem, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM knowledge_items WHERE id = ?`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("knowledge item %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// ItemsByIDs returns the items that exist among ids, in the order requested.
// Duplicate and unknown ids are skipped.
func (c *Client) ItemsByIDs(ctx context.Context, ids []string) ([]models.KnowledgeItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `SELECT ` + itemColumns + ` FROM knowledge_items WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.KnowledgeItem, len(ids))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}

	items := make([]models.KnowledgeItem, 0, len(byID))
	seen := make(map[string]bool, len(byID))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, *item)
	}
	return items, nil
}

// RecentItemsWithTopics returns up to limit of the newest items that carry at
// least one topic label.
func (c *Client) RecentItemsWithTopics(ctx context.Context, limit int) ([]models.KnowledgeItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM knowledge_items
		WHERE topics != '[]'
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent items: %w", err)
	}
	defer rows.Close()

	var items []models.KnowledgeItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return items, nil
}

func (c *Client) UpdateItemFeedbackStats(ctx context.Context, itemID string, stats models.FeedbackStats) error {
	query := `
		UPDATE knowledge_items
		SET feedback_score = ?, feedback_count = ?, positive_ratio = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := c.db.ExecContext(ctx, query,
		stats.NormalizedScore,
		stats.Count,
		stats.PositiveRatio,
		time.Now().UnixMilli(),
		itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to update feedback stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("knowledge item %s", itemID)
	}
	return nil
}

func (c *Client) ListItemsForDecay(ctx context.Context, offset, limit int) ([]models.DecayCandidate, error) {
	query := `
		SELECT id, decay_type, updated_at, valid_until
		FROM knowledge_items
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for decay: %w", err)
	}
	defer rows.Close()

	var out []models.DecayCandidate
	for rows.Next() {
		var d models.DecayCandidate
		var updatedAt int64
		var validUntil sql.NullInt64
		if err := rows.Scan(&d.ID, &d.DecayType, &updatedAt, &validUntil); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		d.UpdatedAt = time.UnixMilli(updatedAt)
		if validUntil.Valid {
			t := time.UnixMilli(validUntil.Int64)
			d.ValidUntil = &t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return out, nil
}

// UpdateDecay writes a batch of decay results in one transaction.
func (c *Client) UpdateDecay(ctx context.Context, updates []models.DecayUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE knowledge_items SET decay_score = ?, decay_status = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare decay update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Score, string(u.Status), u.ItemID); err != nil {
			return fmt.Errorf("failed to update decay for %s: %w", u.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit decay batch: %w", err)
	}
	return nil
}
