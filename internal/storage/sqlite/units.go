package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

// CreateUnitWithSources writes a knowledge unit and its provenance rows in a
// single transaction.
func (c *Client) CreateUnitWithSources(ctx context.Context, unit *models.KnowledgeUnit, sources []models.KnowledgeUnitSource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO knowledge_units (id, concept_name, body, source_count, completeness_score, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		unit.ID,
		unit.ConceptName,
		unit.Body,
		unit.SourceCount,
		unit.CompletenessScore,
		unit.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge unit: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO knowledge_unit_sources (unit_id, item_id, contribution_note) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare source insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range sources {
		if _, err := stmt.ExecContext(ctx, s.UnitID, s.ItemID, s.ContributionNote); err != nil {
			return fmt.Errorf("failed to insert unit source %s: %w", s.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit knowledge unit: %w", err)
	}

	logger.Info("Knowledge unit stored",
		zap.String("unit_id", unit.ID),
		zap.String("concept", unit.ConceptName),
		zap.Int("sources", len(sources)),
	)
	return nil
}

func (c *Client) GetUnit(ctx context.Context, id string) (*models.KnowledgeUnit, error) {
	query := `SELECT id, concept_name, body, source_count, completeness_score, created_at FROM knowledge_units WHERE id = ?`

	var u models.KnowledgeUnit
	var createdAt int64
	err := c.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.ConceptName, &u.Body, &u.SourceCount, &u.CompletenessScore, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("knowledge unit %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge unit: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	return &u, nil
}

func (c *Client) UnitSources(ctx context.Context, unitID string) ([]models.KnowledgeUnitSource, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT unit_id, item_id, contribution_note FROM knowledge_unit_sources WHERE unit_id = ? ORDER BY item_id`,
		unitID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get unit sources: %w", err)
	}
	defer rows.Close()

	var sources []models.KnowledgeUnitSource
	for rows.Next() {
		var s models.KnowledgeUnitSource
		if err := rows.Scan(&s.UnitID, &s.ItemID, &s.ContributionNote); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unit sources: %w", err)
	}
	return sources, nil
}

func (c *Client) CountUnits(ctx context.Context, concept string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_units WHERE concept_name = ?`, concept).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count knowledge units: %w", err)
	}
	return n, nil
}
