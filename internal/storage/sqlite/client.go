package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps the PRAGMAs below in force and serializes writers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_items (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		department TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		dikw_level TEXT NOT NULL DEFAULT '',
		topics TEXT NOT NULL DEFAULT '[]',
		feedback_score REAL NOT NULL DEFAULT 0,
		feedback_count INTEGER NOT NULL DEFAULT 0,
		positive_ratio REAL NOT NULL DEFAULT 0,
		decay_type TEXT NOT NULL DEFAULT 'technical',
		decay_score REAL NOT NULL DEFAULT 1,
		decay_status TEXT NOT NULL DEFAULT 'fresh',
		valid_until INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_created ON knowledge_items(created_at);
	CREATE INDEX IF NOT EXISTS idx_items_department ON knowledge_items(department);

	CREATE TABLE IF NOT EXISTS feedback_events (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		score REAL NOT NULL CHECK (score >= -1.0 AND score <= 1.0),
		actor_id TEXT,
		details TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (item_id) REFERENCES knowledge_items(id)
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_item ON feedback_events(item_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_actor ON feedback_events(actor_id, created_at);

	CREATE TABLE IF NOT EXISTS user_interests (
		user_id TEXT NOT NULL,
		concept TEXT NOT NULL,
		score REAL NOT NULL,
		source TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (user_id, concept)
	);
	CREATE INDEX IF NOT EXISTS idx_interests_user ON user_interests(user_id, score);

	CREATE TABLE IF NOT EXISTS knowledge_units (
		id TEXT PRIMARY KEY,
		concept_name TEXT NOT NULL,
		body TEXT NOT NULL,
		source_count INTEGER NOT NULL CHECK (source_count >= 2),
		completeness_score REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_units_concept ON knowledge_units(concept_name);

	CREATE TABLE IF NOT EXISTS knowledge_unit_sources (
		unit_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		contribution_note TEXT NOT NULL,
		PRIMARY KEY (unit_id, item_id),
		FOREIGN KEY (unit_id) REFERENCES knowledge_units(id) ON DELETE CASCADE,
		FOREIGN KEY (item_id) REFERENCES knowledge_items(id)
	);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
