package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/pkg/circuitbreaker"
	"github.com/knowledge-engine/backend/pkg/config"
	"github.com/knowledge-engine/backend/pkg/logger"
	"github.com/knowledge-engine/backend/pkg/retry"
)

// Client mirrors knowledge provenance into a concept graph:
// (:KnowledgeUnit)-[:ABOUT]->(:Concept), (:KnowledgeUnit)-[:DERIVED_FROM]->(:KnowledgeItem)
// and (:KnowledgeItem)-[:TAGGED]->(:Concept).
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.Breaker
	retryPolicy retry.Policy
}

type SourceItem struct {
	ID       string
	Filename string
	Note     string
}

func NewClient(ctx context.Context, cfg config.Neo4jConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Settings{
		FailureThreshold:  5,
		Cooldown:          20 * time.Second,
		Probes:            3,
		RecoveryThreshold: 2,
		ResetInterval:     time.Minute,
		OnStateChange:     metrics.RecordBreakerState,
		Logger:            logger.GetLogger(),
	})

	retryPolicy := retry.DefaultPolicy("neo4j")
	retryPolicy.BaseDelay = 200 * time.Millisecond
	retryPolicy.MaxDelay = 3 * time.Second
	retryPolicy.OnRetry = metrics.RecordRetry
	retryPolicy.Logger = logger.GetLogger()

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI))

	return &Client{
		driver:      driver,
		database:    cfg.Database,
		cb:          cb,
		retryPolicy: retryPolicy,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Do(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryPolicy, func(ctx context.Context) error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func conceptKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RecordUnitProvenance links a synthesized unit to its concept and source items.
func (c *Client) RecordUnitProvenance(ctx context.Context, unitID, concept string, sources []SourceItem) error {
	rows := make([]map[string]any, len(sources))
	for i, s := range sources {
		rows[i] = map[string]any{
			"id":       s.ID,
			"filename": s.Filename,
			"note":     s.Note,
		}
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (c:Concept {key: $concept_key})
			ON CREATE SET c.name = $concept
			MERGE (u:KnowledgeUnit {id: $unit_id})
			SET u.concept_name = $concept,
			    u.created_at = timestamp()
			MERGE (u)-[:ABOUT]->(c)
			WITH u
			UNWIND $sources AS src
			MERGE (i:KnowledgeItem {id: src.id})
			SET i.filename = src.filename
			MERGE (u)-[r:DERIVED_FROM]->(i)
			SET r.note = src.note
		`

		result, err := session.Run(ctx, query, map[string]any{
			"concept_key": conceptKey(concept),
			"concept":     concept,
			"unit_id":     unitID,
			"sources":     rows,
		})
		if err != nil {
			return fmt.Errorf("failed to record unit provenance: %w", err)
		}
		_, err = result.Consume(ctx)
		return err
	})
	if err != nil {
		return err
	}

	logger.Debug("Unit provenance recorded in KG",
		zap.String("unit_id", unitID),
		zap.String("concept", concept),
		zap.Int("sources", len(sources)),
	)
	return nil
}

// TagItem links an item to each of its topic concepts.
func (c *Client) TagItem(ctx context.Context, itemID, filename string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}

	tags := make([]map[string]any, 0, len(topics))
	for _, t := range topics {
		if key := conceptKey(t); key != "" {
			tags = append(tags, map[string]any{"key": key, "name": t})
		}
	}

	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (i:KnowledgeItem {id: $item_id})
			SET i.filename = $filename
			WITH i
			UNWIND $tags AS tag
			MERGE (c:Concept {key: tag.key})
			ON CREATE SET c.name = tag.name
			MERGE (i)-[:TAGGED]->(c)
		`

		result, err := session.Run(ctx, query, map[string]any{
			"item_id":  itemID,
			"filename": filename,
			"tags":     tags,
		})
		if err != nil {
			return fmt.Errorf("failed to tag item: %w", err)
		}
		_, err = result.Consume(ctx)
		return err
	})
}

// UnitsDerivedFrom returns the ids of knowledge units synthesized from the item.
func (c *Client) UnitsDerivedFrom(ctx context.Context, itemID string) ([]string, error) {
	var ids []string

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		ids = ids[:0]

		query := `
			MATCH (u:KnowledgeUnit)-[:DERIVED_FROM]->(i:KnowledgeItem {id: $item_id})
			RETURN u.id AS id
			ORDER BY u.created_at DESC
		`

		result, err := session.Run(ctx, query, map[string]any{"item_id": itemID})
		if err != nil {
			return fmt.Errorf("failed to query provenance: %w", err)
		}

		for result.Next(ctx) {
			id, _ := result.Record().Get("id")
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}
