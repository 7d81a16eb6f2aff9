package aggregation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kgneo4j "github.com/knowledge-engine/backend/internal/kg/neo4j"
	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
	"github.com/knowledge-engine/backend/pkg/utils"
)

const (
	ContributionNote = "Part of source set"

	minClusterSize = 2
)

type Store interface {
	RecentItemsWithTopics(ctx context.Context, limit int) ([]models.KnowledgeItem, error)
	ItemsByIDs(ctx context.Context, ids []string) ([]models.KnowledgeItem, error)
	CreateUnitWithSources(ctx context.Context, unit *models.KnowledgeUnit, sources []models.KnowledgeUnitSource) error
}

type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

type ProvenanceRecorder interface {
	RecordUnitProvenance(ctx context.Context, unitID, concept string, sources []kgneo4j.SourceItem) error
}

type Candidate struct {
	ConceptName string   `json:"concept_name"`
	ItemIDs     []string `json:"item_ids"`
	Reason      string   `json:"reason"`
}

// Discovery is the outcome of candidate discovery. Warning is set when the
// list was degraded to empty because the store failed.
type Discovery struct {
	Candidates []Candidate `json:"candidates"`
	Warning    string      `json:"warning,omitempty"`
}

type Result struct {
	UnitID      string `json:"unit_id"`
	ConceptName string `json:"concept_name"`
}

type Config struct {
	Model        string
	Window       int
	CharBudget   int
	Completeness float64
}

func DefaultConfig() Config {
	return Config{Window: 50, CharBudget: 30000, Completeness: 0.8}
}

type Synthesizer struct {
	store      Store
	generator  Generator
	provenance ProvenanceRecorder
	cfg        Config
	now        func() time.Time
}

type Option func(*Synthesizer)

// WithProvenance mirrors every stored unit into the concept graph.
func WithProvenance(p ProvenanceRecorder) Option {
	return func(s *Synthesizer) {
		s.provenance = p
	}
}

func NewSynthesizer(store Store, generator Generator, cfg Config, opts ...Option) *Synthesizer {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CharBudget <= 0 {
		cfg.CharBudget = def.CharBudget
	}
	if cfg.Completeness <= 0 {
		cfg.Completeness = def.Completeness
	}

	s := &Synthesizer{store: store, generator: generator, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DiscoverCandidates groups the most recent topic-labelled items by
// normalized topic and proposes every group of at least two items.
func (s *Synthesizer) DiscoverCandidates(ctx context.Context) *Discovery {
	items, err := s.store.RecentItemsWithTopics(ctx, s.cfg.Window)
	if err != nil {
		logger.Warn("Aggregation discovery degraded to empty", zap.Error(err))
		return &Discovery{Candidates: []Candidate{}, Warning: "candidate discovery is temporarily unavailable"}
	}

	candidates := Cluster(items)
	logger.Debug("Aggregation candidates discovered",
		zap.Int("items", len(items)),
		zap.Int("candidates", len(candidates)),
	)
	return &Discovery{Candidates: candidates}
}

// Cluster builds the topic → items inverted index and keeps topics shared by
// at least two distinct items, largest first.
func Cluster(items []models.KnowledgeItem) []Candidate {
	groups := make(map[string][]string)
	members := make(map[string]map[string]bool)
	var order []string

	for _, item := range items {
		for _, topic := range item.Topics {
			key := strings.ToLower(strings.TrimSpace(topic))
			if key == "" {
				continue
			}
			if members[key] == nil {
				members[key] = make(map[string]bool)
				order = append(order, key)
			}
			if members[key][item.ID] {
				continue
			}
			members[key][item.ID] = true
			groups[key] = append(groups[key], item.ID)
		}
	}

	candidates := make([]Candidate, 0)
	for _, key := range order {
		ids := groups[key]
		if len(ids) < minClusterSize {
			continue
		}
		candidates = append(candidates, Candidate{
			ConceptName: key,
			ItemIDs:     ids,
			Reason:      fmt.Sprintf("Found %d files discussing topic '%s'", len(ids), key),
		})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if len(candidates[a].ItemIDs) != len(candidates[b].ItemIDs) {
			return len(candidates[a].ItemIDs) > len(candidates[b].ItemIDs)
		}
		return candidates[a].ConceptName < candidates[b].ConceptName
	})
	return candidates
}

// Synthesize merges the given items into one knowledge unit about concept
// and records which items it was derived from.
func (s *Synthesizer) Synthesize(ctx context.Context, concept string, itemIDs []string) (*Result, error) {
	start := time.Now()
	result, err := s.synthesize(ctx, concept, itemIDs)

	status := "ok"
	switch {
	case apperrors.IsValidation(err):
		status = "invalid"
	case apperrors.IsNotFound(err):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.SynthesisTotal.WithLabelValues(status).Inc()
	if err == nil {
		metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
	}

	return result, err
}

func (s *Synthesizer) synthesize(ctx context.Context, concept string, itemIDs []string) (*Result, error) {
	concept = strings.TrimSpace(concept)
	if concept == "" {
		return nil, apperrors.Validation("concept name is required")
	}
	ids := distinct(itemIDs)
	if len(ids) < minClusterSize {
		return nil, apperrors.Validation("at least %d distinct item ids are required, got %d", minClusterSize, len(ids))
	}

	items, err := s.store.ItemsByIDs(ctx, ids)
	if err != nil {
		return nil, apperrors.Dependency("load items", err)
	}
	if len(items) == 0 {
		return nil, apperrors.NotFound("no items found for concept %q", concept)
	}
	if len(items) < minClusterSize {
		return nil, apperrors.NotFound("only %d of %d items found for concept %q", len(items), len(ids), concept)
	}

	body, err := s.generator.Generate(ctx, s.cfg.Model, BuildPrompt(concept, items, s.cfg.CharBudget))
	if err != nil {
		return nil, apperrors.Dependency("generate synthesis", err)
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.Dependency("generate synthesis", fmt.Errorf("empty synthesis for %q", concept))
	}

	unit := &models.KnowledgeUnit{
		ID:                uuid.New().String(),
		ConceptName:       concept,
		Body:              body,
		SourceCount:       len(items),
		CompletenessScore: s.cfg.Completeness,
		CreatedAt:         s.now(),
	}
	sources := make([]models.KnowledgeUnitSource, len(items))
	for i, item := range items {
		sources[i] = models.KnowledgeUnitSource{UnitID: unit.ID, ItemID: item.ID, ContributionNote: ContributionNote}
	}

	if err := s.store.CreateUnitWithSources(ctx, unit, sources); err != nil {
		return nil, apperrors.Dependency("store knowledge unit", err)
	}

	if s.provenance != nil {
		s.recordProvenance(ctx, unit, items)
	}

	return &Result{UnitID: unit.ID, ConceptName: unit.ConceptName}, nil
}

func (s *Synthesizer) recordProvenance(ctx context.Context, unit *models.KnowledgeUnit, items []models.KnowledgeItem) {
	sources := make([]kgneo4j.SourceItem, len(items))
	for i, item := range items {
		sources[i] = kgneo4j.SourceItem{ID: item.ID, Filename: item.Filename, Note: ContributionNote}
	}
	if err := s.provenance.RecordUnitProvenance(ctx, unit.ID, unit.ConceptName, sources); err != nil {
		logger.Warn("Failed to mirror unit provenance",
			zap.String("unit_id", unit.ID),
			zap.Error(err),
		)
	}
}

// BuildPrompt renders the synthesis instruction. Source material is cut to
// budget characters.
func BuildPrompt(concept string, items []models.KnowledgeItem, budget int) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("--- ITEM: %s ---\n%s", item.Filename, item.Content)
	}
	material := utils.TruncateRunes(strings.Join(parts, "\n\n"), budget)

	return fmt.Sprintf(`You are a Knowledge Architect.

Goal: Synthesize a complete "Knowledge Unit" for the concept: "%[1]s".

Source Material:
%[2]s

Instructions:
1. Analyze the provided source items.
2. Extract all key information related to "%[1]s".
3. Resolve any conflicts or duplicates.
4. Structure the output as a comprehensive guide or definition.
5. Return ONLY the synthesized markdown content. Do not include introductory filler.`, concept, material)
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
