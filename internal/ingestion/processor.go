package ingestion

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

const (
	ContentTypeHTML     = "text/html"
	ContentTypeMarkdown = "text/markdown"
	ContentTypePlain    = "text/plain"
)

var whitespace = regexp.MustCompile(`\s+`)

// Request describes one knowledge item to ingest. When ID is empty it is
// derived from Filename, so re-ingesting a file replaces it.
type Request struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename" validate:"required"`
	Content     string     `json:"content" validate:"required"`
	ContentType string     `json:"content_type" validate:"omitempty,oneof=text/html text/markdown text/plain"`
	Department  string     `json:"department"`
	Category    string     `json:"category"`
	DIKWLevel   string     `json:"dikw_level" validate:"omitempty,oneof=data information knowledge wisdom"`
	Topics      []string   `json:"topics"`
	DecayType   string     `json:"decay_type" validate:"omitempty,oneof=stable technical market event procedural reference"`
	ValidUntil  *time.Time `json:"valid_until"`
}

type ItemStore interface {
	UpsertItem(ctx context.Context, item *models.KnowledgeItem) error
}

type Indexer interface {
	IndexItem(ctx context.Context, item *models.KnowledgeItem) error
}

type Tagger interface {
	TagItem(ctx context.Context, itemID, filename string, topics []string) error
}

type Processor struct {
	store     ItemStore
	indexer   Indexer
	tagger    Tagger
	validate  *validator.Validate
	maxTopics int
	now       func() time.Time
}

type Option func(*Processor)

// WithTagger mirrors item topics into the concept graph.
func WithTagger(t Tagger) Option {
	return func(p *Processor) {
		p.tagger = t
	}
}

func NewProcessor(store ItemStore, indexer Indexer, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		indexer:   indexer,
		validate:  validator.New(),
		maxTopics: 5,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IngestItem cleans the content, labels it with topics when none were given,
// stores it and indexes its embedding. An indexing failure leaves the stored
// row in place; ingesting again repairs it.
func (p *Processor) IngestItem(ctx context.Context, req *Request) (*models.KnowledgeItem, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, apperrors.Validation("%s", err.Error())
	}

	logger.Info("Ingesting item", zap.String("filename", req.Filename))

	content := req.Content
	if req.ContentType == ContentTypeHTML {
		content = cleanHTML(req.Content)
	} else {
		content = strings.TrimSpace(content)
	}
	if content == "" {
		return nil, apperrors.Validation("no content extracted from %s", req.Filename)
	}

	topics := normalizeTopics(req.Topics)
	if len(topics) == 0 {
		topics = ExtractTopics(content, p.maxTopics)
	}

	id := req.ID
	if id == "" {
		id = generateID(req.Filename)
	}

	now := p.now()
	item := &models.KnowledgeItem{
		ID:          id,
		Filename:    req.Filename,
		Content:     content,
		Department:  req.Department,
		Category:    req.Category,
		DIKWLevel:   req.DIKWLevel,
		Topics:      topics,
		DecayType:   req.DecayType,
		DecayScore:  1,
		DecayStatus: models.DecayFresh,
		ValidUntil:  req.ValidUntil,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := p.store.UpsertItem(ctx, item); err != nil {
		return nil, apperrors.Dependency("store item", err)
	}

	if err := p.indexer.IndexItem(ctx, item); err != nil {
		return nil, err
	}

	if p.tagger != nil && len(topics) > 0 {
		if err := p.tagger.TagItem(ctx, item.ID, item.Filename, topics); err != nil {
			logger.Warn("Failed to tag item in KG", zap.String("item_id", item.ID), zap.Error(err))
		}
	}

	metrics.ItemsIngested.Inc()
	logger.Info("Item ingested",
		zap.String("item_id", item.ID),
		zap.Strings("topics", topics),
	)

	return item, nil
}

func cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func normalizeTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

func generateID(filename string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimSpace(filename))).String()
}
