package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
)

type memStore struct {
	items map[string]models.KnowledgeItem
	err   error
}

func (m *memStore) UpsertItem(ctx context.Context, item *models.KnowledgeItem) error {
	if m.err != nil {
		return m.err
	}
	if m.items == nil {
		m.items = make(map[string]models.KnowledgeItem)
	}
	m.items[item.ID] = *item
	return nil
}

type fakeIndexer struct {
	indexed []string
	err     error
}

func (f *fakeIndexer) IndexItem(ctx context.Context, item *models.KnowledgeItem) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, item.ID)
	return nil
}

type fakeTagger struct {
	topics []string
	err    error
}

func (f *fakeTagger) TagItem(ctx context.Context, itemID, filename string, topics []string) error {
	f.topics = topics
	return f.err
}

func TestIngestItem_HTML(t *testing.T) {
	store := &memStore{}
	indexer := &fakeIndexer{}
	tagger := &fakeTagger{}
	p := NewProcessor(store, indexer, WithTagger(tagger))

	html := `<html><head><title>VPN</title><script>track()</script></head>
		<body><nav>Home | Docs</nav><h1>VPN setup</h1>
		<p>Install   the client.</p><footer>(c) corp</footer></body></html>`

	item, err := p.IngestItem(context.Background(), &Request{
		Filename:    "vpn.html",
		Content:     html,
		ContentType: ContentTypeHTML,
		Department:  "it",
		Topics:      []string{"VPN", " vpn ", "Remote work", ""},
		DecayType:   "procedural",
	})
	require.NoError(t, err)

	assert.Equal(t, "VPN setup Install the client.", item.Content)
	assert.Equal(t, []string{"VPN", "Remote work"}, item.Topics)
	assert.Equal(t, models.DecayFresh, item.DecayStatus)
	assert.Contains(t, store.items, item.ID)
	assert.Equal(t, []string{item.ID}, indexer.indexed)
	assert.Equal(t, item.Topics, tagger.topics)
}

func TestIngestItem_StableIDPerFilename(t *testing.T) {
	store := &memStore{}
	p := NewProcessor(store, &fakeIndexer{})

	first, err := p.IngestItem(context.Background(), &Request{Filename: "a.md", Content: "v1", Topics: []string{"x"}})
	require.NoError(t, err)
	second, err := p.IngestItem(context.Background(), &Request{Filename: "a.md", Content: "v2", Topics: []string{"x"}})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.items, 1)
	assert.Equal(t, "v2", store.items[first.ID].Content)

	explicit, err := p.IngestItem(context.Background(), &Request{ID: "custom", Filename: "a.md", Content: "v3", Topics: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "custom", explicit.ID)
}

func TestIngestItem_Validation(t *testing.T) {
	p := NewProcessor(&memStore{}, &fakeIndexer{})

	tests := []struct {
		name string
		req  Request
	}{
		{"missing filename", Request{Content: "x"}},
		{"missing content", Request{Filename: "a.md"}},
		{"bad content type", Request{Filename: "a.md", Content: "x", ContentType: "application/pdf"}},
		{"bad decay type", Request{Filename: "a.md", Content: "x", DecayType: "forever"}},
		{"bad dikw level", Request{Filename: "a.md", Content: "x", DIKWLevel: "rumour"}},
		{"html without text", Request{Filename: "a.html", Content: "<script>x()</script>", ContentType: ContentTypeHTML}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.IngestItem(context.Background(), &tt.req)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestIngestItem_Failures(t *testing.T) {
	_, err := NewProcessor(&memStore{err: errors.New("readonly")}, &fakeIndexer{}).
		IngestItem(context.Background(), &Request{Filename: "a.md", Content: "x", Topics: []string{"t"}})
	assert.True(t, apperrors.IsDependency(err))

	store := &memStore{}
	_, err = NewProcessor(store, &fakeIndexer{err: apperrors.Dependency("embed item", errors.New("503"))}).
		IngestItem(context.Background(), &Request{Filename: "a.md", Content: "x", Topics: []string{"t"}})
	assert.True(t, apperrors.IsDependency(err))
	assert.Len(t, store.items, 1)

	item, err := NewProcessor(&memStore{}, &fakeIndexer{}, WithTagger(&fakeTagger{err: errors.New("bolt")})).
		IngestItem(context.Background(), &Request{Filename: "a.md", Content: "x", Topics: []string{"t"}})
	require.NoError(t, err)
	assert.NotNil(t, item)
}

func TestExtractTopics(t *testing.T) {
	text := "The deployment pipeline builds every service. The pipeline runs tests before each deployment. " +
		"A failed pipeline blocks the deployment until the tests pass."

	topics := ExtractTopics(text, 3)
	assert.NotEmpty(t, topics)
	assert.LessOrEqual(t, len(topics), 3)

	assert.Empty(t, ExtractTopics("", 3))
}

func TestIngestItem_InfersTopicsWhenMissing(t *testing.T) {
	store := &memStore{}
	p := NewProcessor(store, &fakeIndexer{})

	item, err := p.IngestItem(context.Background(), &Request{
		Filename: "pipeline.md",
		Content:  "The pipeline deploys the service. The pipeline also tests the service.",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, item.Topics)
}
