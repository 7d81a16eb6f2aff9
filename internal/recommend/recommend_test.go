package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-engine/backend/internal/retrieval"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
)

type memProfiles struct {
	events    []models.FeedbackEvent
	interests map[string]models.UserInterest
	loadErr   error
}

func newMemProfiles() *memProfiles {
	return &memProfiles{interests: make(map[string]models.UserInterest)}
}

func (m *memProfiles) RecentPositiveEvents(ctx context.Context, actorID string, threshold float64, limit int) ([]models.FeedbackEvent, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []models.FeedbackEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.ActorID == actorID && e.Score > threshold {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memProfiles) UpsertInterest(ctx context.Context, interest *models.UserInterest) error {
	m.interests[interest.Concept] = *interest
	return nil
}

func (m *memProfiles) TopInterests(ctx context.Context, userID string, limit int) ([]models.UserInterest, error) {
	var out []models.UserInterest
	for _, in := range m.interests {
		if in.UserID == userID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Concept < out[j].Concept
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memProfiles) add(user, topic string, score float64) {
	var details *models.FeedbackDetails
	if topic != "" {
		details = &models.FeedbackDetails{Kind: models.DetailsRating, Topic: topic}
	}
	m.events = append(m.events, models.FeedbackEvent{
		ItemID:  "item",
		Source:  models.SourceExplicit,
		Type:    models.TypeHelpful,
		Score:   score,
		ActorID: user,
		Details: details,
	})
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]retrieval.Result
	fail    map[string]error
	queries []retrieval.Query
}

func (f *fakeSearcher) Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if err := f.fail[q.Text]; err != nil {
		return nil, err
	}
	return f.results[q.Text], nil
}

type memCache struct {
	data    map[string][]byte
	deleted []string
}

func (m *memCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *memCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *memCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
		m.deleted = append(m.deleted, k)
	}
	return nil
}

func TestInterestScore(t *testing.T) {
	assert.Equal(t, 0.0, InterestScore(0))
	assert.Equal(t, 0.6, InterestScore(1))
	assert.Equal(t, 0.8, InterestScore(3))
	assert.Equal(t, 1.0, InterestScore(5))
	assert.Equal(t, 1.0, InterestScore(40))
}

func TestInferInterests_CountsConceptsAndDefaultsToGeneral(t *testing.T) {
	store := newMemProfiles()
	store.add("u1", "Onboarding", 1)
	store.add("u1", "Onboarding", 0.8)
	store.add("u1", "", 0.9)
	store.add("u1", "Onboarding", 0.5) // not strictly above threshold
	store.add("u2", "Payroll", 1)

	p := NewProfiler(store, DefaultProfilerConfig())
	got, err := p.InferInterests(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 0.7, store.interests["Onboarding"].Score)
	assert.Equal(t, 0.6, store.interests[models.DefaultConcept].Score)
	assert.Equal(t, InterestSource, store.interests["Onboarding"].Source)
	assert.NotContains(t, store.interests, "Payroll")
}

func TestInferInterests_SaturatesAtOne(t *testing.T) {
	store := newMemProfiles()
	p := NewProfiler(store, DefaultProfilerConfig())

	prev := 0.0
	for i := 0; i < 12; i++ {
		store.add("u1", "deploys", 1)
		_, err := p.InferInterests(context.Background(), "u1")
		require.NoError(t, err)

		score := store.interests["deploys"].Score
		assert.GreaterOrEqual(t, score, prev)
		assert.LessOrEqual(t, score, 1.0)
		prev = score
	}
	assert.Equal(t, 1.0, prev)
}

func TestInferInterests_NoEventsIsNoop(t *testing.T) {
	store := newMemProfiles()
	got, err := NewProfiler(store, DefaultProfilerConfig()).InferInterests(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, store.interests)
}

func TestInferInterests_Errors(t *testing.T) {
	store := newMemProfiles()
	p := NewProfiler(store, DefaultProfilerConfig())

	_, err := p.InferInterests(context.Background(), " ")
	assert.True(t, apperrors.IsValidation(err))

	store.loadErr = errors.New("locked")
	_, err = p.InferInterests(context.Background(), "u1")
	assert.True(t, apperrors.IsDependency(err))
}

func TestRecommend_CompositeScoreDedupeAndLimit(t *testing.T) {
	store := newMemProfiles()
	store.interests["deploys"] = models.UserInterest{UserID: "u1", Concept: "deploys", Score: 1.0}
	store.interests["security"] = models.UserInterest{UserID: "u1", Concept: "security", Score: 0.6}

	searcher := &fakeSearcher{results: map[string][]retrieval.Result{
		"deploys": {
			{ItemID: "a", Filename: "a.md", Similarity: 0.9},
			{ItemID: "b", Filename: "b.md", Similarity: 0.6},
			{ItemID: "c", Filename: "c.md", Similarity: 0.55},
		},
		"security": {
			{ItemID: "b", Filename: "b.md", Similarity: 0.99},
			{ItemID: "d", Filename: "d.md", Similarity: 0.95},
			{ItemID: "e", Filename: "e.md", Similarity: 0.8},
		},
	}}

	c := NewComposer(store, searcher, nil, DefaultComposerConfig())
	res, err := c.Recommend(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	require.Len(t, res.Items, 5)

	ids := make([]string, len(res.Items))
	for i, r := range res.Items {
		ids[i] = r.ItemID
	}
	assert.Equal(t, []string{"a", "b", "d", "c", "e"}, ids)

	// b was first seen under the higher ranked interest
	assert.Equal(t, "deploys", res.Items[1].Concept)
	assert.InDelta(t, 0.6, res.Items[1].Score, 1e-9)
	assert.Equal(t, `Matches your interest in "deploys"`, res.Items[1].Reason)
	assert.InDelta(t, 0.57, res.Items[2].Score, 1e-9)

	for _, q := range searcher.queries {
		assert.Equal(t, 3, q.TopK)
	}
}

func TestRecommend_NoInterestsIsEmpty(t *testing.T) {
	c := NewComposer(newMemProfiles(), &fakeSearcher{}, nil, DefaultComposerConfig())
	res, err := c.Recommend(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
	assert.Empty(t, res.Warning)
}

func TestRecommend_SkipsFailedInterestSearch(t *testing.T) {
	store := newMemProfiles()
	store.interests["go"] = models.UserInterest{UserID: "u1", Concept: "go", Score: 1.0}
	store.interests["rust"] = models.UserInterest{UserID: "u1", Concept: "rust", Score: 0.6}
	searcher := &fakeSearcher{
		results: map[string][]retrieval.Result{"go": {{ItemID: "a", Filename: "a.md", Similarity: 0.9}}},
		fail:    map[string]error{"rust": apperrors.Dependency("embed query", errors.New("503"))},
	}
	cache := &memCache{data: map[string][]byte{}}

	res, err := NewComposer(store, searcher, nil, DefaultComposerConfig(), WithResultCache(cache, time.Minute)).
		Recommend(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "a", res.Items[0].ItemID)
	assert.InDelta(t, 0.9, res.Items[0].Score, 1e-9)
	assert.Len(t, searcher.queries, 2)
	assert.Empty(t, cache.data)
}

func TestRecommend_AllSearchesFailingDegradesToEmptyWithWarning(t *testing.T) {
	store := newMemProfiles()
	store.interests["go"] = models.UserInterest{UserID: "u1", Concept: "go", Score: 1.0}
	store.interests["rust"] = models.UserInterest{UserID: "u1", Concept: "rust", Score: 0.6}
	searcher := &fakeSearcher{fail: map[string]error{
		"go":   apperrors.Dependency("embed query", errors.New("503")),
		"rust": errors.New("timeout"),
	}}

	res, err := NewComposer(store, searcher, nil, DefaultComposerConfig()).Recommend(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
	assert.NotEmpty(t, res.Warning)
}

func TestRecommend_RequiresUser(t *testing.T) {
	_, err := NewComposer(newMemProfiles(), &fakeSearcher{}, nil, DefaultComposerConfig()).Recommend(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestRefresh_InfersThenRecommends(t *testing.T) {
	store := newMemProfiles()
	store.add("u1", "deploys", 1)
	searcher := &fakeSearcher{results: map[string][]retrieval.Result{
		"deploys": {{ItemID: "a", Filename: "a.md", Similarity: 0.8}},
	}}

	c := NewComposer(store, searcher, NewProfiler(store, DefaultProfilerConfig()), DefaultComposerConfig())
	res, err := c.Refresh(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.InDelta(t, 0.8*0.6, res.Items[0].Score, 1e-9)
}

func TestMerge_NeverDuplicates(t *testing.T) {
	interests := []models.UserInterest{{Concept: "x", Score: 1}, {Concept: "y", Score: 0.9}, {Concept: "z", Score: 0.8}}
	per := [][]retrieval.Result{
		{{ItemID: "1", Similarity: 0.9}, {ItemID: "2", Similarity: 0.8}, {ItemID: "3", Similarity: 0.7}},
		{{ItemID: "3", Similarity: 0.99}, {ItemID: "1", Similarity: 0.95}, {ItemID: "4", Similarity: 0.6}},
		{{ItemID: "4", Similarity: 0.99}, {ItemID: "2", Similarity: 0.9}, {ItemID: "5", Similarity: 0.6}},
	}

	recs := Merge(interests, per, 10)
	seen := make(map[string]bool)
	for i, r := range recs {
		assert.False(t, seen[r.ItemID], "duplicate %s", r.ItemID)
		seen[r.ItemID] = true
		if i > 0 {
			assert.LessOrEqual(t, r.Score, recs[i-1].Score)
		}
	}
	assert.Len(t, recs, 5)
}

func TestRecommend_ServesRepeatsFromCache(t *testing.T) {
	store := newMemProfiles()
	store.interests["deploys"] = models.UserInterest{UserID: "u1", Concept: "deploys", Score: 1.0}
	searcher := &fakeSearcher{results: map[string][]retrieval.Result{
		"deploys": {{ItemID: "a", Filename: "a.md", Similarity: 0.9}},
	}}
	cache := &memCache{data: map[string][]byte{}}
	c := NewComposer(store, searcher, nil, DefaultComposerConfig(), WithResultCache(cache, time.Minute))

	first, err := c.Recommend(context.Background(), "u1")
	require.NoError(t, err)
	second, err := c.Recommend(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, searcher.queries, 1)
	assert.Contains(t, cache.data, "recs:u1")
}

func TestRecommend_DoesNotCacheDegradedResults(t *testing.T) {
	store := newMemProfiles()
	store.interests["deploys"] = models.UserInterest{UserID: "u1", Concept: "deploys", Score: 1.0}
	searcher := &fakeSearcher{fail: map[string]error{"deploys": errors.New("timeout")}}
	cache := &memCache{data: map[string][]byte{}}

	res, err := NewComposer(store, searcher, nil, DefaultComposerConfig(), WithResultCache(cache, time.Minute)).
		Recommend(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)
	assert.Empty(t, cache.data)
}

func TestRefresh_InvalidatesCachedList(t *testing.T) {
	store := newMemProfiles()
	store.add("u1", "deploys", 1)
	searcher := &fakeSearcher{results: map[string][]retrieval.Result{
		"deploys": {{ItemID: "a", Filename: "a.md", Similarity: 0.8}},
	}}
	cache := &memCache{data: map[string][]byte{
		"recs:u1": []byte(`{"items":[{"item_id":"stale","score":1}]}`),
	}}
	c := NewComposer(store, searcher, NewProfiler(store, DefaultProfilerConfig()), DefaultComposerConfig(),
		WithResultCache(cache, time.Minute))

	res, err := c.Refresh(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "a", res.Items[0].ItemID)
	assert.Equal(t, []string{"recs:u1"}, cache.deleted)
}

func TestWithResultCache_ZeroTTLDisables(t *testing.T) {
	cache := &memCache{data: map[string][]byte{}}
	c := NewComposer(newMemProfiles(), &fakeSearcher{}, nil, DefaultComposerConfig(), WithResultCache(cache, 0))
	assert.Nil(t, c.cache)
}
