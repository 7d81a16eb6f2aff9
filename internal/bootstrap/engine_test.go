package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-engine/backend/internal/ingestion"
	"github.com/knowledge-engine/backend/internal/retrieval"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/config"
)

// keywordEmbedding maps text onto a tiny space spanned by the two topics the
// scenario uses, so similarities are predictable.
func keywordEmbedding(text string) []float32 {
	t := strings.ToLower(text)
	v := []float64{float64(strings.Count(t, "vpn")), float64(strings.Count(t, "payroll")), 0.2}
	norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	out := make([]float32, len(v))
	for i := range v {
		out[i] = float32(v[i] / norm)
	}
	return out
}

func fakeModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": keywordEmbedding(in)}
		}
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "embed"})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "c1", "object": "chat.completion", "created": 1, "model": "synth",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "# VPN\n\nInstall the client, then reconnect if the tunnel drops."},
				"finish_reason": "stop",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, modelURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
sqlite:
  path: %s
vector:
  provider: chromem
  dimension: 3
chromem:
  path: %s
llm:
  apiKey: test
  baseURL: %s/v1
`, filepath.Join(dir, "kre.db"), filepath.Join(dir, "vectors"), modelURL)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	return cfg
}

func TestEngine_OnboardingScenario(t *testing.T) {
	ctx := context.Background()
	srv := fakeModelServer(t)

	e, err := New(ctx, testConfig(t, srv.URL))
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Close()) }()

	ingest := func(filename, content string, topics ...string) string {
		item, err := e.Ingestor.IngestItem(ctx, &ingestion.Request{
			Filename:    filename,
			Content:     content,
			ContentType: ingestion.ContentTypeMarkdown,
			Topics:      topics,
		})
		require.NoError(t, err)
		return item.ID
	}
	setup := ingest("vpn-setup.md", "VPN setup guide. Install the VPN client and sign in.", "VPN")
	trouble := ingest("vpn-troubleshooting.md", "VPN troubleshooting: reconnect the VPN when the tunnel drops.", "vpn", "Networking")
	ingest("payroll.md", "Payroll runs on the 25th. Payroll questions go to finance.", "Payroll")

	results, err := e.Index.Search(ctx, retrieval.Query{Text: "vpn", TopK: 10})
	require.NoError(t, err)
	var found []string
	for _, r := range results {
		found = append(found, r.ItemID)
		assert.GreaterOrEqual(t, r.Similarity, 0.5)
		assert.Equal(t, models.DecayFresh, r.DecayStatus)
	}
	assert.ElementsMatch(t, []string{setup, trouble}, found)

	stats, err := e.Ledger.Submit(ctx, &models.FeedbackEvent{
		ItemID:  setup,
		Source:  models.SourceExplicit,
		Type:    models.TypeHelpful,
		Score:   1,
		ActorID: "u1",
		Details: &models.FeedbackDetails{Kind: models.DetailsRating, Topic: "VPN"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 1.0, stats.NormalizedScore)

	recs, err := e.Composer.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, recs.Warning)
	require.Len(t, recs.Items, 2)
	for _, r := range recs.Items {
		assert.Equal(t, "VPN", r.Concept)
		assert.LessOrEqual(t, r.Score, 0.6+1e-9)
	}

	discovery := e.Synthesizer.DiscoverCandidates(ctx)
	assert.Empty(t, discovery.Warning)
	require.Len(t, discovery.Candidates, 1)
	assert.Equal(t, "vpn", discovery.Candidates[0].ConceptName)
	assert.ElementsMatch(t, []string{setup, trouble}, discovery.Candidates[0].ItemIDs)

	unit, err := e.Synthesizer.Synthesize(ctx, "vpn", discovery.Candidates[0].ItemIDs)
	require.NoError(t, err)
	stored, err := e.Store.GetUnit(ctx, unit.UnitID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.SourceCount)
	assert.Contains(t, stored.Body, "# VPN")
	sources, err := e.Store.UnitSources(ctx, unit.UnitID)
	require.NoError(t, err)
	assert.Len(t, sources, 2)

	report, err := e.Decay.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Updated)
}

func TestNew_FailsWhenDatabaseCannotOpen(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "missing", "dir", "kre.db")

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
