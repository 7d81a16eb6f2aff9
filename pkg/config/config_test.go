package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFrom_FileOverridesDefaults(t *testing.T) {
	cfg, err := LoadFrom(writeConfig(t, `
vector:
  provider: chromem
engine:
  searchThreshold: 0.7
  serializeFeedback: true
redis:
  recommendationTTL: 120
`))
	require.NoError(t, err)

	assert.Equal(t, "chromem", cfg.Vector.Provider)
	assert.Equal(t, 0.7, cfg.Engine.SearchThreshold)
	assert.True(t, cfg.Engine.SerializeFeedback)
	assert.Equal(t, 120, cfg.Redis.RecommendationTTL)

	assert.Equal(t, 1536, cfg.Vector.Dimension)
	assert.Equal(t, 10, cfg.Engine.DefaultTopK)
	assert.Equal(t, 30000, cfg.Engine.SynthesisCharBudget)
	assert.Equal(t, 0.8, cfg.Engine.CompletenessPlaceholder)
	assert.Equal(t, "kre:", cfg.Redis.KeyPrefix)
}

func TestLoadFrom_EnvironmentWins(t *testing.T) {
	t.Setenv("KRE_ENGINE_DEFAULTTOPK", "25")
	cfg, err := LoadFrom(writeConfig(t, "engine:\n  defaultTopK: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Engine.DefaultTopK)
}

func TestLoadFrom_MissingExplicitFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"unknown provider":   "vector:\n  provider: faiss\n",
		"zero dimension":     "vector:\n  dimension: 0\n",
		"threshold above 1":  "engine:\n  searchThreshold: 1.5\n",
		"no synthesis input": "engine:\n  synthesisCharBudget: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
