package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInit_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	require.NoError(t, Init("info", "json", path))
	t.Cleanup(InitNop)

	Info("item ingested", zap.String("item_id", "a"))
	Debug("dropped below level")
	Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, `"message":"item ingested"`)
	assert.Contains(t, out, `"service":"knowledge-engine"`)
	assert.Contains(t, out, `"item_id":"a"`)
	assert.NotContains(t, out, "dropped below level")
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	require.NoError(t, SetLevel("DEBUG"))
	assert.Equal(t, zapcore.DebugLevel, Level())

	require.NoError(t, SetLevel(""))
	assert.Equal(t, zapcore.InfoLevel, Level())

	assert.Error(t, SetLevel("chatty"))
	assert.Equal(t, zapcore.InfoLevel, Level())
}

func TestInit_RejectsBadInput(t *testing.T) {
	assert.Error(t, Init("loud", "json", "stdout"))
	assert.Error(t, Init("info", "json", filepath.Join(t.TempDir(), "missing", "dir", "x.log")))
}
