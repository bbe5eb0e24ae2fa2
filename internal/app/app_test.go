package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/storyteller/internal/config"
	"github.com/suPer8Hu/storyteller/internal/jobs"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		DBDSN:            "sqlite:" + filepath.Join(dir, "app.db"),
		JWTSecret:        "secret",
		TriggerMode:      "inline",
		StorageBackend:   "local",
		StorageLocalRoot: filepath.Join(dir, "media"),
		AudioBucket:      "audios",
		MediaBaseURL:     "http://localhost:8080",
		AIProvider:       "ollama",
		OllamaBaseURL:    "http://localhost:11434",
		OllamaModel:      "llama3",
	}
}

func TestNew_WiresLocalStack(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.Local)
	assert.Equal(t, jobs.DefaultStaleAfter, a.Queue.StaleAfter())

	trig, err := a.Trigger()
	require.NoError(t, err)
	assert.IsType(t, &jobs.InlineTrigger{}, trig)

	lim, err := a.Limiter(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lim)
}

func TestNewRegistry_KnowsAllProviders(t *testing.T) {
	reg := NewRegistry(config.Config{})
	assert.ElementsMatch(t, []string{"ollama", "openai", "openrouter"}, reg.Names())

	// openai without a key fails on use, not on registration
	_, err := reg.Get(context.Background(), "openai", "")
	assert.Error(t, err)
}
