package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "memnet_collection", cfg.VectorStore.Collection)
	assert.Equal(t, 0.6, cfg.Memory.DuplicateThreshold)
	assert.True(t, cfg.Memory.EnableReranking)
	assert.Equal(t, 10, cfg.Memory.HistoryLimit)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Model)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
vectorStore:
  provider: inmemory
memory:
  duplicateThreshold: 0.75
  enableReranking: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "inmemory", cfg.VectorStore.Provider)
	assert.Equal(t, 0.75, cfg.Memory.DuplicateThreshold)
	assert.False(t, cfg.Memory.EnableReranking)
	// Untouched keys keep defaults.
	assert.Equal(t, "memnet_collection", cfg.VectorStore.Collection)
}

func TestLoadNestedMemnetKey(t *testing.T) {
	path := writeConfig(t, `
memnet:
  server:
    port: 7070
  vectorStore:
    provider: redis
    endpoint: localhost:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.VectorStore.Provider)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MEMNET_SERVER_PORT", "6060")
	t.Setenv("MEMNET_MEMORY_DUPLICATETHRESHOLD", "0.8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Memory.DuplicateThreshold)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.VectorStore.Provider = "cassandra"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Memory.DuplicateThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Server.Port = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.VectorStore.Collection = ""
	assert.Error(t, bad.Validate())
}

func TestDumpRedactsSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.LLM.APIKey = "sk-very-secret"
	cfg.Embedder.APIKey = "sk-also-secret"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-very-secret")
	assert.NotContains(t, string(out), "sk-also-secret")
	assert.Contains(t, string(out), "[redacted]")
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `
memory:
  duplicateThreshold: 0.6
`)
	var reloads atomic.Int32
	var lastThreshold atomic.Value
	w, err := NewWatcher(path, func(cfg *Config) {
		lastThreshold.Store(cfg.Memory.DuplicateThreshold)
		reloads.Add(1)
	}, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
memory:
  duplicateThreshold: 0.9
`), 0o644))

	require.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0.9, lastThreshold.Load())
}

func TestWatcherIgnoresInvalidFile(t *testing.T) {
	path := writeConfig(t, `
memory:
  duplicateThreshold: 0.6
`)
	var reloads atomic.Int32
	w, err := NewWatcher(path, func(*Config) { reloads.Add(1) }, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
memory:
  duplicateThreshold: 7.0
`), 0o644))

	// The invalid threshold never reaches the callback.
	time.Sleep(debounceWindow * 3)
	assert.Equal(t, int32(0), reloads.Load())
}
