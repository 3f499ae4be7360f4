package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAppliesDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &Config{
		Relays:       []string{"wss://relay.example.com"},
		HomeBasePath: t.TempDir(),
	}
	cfg.LLM.Anthropic.APIKey = "sk-test"
	cfg.LLM.Anthropic.Model = "claude-sonnet-4-5"

	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.HomeBasePath, "agents.d"), cfg.AgentsDir)
	assert.Equal(t, filepath.Join(cfg.HomeBasePath, "work"), cfg.WorkBasePath)
	assert.Equal(t, filepath.Join(cfg.HomeBasePath, "hive.db"), cfg.DatabasePath)
	assert.Equal(t, "@every 1m", cfg.StatusSchedule)
	assert.Equal(t, "agents", cfg.LLM.Fallback)

	for _, name := range []string{"agents", "analyze", "orchestrator", "summarization"} {
		got, ok := cfg.LLM.Defaults[name]
		require.True(t, ok, name)
		assert.Equal(t, "anthropic", got.Provider)
		assert.Equal(t, "claude-sonnet-4-5", got.Model)
	}
}

func TestValidateRequiresRelayAndProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &Config{HomeBasePath: t.TempDir()}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM provider")

	cfg = &Config{HomeBasePath: t.TempDir()}
	cfg.LLM.OpenAI.APIKey = "sk-test"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay")
}

func TestValidateEnvFallback(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	cfg := &Config{
		Relays:       []string{"wss://relay.example.com"},
		HomeBasePath: t.TempDir(),
	}
	cfg.LLM.OpenAI.Model = "gpt-4o"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sk-from-env", cfg.LLM.OpenAI.APIKey)
	assert.Equal(t, "openai", cfg.LLM.Defaults["agents"].Provider)
	assert.Equal(t, "gpt-4o", cfg.LLM.Defaults["agents"].Model)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relays:
  - wss://relay.example.com
home_base_path: `+dir+`
debug: true
llm:
  anthropic:
    api_key: sk-file
    model: claude-sonnet-4-5
  defaults:
    orchestrator:
      provider: anthropic
      model: claude-opus-4-1
metrics:
  enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", cfg.LLM.Defaults["orchestrator"].Model)
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Defaults["agents"].Model)
	assert.Equal(t, ":9187", cfg.Metrics.Listen)
	assert.True(t, cfg.Debug)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
