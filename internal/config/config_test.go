package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"POLL_INTERVAL_MS", "BATCH_SIZE", "MAX_RETRIES", "STRICT_SCHEMA", "STALE_AFTER_MINUTES"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.StrictSchema)
	assert.Equal(t, 10*time.Minute, cfg.StaleAfter)
}

func TestLoadOverridesAndBadValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("BATCH_SIZE", "not-a-number")
	t.Setenv("STRICT_SCHEMA", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg := Load()
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.False(t, cfg.StrictSchema)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestProviderSelection(t *testing.T) {
	assert.Equal(t, "", Config{}.Provider())
	assert.Equal(t, "anthropic", Config{AnthropicAPIKey: "k"}.Provider())
	assert.Equal(t, "openai", Config{OpenAIAPIKey: "k", AnthropicAPIKey: "k"}.Provider())
	assert.Equal(t, "anthropic", Config{LLMProvider: "anthropic", OpenAIAPIKey: "k"}.Provider())
}

func TestLoadDotEnvKeepsProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	base := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(local, []byte("MIRA_TEST_LOCAL=local\n"), 0o600))
	require.NoError(t, os.WriteFile(base, []byte("MIRA_TEST_LOCAL=base\nMIRA_TEST_BASE=\"quoted value\"\nMIRA_TEST_PROCESS=file\n"), 0o600))

	t.Setenv("MIRA_TEST_PROCESS", "process")
	t.Setenv("MIRA_TEST_LOCAL", "")
	os.Unsetenv("MIRA_TEST_LOCAL")
	t.Setenv("MIRA_TEST_BASE", "")
	os.Unsetenv("MIRA_TEST_BASE")

	require.NoError(t, LoadDotEnv(local, base, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "local", os.Getenv("MIRA_TEST_LOCAL"))
	assert.Equal(t, "quoted value", os.Getenv("MIRA_TEST_BASE"))
	assert.Equal(t, "process", os.Getenv("MIRA_TEST_PROCESS"))
}
