package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "draftkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.ModelCall)
	assert.True(t, cfg.Parallel.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DRAFTKIT_MODEL", "")
	path := writeFile(t, `
model: gpt-4o
max_tool_rounds: 3
store:
  driver: bolt
  path: /tmp/draftkit.bolt
  compression: lz4
timeouts:
  model_call: 90s
  tool_call: 5s
logging:
  level: debug
  format: json
tracing:
  endpoint: http://localhost:4318
  headers:
    authorization: Bearer x
fixture: fixtures/offsite.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 3, cfg.MaxToolRounds)
	assert.Equal(t, StoreBolt, cfg.Store.Driver)
	assert.Equal(t, "lz4", cfg.Store.Compression)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.ModelCall)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.ToolCall)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.ContextLoad, "unset values keep defaults")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "Bearer x", cfg.Tracing.Headers["authorization"])
	assert.Equal(t, "fixtures/offsite.yaml", cfg.Fixture)
}

func TestLoad_UnknownFieldFails(t *testing.T) {
	path := writeFile(t, "modle: gpt-4o\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Model, cfg.Model)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	path := writeFile(t, "model: from-file\n")
	t.Setenv("DRAFTKIT_CONFIG", path)
	t.Setenv("DRAFTKIT_MODEL", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Model)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"OPENAI_API_KEY":           "sk-test",
		"DRAFTKIT_MODEL":           "gpt-4.1",
		"DRAFTKIT_STORE":           "memory",
		"DRAFTKIT_MAX_TOOL_ROUNDS": "2",
		"DRAFTKIT_MODEL_TIMEOUT":   "2m",
		"DRAFTKIT_TEMPERATURE":     "0.1",
		"DRAFTKIT_LISTEN":          ":9090",
		"DRAFTKIT_LOG_LEVEL":       "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, "gpt-4.1", cfg.Model)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 2, cfg.MaxToolRounds)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.ModelCall)
	assert.InDelta(t, 0.1, cfg.Temperature, 0.0001)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "info", cfg.Logging.Level, "empty values are ignored")
}

func TestApplyEnv_Langfuse(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Tracing.Enabled())
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"LANGFUSE_PUBLIC_KEY": "pk-lf",
		"LANGFUSE_SECRET_KEY": "sk-lf",
		"LANGFUSE_HOST":       "https://us.cloud.langfuse.com",
	})))
	assert.True(t, cfg.Tracing.Enabled())
	assert.Equal(t, "https://us.cloud.langfuse.com", cfg.Tracing.LangfuseURL)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_DraftkitKeyWins(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"OPENAI_API_KEY":   "sk-openai",
		"DRAFTKIT_API_KEY": "sk-draftkit",
	})))
	assert.Equal(t, "sk-draftkit", cfg.APIKey)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"DRAFTKIT_MAX_STEPS":       "many",
		"DRAFTKIT_TOOL_TIMEOUT":    "soon",
		"DRAFTKIT_TEMPERATURE":     "warm",
		"DRAFTKIT_MAX_RETRIES":     "3",
		"DRAFTKIT_CONTEXT_TIMEOUT": "1s",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRAFTKIT_MAX_STEPS")
	assert.Contains(t, err.Error(), "DRAFTKIT_TOOL_TIMEOUT")
	assert.Contains(t, err.Error(), "DRAFTKIT_TEMPERATURE")
	assert.Equal(t, 3, cfg.Retry.MaxRetries, "valid values still apply")
	assert.Equal(t, time.Second, cfg.Timeouts.ContextLoad)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"unknown compression", func(c *Config) { c.Store.Compression = "gzip" }},
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }},
		{"negative timeout", func(c *Config) { c.Timeouts.ToolCall = -time.Second }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"half langfuse keys", func(c *Config) { c.Tracing.LangfusePublicKey = "pk-lf" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Store = StoreConfig{Driver: StoreMemory}
	assert.NoError(t, cfg.Validate())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
