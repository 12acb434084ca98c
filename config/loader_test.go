package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "ireader.db", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.LLM.MaxConcurrent)
	assert.Equal(t, 8, cfg.Engine.React.MaxIterations)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Protocol.Servers)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9000
llm:
  max_concurrent: 4
  provider:
    base_url: http://gateway.local
    default_model: qwen-max
engine:
  react:
    max_iterations: 12
protocol:
  servers:
    - id: converter
      name: converter
      command: /usr/local/bin/converter
      args: ["--stdio"]
      timeout: 10s
log:
  level: debug
  format: console
`)
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 4, cfg.LLM.MaxConcurrent)
	assert.Equal(t, "http://gateway.local", cfg.LLM.Provider.BaseURL)
	assert.Equal(t, "qwen-max", cfg.LLM.Provider.DefaultModel)
	assert.Equal(t, 12, cfg.Engine.React.MaxIterations)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Protocol.Servers, 1)
	assert.Equal(t, "converter", cfg.Protocol.Servers[0].ID)
	assert.Equal(t, 10*time.Second, cfg.Protocol.Servers[0].Timeout)

	// Untouched sections keep their defaults.
	assert.Equal(t, "ireader.db", cfg.Database.DSN)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000\n")

	t.Setenv("IREADER_SERVER_HTTP_PORT", "7070")
	t.Setenv("IREADER_ENGINE_REACT_TOKEN_BUDGET", "32000")
	t.Setenv("IREADER_ENGINE_REACT_TOOL_TIMEOUT", "90s")
	t.Setenv("IREADER_LLM_PROVIDER_API_KEY", "sk-env")
	t.Setenv("IREADER_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 32000, cfg.Engine.React.TokenBudget)
	assert.Equal(t, 90*time.Second, cfg.Engine.React.ToolTimeout)
	assert.Equal(t, "sk-env", cfg.LLM.Provider.APIKey)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("APP_SERVER_HTTP_PORT", "6060")
	cfg, err := NewLoader().WithEnvPrefix("APP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidConfigRejected(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: -1\n")
	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_port")
}

func TestLoader_InvalidProtocolServerRejected(t *testing.T) {
	path := writeConfig(t, `
protocol:
  servers:
    - id: broken
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol server 0")
}

func TestLoader_ExtraValidator(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			called = true
			return nil
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}
