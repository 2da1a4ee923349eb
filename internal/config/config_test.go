package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().TokenBudget, cfg.TokenBudget)
	assert.Equal(t, Default().MaxConcurrentRuns, cfg.MaxConcurrentRuns)
	assert.Nil(t, cfg.HeartbeatActiveHours)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tokenBudget: 50000\nmaxTurns: 10\nactiveHoursStart: \"22:00\"\nactiveHoursEnd: \"06:00\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50000, cfg.TokenBudget)
	assert.Equal(t, 10, cfg.MaxTurns)
	require.NotNil(t, cfg.HeartbeatActiveHours)
	assert.Equal(t, 22*60, cfg.HeartbeatActiveHours.StartMinute)
	assert.Equal(t, 6*60, cfg.HeartbeatActiveHours.EndMinute)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tokenBudget: 50000\n"), 0o644))

	t.Setenv("MINI_AGENT_TOKEN_BUDGET", "99999")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99999, cfg.TokenBudget)
}

func TestLoad_EnvCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	t.Setenv("OPENCLAW_MINI_AGENT_ID", "fallback-agent")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-key", cfg.AnthropicAPIKey)
	assert.Equal(t, "fallback-agent", cfg.DefaultAgentID)
}

func TestLoad_InvalidIntEnvErrors(t *testing.T) {
	t.Setenv("MINI_AGENT_MAX_TURNS", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MaxRunsPerSecondEnv(t *testing.T) {
	t.Setenv("MINI_AGENT_MAX_RUNS_PER_SECOND", "2.5")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.MaxRunsPerSecond)
}

func TestLoad_InvalidMaxRunsPerSecondEnvErrors(t *testing.T) {
	t.Setenv("MINI_AGENT_MAX_RUNS_PER_SECOND", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}
