package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Safety.InjectionCheckEnabled)
	assert.True(t, cfg.Safety.BinaryAllowlistEnforced)
	assert.True(t, cfg.Sandbox.Enabled)
}

func TestValidateRefusesDisabledInjectionCheck(t *testing.T) {
	cfg := Default()
	cfg.Safety.InjectionCheckEnabled = false
	assert.Error(t, cfg.Validate(), "startup must fail without the acknowledgement flag")

	cfg.Safety.AcknowledgeInjectionRisk = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateRefusesDisabledAllowlist(t *testing.T) {
	cfg := Default()
	cfg.Safety.BinaryAllowlistEnforced = false
	assert.Error(t, cfg.Validate())

	cfg.Safety.AcknowledgeAllowlistRisk = true
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesWinOverDefaults(t *testing.T) {
	t.Setenv("DATABASE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("AGENT_MAX_PARALLEL_JOBS", "9")
	t.Setenv("HEARTBEAT_ENABLED", "false")
	t.Setenv("SAFETY_MAX_OUTPUT_LENGTH", "1234")
	t.Setenv("IRONCLAW_STATE_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, 9, cfg.Agent.MaxParallelJobs)
	assert.False(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, 1234, cfg.Safety.MaxOutputLength)
}

func TestApplySettingsIgnoresRestartOnlyKeys(t *testing.T) {
	cfg := Default()
	before := cfg.Database.Backend
	ApplySettings(cfg, map[string]any{
		"database.backend":           "postgres", // not hot-reloadable
		"heartbeat.interval_secs":    float64(60),
		"agent.max_parallel_jobs":    float64(2),
		"safety.max_output_length":   float64(9999),
	})
	assert.Equal(t, before, cfg.Database.Backend)
	assert.Equal(t, 60, cfg.Heartbeat.IntervalSecs)
	assert.Equal(t, 2, cfg.Agent.MaxParallelJobs)
	assert.Equal(t, 9999, cfg.Safety.MaxOutputLength)
}

func TestInvalidMaxParallelRejected(t *testing.T) {
	cfg := Default()
	cfg.Agent.MaxParallelJobs = 0
	assert.Error(t, cfg.Validate())
}
