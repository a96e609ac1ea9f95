package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BootstrapFileName is the well-known bootstrap file under the state dir.
const BootstrapFileName = "bootstrap.json"

// Load builds the effective config: defaults, then the bootstrap file,
// then environment variables. Persisted settings are layered in later by
// ApplySettings once the store is open (the store location itself can only
// come from the first three layers).
func Load() (*Config, error) {
	cfg := Default()

	if dir := os.Getenv("IRONCLAW_STATE_DIR"); dir != "" {
		cfg.StateDir = dir
		cfg.Database.URL = filepath.Join(dir, "ironclaw.db")
	}

	if err := loadYAML(cfg); err != nil {
		return nil, err
	}
	if err := loadBootstrap(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML overlays an optional config.yaml beneath the bootstrap file;
// handy for hand-edited deployments.
func loadYAML(cfg *Config) error {
	path := filepath.Join(cfg.StateDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadBootstrap(cfg *Config) error {
	path := filepath.Join(cfg.StateDir, BootstrapFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bootstrap file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse bootstrap file %s: %w", path, err)
	}
	return nil
}

// ApplySettings overlays persisted per-user settings onto the config.
// Only hot-reloadable keys are honored here; backend/port/master-key
// settings are ignored with the old value kept.
func ApplySettings(cfg *Config, settings map[string]any) {
	for key, val := range settings {
		switch key {
		case "heartbeat.enabled":
			if b, ok := val.(bool); ok {
				cfg.Heartbeat.Enabled = b
			}
		case "heartbeat.interval_secs":
			if n, ok := asInt(val); ok {
				cfg.Heartbeat.IntervalSecs = n
			}
		case "agent.max_parallel_jobs":
			if n, ok := asInt(val); ok && n >= 1 {
				cfg.Agent.MaxParallelJobs = n
			}
		case "agent.job_timeout_secs":
			if n, ok := asInt(val); ok {
				cfg.Agent.JobTimeoutSecs = n
			}
		case "agent.stuck_threshold_secs":
			if n, ok := asInt(val); ok {
				cfg.Agent.StuckThresholdSecs = n
			}
		case "safety.max_output_length":
			if n, ok := asInt(val); ok {
				cfg.Safety.MaxOutputLength = n
			}
		case "llm.model":
			if s, ok := val.(string); ok {
				cfg.LLM.Model = s
			}
		}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// applyEnv applies environment overrides. Environment wins over every
// other layer.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("DATABASE_BACKEND", &cfg.Database.Backend)
	setStr("DATABASE_URL", &cfg.Database.URL)

	setStr("LLM_BACKEND", &cfg.LLM.Backend)
	setStr("LLM_MODEL", &cfg.LLM.Model)
	setStr("GEMINI_API_KEY", &cfg.LLM.APIKey)
	setStr("OPENAI_API_KEY", &cfg.LLM.APIKey)
	setStr("LLM_BASE_URL", &cfg.LLM.BaseURL)

	setStr("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setStr("EMBEDDING_MODEL", &cfg.Embedding.Model)

	setInt("GATEWAY_PORT", &cfg.Gateway.Port)
	setStr("GATEWAY_AUTH_TOKEN", &cfg.Gateway.AuthToken)
	setBool("GATEWAY_ENABLED", &cfg.Gateway.Enabled)

	setBool("SANDBOX_ENABLED", &cfg.Sandbox.Enabled)
	setStr("SANDBOX_LISTEN_ADDR", &cfg.Sandbox.ListenAddr)

	setBool("HEARTBEAT_ENABLED", &cfg.Heartbeat.Enabled)
	setInt("HEARTBEAT_INTERVAL_SECS", &cfg.Heartbeat.IntervalSecs)

	setInt("AGENT_MAX_PARALLEL_JOBS", &cfg.Agent.MaxParallelJobs)
	setInt("AGENT_JOB_TIMEOUT_SECS", &cfg.Agent.JobTimeoutSecs)
	setInt("AGENT_STUCK_THRESHOLD_SECS", &cfg.Agent.StuckThresholdSecs)

	setInt("SAFETY_MAX_OUTPUT_LENGTH", &cfg.Safety.MaxOutputLength)
	setBool("SAFETY_INJECTION_CHECK_ENABLED", &cfg.Safety.InjectionCheckEnabled)
	setBool("SAFETY_ACKNOWLEDGE_INJECTION_RISK", &cfg.Safety.AcknowledgeInjectionRisk)

	setBool("IRONCLAW_DEBUG", &cfg.Logging.Debug)
	setStr("IRONCLAW_LOG_LEVEL", &cfg.Logging.Level)
}
