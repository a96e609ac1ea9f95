// Package config holds the runtime configuration for IronClaw.
//
// Precedence, lowest to highest: compiled defaults, the bootstrap file
// (~/.ironclaw/bootstrap.json), persisted settings from the store, then
// environment variables. Changes to the persistence backend, port bindings,
// and the master-key source require a restart; everything else is
// hot-reloadable through the Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all IronClaw configuration.
type Config struct {
	// StateDir is where logs, the bootstrap file and the default SQLite
	// database live. Defaults to ~/.ironclaw.
	StateDir string `json:"state_dir" yaml:"state_dir"`

	Database  DatabaseConfig  `json:"database" yaml:"database"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Safety    SafetyConfig    `json:"safety" yaml:"safety"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// DatabaseConfig selects and parameterizes the persistence backend.
// Backend and URL require restart to change.
type DatabaseConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "sqlite" or "postgres"
	URL     string `json:"url" yaml:"url"`
}

// LLMConfig configures the provider chain.
type LLMConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "gemini", "openai", "stub"
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Fallbacks are tried in order after the primary, each with the
	// failover cooldown policy applied.
	Fallbacks []ProviderConfig `json:"fallbacks" yaml:"fallbacks"`

	RequestTimeoutSecs  int     `json:"request_timeout_secs" yaml:"request_timeout_secs"`
	MaxRetries          int     `json:"max_retries" yaml:"max_retries"`
	CooldownBaseSecs    int     `json:"cooldown_base_secs" yaml:"cooldown_base_secs"`
	CostPerInputToken   float64 `json:"cost_per_input_token" yaml:"cost_per_input_token"`
	CostPerOutputToken  float64 `json:"cost_per_output_token" yaml:"cost_per_output_token"`
}

// ProviderConfig is one entry in the failover chain.
type ProviderConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `json:"provider" yaml:"provider"` // "gemini", "ollama", "local", "stub"
	Model      string `json:"model" yaml:"model"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	Dimensions int    `json:"dimensions" yaml:"dimensions"`
}

// AgentConfig bounds the scheduler and worker loop.
type AgentConfig struct {
	MaxParallelJobs   int `json:"max_parallel_jobs" yaml:"max_parallel_jobs"`
	MaxIterations     int `json:"max_iterations" yaml:"max_iterations"`
	JobTimeoutSecs    int `json:"job_timeout_secs" yaml:"job_timeout_secs"`
	StuckThresholdSecs int `json:"stuck_threshold_secs" yaml:"stuck_threshold_secs"`
	MaxRepairAttempts int `json:"max_repair_attempts" yaml:"max_repair_attempts"`
	SessionTTLSecs    int `json:"session_ttl_secs" yaml:"session_ttl_secs"`

	ContextLimitTokens   int     `json:"context_limit_tokens" yaml:"context_limit_tokens"`
	CompactionThreshold  float64 `json:"compaction_threshold" yaml:"compaction_threshold"`
	CompactionKeepRecent int     `json:"compaction_keep_recent" yaml:"compaction_keep_recent"`
}

// SafetyConfig parameterizes the content pipeline.
type SafetyConfig struct {
	MaxOutputLength int `json:"max_output_length" yaml:"max_output_length"`

	// InjectionCheckEnabled=false is refused at startup unless
	// AcknowledgeInjectionRisk is also set. There is no runtime toggle.
	InjectionCheckEnabled    bool `json:"injection_check_enabled" yaml:"injection_check_enabled"`
	AcknowledgeInjectionRisk bool `json:"acknowledge_injection_risk" yaml:"acknowledge_injection_risk"`

	// BinaryAllowlistEnforced defaults to true; disabling requires the
	// explicit acknowledgement flag.
	BinaryAllowlistEnforced  bool     `json:"binary_allowlist_enforced" yaml:"binary_allowlist_enforced"`
	AcknowledgeAllowlistRisk bool     `json:"acknowledge_allowlist_risk" yaml:"acknowledge_allowlist_risk"`
	AllowedBinaries          []string `json:"allowed_binaries" yaml:"allowed_binaries"`
}

// SandboxConfig governs container-domain tool execution.
type SandboxConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ListenAddr   string `json:"listen_addr" yaml:"listen_addr"` // restart required
	TokenTTLSecs int    `json:"token_ttl_secs" yaml:"token_ttl_secs"`

	ProxyAllowedHosts []string `json:"proxy_allowed_hosts" yaml:"proxy_allowed_hosts"`
}

// GatewayConfig configures the optional web gateway.
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Port      int    `json:"port" yaml:"port"` // restart required
	AuthToken string `json:"auth_token" yaml:"auth_token"`
}

// HeartbeatConfig configures the proactive heartbeat task.
type HeartbeatConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	IntervalSecs int  `json:"interval_secs" yaml:"interval_secs"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Debug bool   `json:"debug" yaml:"debug"`
	Level string `json:"level" yaml:"level"`
}

// Default returns the compiled defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".ironclaw")
	return &Config{
		StateDir: stateDir,
		Database: DatabaseConfig{
			Backend: "sqlite",
			URL:     filepath.Join(stateDir, "ironclaw.db"),
		},
		LLM: LLMConfig{
			Backend:            "gemini",
			Model:              "gemini-2.0-flash",
			RequestTimeoutSecs: 120,
			MaxRetries:         3,
			CooldownBaseSecs:   5,
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			Dimensions: 256,
		},
		Agent: AgentConfig{
			MaxParallelJobs:      4,
			MaxIterations:        30,
			JobTimeoutSecs:       1800,
			StuckThresholdSecs:   600,
			MaxRepairAttempts:    3,
			SessionTTLSecs:       86400,
			ContextLimitTokens:   128000,
			CompactionThreshold:  0.8,
			CompactionKeepRecent: 4,
		},
		Safety: SafetyConfig{
			MaxOutputLength:         262144,
			InjectionCheckEnabled:   true,
			BinaryAllowlistEnforced: true,
			AllowedBinaries: []string{
				"ls", "cat", "grep", "find", "git", "go", "echo", "wc",
				"head", "tail", "pwd", "mkdir", "diff",
			},
		},
		Sandbox: SandboxConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1:7781",
			TokenTTLSecs: 600,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    7780,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:      true,
			IntervalSecs: 1800,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate enforces the startup invariants that cannot be expressed as
// plain defaults.
func (c *Config) Validate() error {
	if !c.Safety.InjectionCheckEnabled && !c.Safety.AcknowledgeInjectionRisk {
		return fmt.Errorf("injection checking disabled without acknowledge_injection_risk")
	}
	if !c.Safety.BinaryAllowlistEnforced && !c.Safety.AcknowledgeAllowlistRisk {
		return fmt.Errorf("binary allowlist disabled without acknowledge_allowlist_risk")
	}
	switch c.Database.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	if c.Agent.MaxParallelJobs < 1 {
		return fmt.Errorf("max_parallel_jobs must be >= 1")
	}
	if c.Agent.CompactionThreshold <= 0 || c.Agent.CompactionThreshold > 1 {
		return fmt.Errorf("compaction_threshold must be in (0,1]")
	}
	return nil
}

// JobTimeout returns the per-job wall-clock bound.
func (c *AgentConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSecs) * time.Second
}

// StuckThreshold returns the inactivity bound before a job is marked stuck.
func (c *AgentConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdSecs) * time.Second
}

// SessionTTL returns the idle bound before a session is pruned.
func (c *AgentConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSecs) * time.Second
}

// TokenTTL returns the sandbox bearer-token lifetime.
func (c *SandboxConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSecs) * time.Second
}

// Interval returns the heartbeat period.
func (c *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}
