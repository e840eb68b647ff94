// Package config loads and validates the agent configuration. YAML files go
// through environment expansion before decoding, every section applies its
// own defaults, and Validate runs before anything touches the filesystem.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of the agent configuration file.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace,omitempty"`
	Policy    PolicyConfig    `yaml:"policy,omitempty"`
	Verifier  VerifierConfig  `yaml:"verifier,omitempty"`
	LLM       LLMConfig       `yaml:"llm,omitempty"`
	Engine    EngineConfig    `yaml:"engine,omitempty"`
	Logger    LoggerConfig    `yaml:"logger,omitempty"`
}

// WorkspaceConfig controls the per-user directory tree and version store.
type WorkspaceConfig struct {
	// BaseDir is the root under which user workspaces live.
	BaseDir string `yaml:"base_dir,omitempty"`

	// MultiTenant places each user under base_dir/users/{user_id}.
	MultiTenant bool `yaml:"multi_tenant,omitempty"`

	// QuotaMB caps one user's visible bytes. Default: 500.
	QuotaMB int64 `yaml:"quota_mb,omitempty"`

	// QuotaFiles caps one user's visible file count. Default: 1000.
	QuotaFiles int `yaml:"quota_files,omitempty"`

	// VersionTTLHours ages out interior snapshot versions. Default: 168 (7d).
	VersionTTLHours int `yaml:"version_ttl_hours,omitempty"`

	// TurnBufferSize bounds the rollback window. Default: 30.
	TurnBufferSize int `yaml:"turn_buffer_size,omitempty"`

	// StagingScope selects which files writes are staged for:
	// "excel_only" (default) or "all".
	StagingScope string `yaml:"staging_scope,omitempty"`
}

func (c *WorkspaceConfig) SetDefaults() {
	if c.BaseDir == "" {
		c.BaseDir = "./workspace"
	}
	if c.QuotaMB <= 0 {
		c.QuotaMB = 500
	}
	if c.QuotaFiles <= 0 {
		c.QuotaFiles = 1000
	}
	if c.VersionTTLHours <= 0 {
		c.VersionTTLHours = 168
	}
	if c.TurnBufferSize <= 0 {
		c.TurnBufferSize = 30
	}
	if c.StagingScope == "" {
		c.StagingScope = "excel_only"
	}
}

func (c *WorkspaceConfig) Validate() error {
	if c.StagingScope != "excel_only" && c.StagingScope != "all" {
		return fmt.Errorf("invalid staging_scope %q (valid: excel_only, all)", c.StagingScope)
	}
	return nil
}

// PolicyConfig controls code risk analysis and the sandbox.
type PolicyConfig struct {
	// GreenAutoApprove executes low risk code without asking. Default: true.
	GreenAutoApprove *bool `yaml:"green_auto_approve,omitempty"`

	// SanitizeYellow rewrites recoverable findings (exit calls) before
	// re-analysis instead of escalating. Default: true.
	SanitizeYellow *bool `yaml:"sanitize_yellow,omitempty"`

	// PythonBin is the interpreter used for sandboxed code. Default: python3.
	PythonBin string `yaml:"python_bin,omitempty"`

	// ExecTimeoutSeconds bounds one sandboxed run. Default: 120.
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds,omitempty"`
}

func (c *PolicyConfig) SetDefaults() {
	if c.GreenAutoApprove == nil {
		v := true
		c.GreenAutoApprove = &v
	}
	if c.SanitizeYellow == nil {
		v := true
		c.SanitizeYellow = &v
	}
	if c.PythonBin == "" {
		c.PythonBin = "python3"
	}
	if c.ExecTimeoutSeconds <= 0 {
		c.ExecTimeoutSeconds = 120
	}
}

func (c *PolicyConfig) Validate() error { return nil }

// VerifierConfig controls the finish gate's verification step.
type VerifierConfig struct {
	// Mode is "skip", "advisory" (default) or "blocking".
	Mode string `yaml:"mode,omitempty"`

	// MaxBlockingAttempts is how many times a blocking verdict can push the
	// agent back to work before the gate downgrades to advisory. Default: 2.
	MaxBlockingAttempts int `yaml:"max_blocking_attempts,omitempty"`

	// Provider optionally names a dedicated LLM provider for verification.
	// Empty reuses the main provider.
	Provider string `yaml:"provider,omitempty"`
}

func (c *VerifierConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "advisory"
	}
	if c.MaxBlockingAttempts <= 0 {
		c.MaxBlockingAttempts = 2
	}
}

func (c *VerifierConfig) Validate() error {
	switch c.Mode {
	case "skip", "advisory", "blocking":
		return nil
	}
	return fmt.Errorf("invalid verifier mode %q (valid: skip, advisory, blocking)", c.Mode)
}

// LLMConfig selects and tunes the model endpoint.
type LLMConfig struct {
	Provider    string  `yaml:"provider,omitempty"`
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// MaxRetries wraps the provider with backoff for transient failures.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

func (c *LLMConfig) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", c.Temperature)
	}
	return nil
}

// EngineConfig tunes the session loop.
type EngineConfig struct {
	// MaxIterations caps tool-loop turns per user message. Default: 25.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// QuestionTimeoutMinutes bounds how long ask_user waits. Default: 10.
	QuestionTimeoutMinutes int `yaml:"question_timeout_minutes,omitempty"`

	// MaxResultChars truncates oversized tool results. Default: 20000.
	MaxResultChars int `yaml:"max_result_chars,omitempty"`

	// ContextTokenBudget trims conversation history. Default: 96000.
	ContextTokenBudget int `yaml:"context_token_budget,omitempty"`

	// WriteGuard warns the first finish_task that arrives with zero writes
	// on a task that was expected to write. Default: true.
	WriteGuard *bool `yaml:"write_guard,omitempty"`
}

func (c *EngineConfig) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.QuestionTimeoutMinutes <= 0 {
		c.QuestionTimeoutMinutes = 10
	}
	if c.MaxResultChars <= 0 {
		c.MaxResultChars = 20000
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = 96000
	}
	if c.WriteGuard == nil {
		v := true
		c.WriteGuard = &v
	}
}

func (c *EngineConfig) Validate() error { return nil }

// LoggerConfig configures log output.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level,omitempty"`

	// File receives log lines; empty logs to stderr.
	File string `yaml:"file,omitempty"`

	// Format is "simple" or "verbose". Default: simple.
	Format string `yaml:"format,omitempty"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggerConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Level] {
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	return nil
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Workspace.SetDefaults()
	c.Policy.SetDefaults()
	c.Verifier.SetDefaults()
	c.LLM.SetDefaults()
	c.Engine.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Workspace, &c.Policy, &c.Verifier, &c.LLM, &c.Engine, &c.Logger,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a ready-to-use configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// LoadFromFile reads a YAML config, expands environment references in every
// string value, applies defaults and validates.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes the same way LoadFromFile does.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded, err := yaml.Marshal(ExpandEnvVarsInData(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
