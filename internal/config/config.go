// Package config handles configuration loading and defaults. Precedence,
// lowest to highest: built-in defaults, the project TOML file, environment
// variables, command-line flags.
package config

import "time"

// Default values.
const (
	DefaultConfigFile   = "oac.toml"
	DefaultConcurrency  = 2
	DefaultMaxAttempts  = 2
	DefaultBranchPrefix = "oac"
	DefaultBaseBranch   = "main"
	DefaultTokenBudget  = 100_000
	DefaultTimeout      = 30 * time.Minute
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultLogDir       = "~/.oac/logs"
)

// Config holds the full configuration for oac.
type Config struct {
	// RepoPath is the repository the engine works against.
	RepoPath string `toml:"repo_path"`

	// Engine settings.
	Concurrency  int  `toml:"concurrency"`
	MaxAttempts  int  `toml:"max_attempts"`
	TokenBudget  int  `toml:"token_budget"`
	TimeoutMS    int  `toml:"timeout_ms"`
	AllowCommits bool `toml:"allow_commits"`

	// Sandbox settings.
	BranchPrefix string `toml:"branch_prefix"`
	BaseBranch   string `toml:"base_branch"`

	// Providers maps provider type names to their settings, in dispatch
	// order.
	Providers ProviderConfigs `toml:"providers"`

	// Logging configuration.
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	LogTimestamps bool   `toml:"log_timestamps"`
	LogDir        string `toml:"log_dir"`
}

// ProviderConfigs holds per-provider settings keyed by provider type.
type ProviderConfigs map[string]Provider

// Provider holds configuration for a single provider type.
type Provider struct {
	Binary       string   `toml:"binary"`
	Model        string   `toml:"model"`
	Args         []string `toml:"args"`
	PromptStdin  bool     `toml:"prompt_stdin"`
	ContextLimit int      `toml:"context_limit"`
	SchemaPath   string   `toml:"schema_path"`
}

// Timeout returns the execution timeout as a duration.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Defaults returns a config populated with built-in defaults.
func Defaults() *Config {
	return &Config{
		Concurrency:  DefaultConcurrency,
		MaxAttempts:  DefaultMaxAttempts,
		TokenBudget:  DefaultTokenBudget,
		BranchPrefix: DefaultBranchPrefix,
		BaseBranch:   DefaultBaseBranch,
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
		LogDir:       DefaultLogDir,
		Providers:    ProviderConfigs{},
	}
}
