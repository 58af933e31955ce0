package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// envPrefix namespaces environment overrides (OAC_CONCURRENCY etc.).
const envPrefix = "OAC_"

// Load builds the effective configuration: defaults, then the TOML file
// (explicit path, or oac.toml in the working directory when present),
// then environment variables, then flags already parsed into fs.
func Load(fs *flag.FlagSet, configPath, workDir string) (*Config, error) {
	cfg := Defaults()

	path := configPath
	if path == "" {
		candidate := filepath.Join(workDir, DefaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if fs != nil {
		applyFlags(cfg, fs)
	}

	if cfg.RepoPath == "" {
		cfg.RepoPath = workDir
	}
	if abs, err := filepath.Abs(cfg.RepoPath); err == nil {
		cfg.RepoPath = abs
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown keys: %v", path, undecoded)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "REPO_PATH"); v != "" {
		cfg.RepoPath = v
	}
	if v, ok := envInt("CONCURRENCY"); ok {
		cfg.Concurrency = v
	}
	if v, ok := envInt("MAX_ATTEMPTS"); ok {
		cfg.MaxAttempts = v
	}
	if v, ok := envInt("TOKEN_BUDGET"); ok {
		cfg.TokenBudget = v
	}
	if v := os.Getenv(envPrefix + "BASE_BRANCH"); v != "" {
		cfg.BaseBranch = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// applyFlags copies values from flags the user actually set.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "repo":
			cfg.RepoPath = f.Value.String()
		case "concurrency":
			if v, err := strconv.Atoi(f.Value.String()); err == nil {
				cfg.Concurrency = v
			}
		case "max-attempts":
			if v, err := strconv.Atoi(f.Value.String()); err == nil {
				cfg.MaxAttempts = v
			}
		case "token-budget":
			if v, err := strconv.Atoi(f.Value.String()); err == nil {
				cfg.TokenBudget = v
			}
		case "base-branch":
			cfg.BaseBranch = f.Value.String()
		case "allow-commits":
			cfg.AllowCommits = f.Value.String() == "true"
		case "log-level":
			cfg.LogLevel = f.Value.String()
		}
	})
}
