package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DB         DB         `yaml:"db"`
	Executor   Executor   `yaml:"executor"`
	Scoring    Scoring    `yaml:"scoring"`
	Gateway    Gateway    `yaml:"gateway"`
	Supervisor Supervisor `yaml:"supervisor"`
	Pricing    Pricing    `yaml:"pricing"`
	Secrets    Secrets    `yaml:"secrets"`
}

type DB struct {
	Path string `yaml:"path"`
}

type Executor struct {
	Mode               string  `yaml:"mode"` // docker or replay
	WorkDir            string  `yaml:"work_dir"`
	CPULimit           float64 `yaml:"cpu_limit"`
	MemoryLimitMB      int64   `yaml:"memory_limit_mb"`
	CaseTimeoutMinutes int     `yaml:"case_timeout_minutes"`
}

type Scoring struct {
	JudgeModel string `yaml:"judge_model"`
	Samples    int    `yaml:"samples"`
	// GatewayURL points the judge at an already-running OpenAI-compatible
	// endpoint. Ignored when the managed gateway is enabled.
	GatewayURL string `yaml:"gateway_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
}

type Gateway struct {
	Enabled bool   `yaml:"enabled"`
	LogDir  string `yaml:"log_dir"`
}

type Supervisor struct {
	Schedule          string `yaml:"schedule"`
	StaleAfterMinutes int    `yaml:"stale_after_minutes"`
}

type Pricing struct {
	Path string `yaml:"path"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.Path == "" {
		cfg.DB.Path = "crucible.db"
	}
	switch cfg.Executor.Mode {
	case "":
		cfg.Executor.Mode = "docker"
	case "docker", "replay":
	default:
		return fmt.Errorf("executor mode must be docker or replay, got %q", cfg.Executor.Mode)
	}
	if cfg.Executor.WorkDir == "" {
		cfg.Executor.WorkDir = "work"
	}
	if cfg.Executor.CaseTimeoutMinutes <= 0 {
		cfg.Executor.CaseTimeoutMinutes = 10
	}
	if cfg.Scoring.Samples < 0 {
		return fmt.Errorf("scoring samples must not be negative")
	}
	if cfg.Scoring.Samples == 0 {
		cfg.Scoring.Samples = 1
	}
	if !cfg.Gateway.Enabled && cfg.Scoring.GatewayURL == "" {
		return fmt.Errorf("either gateway.enabled or scoring.gateway_url is required")
	}
	if cfg.Gateway.LogDir == "" {
		cfg.Gateway.LogDir = "logs"
	}
	if cfg.Supervisor.Schedule == "" {
		cfg.Supervisor.Schedule = "*/5 * * * *"
	}
	if cfg.Supervisor.StaleAfterMinutes <= 0 {
		cfg.Supervisor.StaleAfterMinutes = 120
	}
	return nil
}
