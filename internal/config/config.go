// Package config loads and validates the Foreman TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General     General     `toml:"general"`
	Stores      Stores      `toml:"stores"`
	Credentials Credentials `toml:"credentials"`
	Sessions    Sessions    `toml:"sessions"`
	PR          PR          `toml:"pr"`
	Spawn       Spawn       `toml:"spawn"`
	Approval    Approval    `toml:"approval"`
}

type General struct {
	TickInterval Duration `toml:"tick_interval"`
	LogLevel     string   `toml:"log_level"`
}

type Stores struct {
	WorkflowPath   string `toml:"workflow_path"`
	CredentialPath string `toml:"credential_path"`
	HistoryPath    string `toml:"history_path"`
}

type Credentials struct {
	// MasterKeyEnv names the environment variable holding the vault
	// passphrase; the key itself never appears in config files.
	MasterKeyEnv  string   `toml:"master_key_env"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type Sessions struct {
	MaxConcurrent        int      `toml:"max_concurrent"`
	Timeout              Duration `toml:"timeout"`
	MaxTokensPerStep     int      `toml:"max_tokens_per_step"`
	MaxTokensPerWorkflow int      `toml:"max_tokens_per_workflow"`
}

type PR struct {
	Labels    []string `toml:"labels"`
	Assignees []string `toml:"assignees"`
}

type Spawn struct {
	Cmd              string   `toml:"cmd"`
	Args             []string `toml:"args"`
	PromptMode       string   `toml:"prompt_mode"` // "stdin", "file"
	SystemPromptFlag string   `toml:"system_prompt_flag"`
	LogDir           string   `toml:"log_dir"`
}

type Approval struct {
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
	// TimeoutAction is "deny" (default) or "approve".
	TimeoutAction string `toml:"timeout_action"`
}

// Load reads and validates a Foreman TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.TickInterval.Duration == 0 {
		cfg.General.TickInterval.Duration = 5 * time.Second
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}

	if cfg.Stores.WorkflowPath == "" {
		cfg.Stores.WorkflowPath = "~/.foreman/workflows.json"
	}
	if cfg.Stores.CredentialPath == "" {
		cfg.Stores.CredentialPath = "~/.foreman/credentials.json"
	}
	if cfg.Stores.HistoryPath == "" {
		cfg.Stores.HistoryPath = "~/.foreman/history.db"
	}

	if cfg.Credentials.MasterKeyEnv == "" {
		cfg.Credentials.MasterKeyEnv = "FOREMAN_MASTER_KEY"
	}
	if cfg.Credentials.SweepInterval.Duration == 0 {
		cfg.Credentials.SweepInterval.Duration = 60 * time.Second
	}

	if cfg.Sessions.MaxConcurrent == 0 {
		cfg.Sessions.MaxConcurrent = 2
	}
	if cfg.Sessions.Timeout.Duration == 0 {
		cfg.Sessions.Timeout.Duration = 5 * time.Minute
	}
	if cfg.Sessions.MaxTokensPerStep == 0 {
		cfg.Sessions.MaxTokensPerStep = 100_000
	}
	if cfg.Sessions.MaxTokensPerWorkflow == 0 {
		cfg.Sessions.MaxTokensPerWorkflow = 500_000
	}

	if cfg.Spawn.PromptMode == "" {
		cfg.Spawn.PromptMode = "stdin"
	}

	if cfg.Approval.PollInterval.Duration == 0 {
		cfg.Approval.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Approval.Timeout.Duration == 0 {
		cfg.Approval.Timeout.Duration = time.Hour
	}
	if cfg.Approval.TimeoutAction == "" {
		cfg.Approval.TimeoutAction = "deny"
	}
}

func validate(cfg *Config) error {
	if cfg.Spawn.Cmd == "" {
		return fmt.Errorf("spawn.cmd is required")
	}
	switch cfg.Spawn.PromptMode {
	case "stdin", "file":
	default:
		return fmt.Errorf("spawn.prompt_mode must be stdin or file, got %q", cfg.Spawn.PromptMode)
	}
	switch cfg.Approval.TimeoutAction {
	case "deny", "approve":
	default:
		return fmt.Errorf("approval.timeout_action must be deny or approve, got %q", cfg.Approval.TimeoutAction)
	}
	if cfg.Sessions.MaxConcurrent < 0 {
		return fmt.Errorf("sessions.max_concurrent must not be negative")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
