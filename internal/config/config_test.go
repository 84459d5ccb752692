package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[spawn]
cmd = "agent"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.TickInterval.Duration != 5*time.Second {
		t.Errorf("tick_interval = %v", cfg.General.TickInterval.Duration)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.General.LogLevel)
	}
	if cfg.Sessions.MaxConcurrent != 2 || cfg.Sessions.Timeout.Duration != 5*time.Minute {
		t.Errorf("sessions = %+v", cfg.Sessions)
	}
	if cfg.Sessions.MaxTokensPerStep != 100_000 || cfg.Sessions.MaxTokensPerWorkflow != 500_000 {
		t.Errorf("token budgets = %+v", cfg.Sessions)
	}
	if cfg.Credentials.MasterKeyEnv != "FOREMAN_MASTER_KEY" || cfg.Credentials.SweepInterval.Duration != 60*time.Second {
		t.Errorf("credentials = %+v", cfg.Credentials)
	}
	if cfg.Approval.TimeoutAction != "deny" || cfg.Approval.PollInterval.Duration != 2*time.Second {
		t.Errorf("approval = %+v", cfg.Approval)
	}
	if cfg.Stores.WorkflowPath == "" || cfg.Stores.CredentialPath == "" {
		t.Errorf("stores = %+v", cfg.Stores)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[general]
tick_interval = "10s"
log_level = "debug"

[stores]
workflow_path = "/var/lib/foreman/workflows.json"

[sessions]
max_concurrent = 4
timeout = "10m"

[pr]
labels = ["automated"]
assignees = ["octocat"]

[spawn]
cmd = "agent"
args = ["--headless"]
prompt_mode = "file"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.TickInterval.Duration != 10*time.Second || cfg.General.LogLevel != "debug" {
		t.Errorf("general = %+v", cfg.General)
	}
	if cfg.Sessions.MaxConcurrent != 4 || cfg.Sessions.Timeout.Duration != 10*time.Minute {
		t.Errorf("sessions = %+v", cfg.Sessions)
	}
	if len(cfg.PR.Labels) != 1 || cfg.PR.Labels[0] != "automated" {
		t.Errorf("pr = %+v", cfg.PR)
	}
	if cfg.Spawn.PromptMode != "file" || len(cfg.Spawn.Args) != 1 {
		t.Errorf("spawn = %+v", cfg.Spawn)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"missing spawn cmd", `[general]` + "\n" + `log_level = "info"`},
		{"bad prompt mode", "[spawn]\ncmd = \"agent\"\nprompt_mode = \"carrier-pigeon\""},
		{"bad timeout action", "[spawn]\ncmd = \"agent\"\n[approval]\ntimeout_action = \"shrug\""},
		{"bad duration", "[spawn]\ncmd = \"agent\"\n[general]\ntick_interval = \"fast\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.toml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestManagerReloadPinsStorePaths(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(cfg)

	if err := m.Reload(path); err != nil {
		t.Fatalf("same-path reload: %v", err)
	}

	moved := writeConfig(t, minimalConfig+"\n[stores]\nworkflow_path = \"/elsewhere/workflows.json\"\n")
	if err := m.Reload(moved); err == nil {
		t.Fatal("reload that moves store paths should be rejected")
	}
	if m.Get().Stores.WorkflowPath == "/elsewhere/workflows.json" {
		t.Fatal("rejected reload still applied")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/x/y"); got != filepath.Join(home, "x/y") {
		t.Fatalf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandHome = %q", got)
	}
}
