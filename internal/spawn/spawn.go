// Package spawn runs agent sessions as background CLI processes with file
// logs, implementing the engine's SessionSpawner contract.
package spawn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/foreman/internal/engine"
)

// Config describes the agent CLI to run.
type Config struct {
	// Command is the agent binary; required.
	Command string
	// Args precede the prompt arguments.
	Args []string
	// PromptMode is "stdin" (default) or "file". File mode writes the
	// prompt to a temp file and appends its path to Args.
	PromptMode string
	// SystemPromptFlag, when set, passes the extra system prompt as
	// "<flag> <text>".
	SystemPromptFlag string
	// LogDir receives one log file per run.
	LogDir string
}

type run struct {
	cmd        *exec.Cmd
	sessionKey string
	prompt     string
	logPath    string
	promptPath string
	done       bool
	success    bool
	output     string
	finishedAt time.Time
}

// Runner spawns and tracks session processes.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// NewRunner validates the config and creates a runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("spawn: command is required")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(os.TempDir(), "foreman-sessions")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger, runs: make(map[string]*run)}, nil
}

// Spawn starts the agent process. The process is detached from ctx: it
// keeps running if the engine restarts, and is reaped by the step timeout.
func (r *Runner) Spawn(ctx context.Context, req engine.SpawnRequest) (engine.SpawnResult, error) {
	if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
		return engine.SpawnResult{}, fmt.Errorf("spawn: create log directory: %w", err)
	}

	runID := uuid.NewString()
	logPath := filepath.Join(r.cfg.LogDir, runID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return engine.SpawnResult{}, fmt.Errorf("spawn: create log file: %w", err)
	}

	args := append([]string(nil), r.cfg.Args...)
	if r.cfg.SystemPromptFlag != "" && req.ExtraSystemPrompt != "" {
		args = append(args, r.cfg.SystemPromptFlag, req.ExtraSystemPrompt)
	}

	promptPath := ""
	if strings.TrimSpace(r.cfg.PromptMode) == "file" {
		f, err := os.CreateTemp("", "foreman-prompt-*.md")
		if err != nil {
			logFile.Close()
			return engine.SpawnResult{}, fmt.Errorf("spawn: write prompt file: %w", err)
		}
		if _, err := f.WriteString(req.Message); err != nil {
			f.Close()
			os.Remove(f.Name())
			logFile.Close()
			return engine.SpawnResult{}, fmt.Errorf("spawn: write prompt file: %w", err)
		}
		f.Close()
		promptPath = f.Name()
		args = append(args, promptPath)
	}

	cmd := exec.Command(r.cfg.Command, args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if promptPath == "" {
		cmd.Stdin = strings.NewReader(req.Message)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		if promptPath != "" {
			os.Remove(promptPath)
		}
		return engine.SpawnResult{}, fmt.Errorf("spawn: start %s: %w", r.cfg.Command, err)
	}
	logFile.Close()

	rn := &run{
		cmd:        cmd,
		sessionKey: req.SessionKey,
		prompt:     req.Message,
		logPath:    logPath,
		promptPath: promptPath,
	}
	r.mu.Lock()
	r.runs[runID] = rn
	r.mu.Unlock()

	go r.wait(runID, rn)

	r.logger.Info("session process started", "run", runID, "session", req.SessionKey,
		"pid", cmd.Process.Pid, "log", logPath)
	return engine.SpawnResult{RunID: runID}, nil
}

func (r *Runner) wait(runID string, rn *run) {
	err := rn.cmd.Wait()

	output := ""
	if data, readErr := os.ReadFile(rn.logPath); readErr == nil {
		output = string(data)
	}

	r.mu.Lock()
	rn.done = true
	rn.success = err == nil
	rn.output = output
	rn.finishedAt = time.Now()
	r.mu.Unlock()

	if rn.promptPath != "" {
		os.Remove(rn.promptPath)
	}
	if err != nil {
		r.logger.Warn("session process exited with error", "run", runID, "error", err)
	} else {
		r.logger.Info("session process finished", "run", runID)
	}
}

// Status reports on a run. Unknown run IDs (e.g. after a restart) report as
// done and failed so the engine can reap the step.
func (r *Runner) Status(ctx context.Context, runID string) (engine.SessionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rn, ok := r.runs[runID]
	if !ok {
		return engine.SessionStatus{Done: true, Success: false, Output: "session not tracked by this process"}, nil
	}
	if !rn.done {
		return engine.SessionStatus{Done: false}, nil
	}

	usage := ExtractTokenUsage(rn.output, rn.prompt)
	return engine.SessionStatus{
		Done:       true,
		Success:    rn.success,
		Output:     rn.output,
		TokensUsed: usage.Input + usage.Output,
		ToolCalls:  CountToolCalls(rn.output),
	}, nil
}
