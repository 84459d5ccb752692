// Package approval blocks sensitive operations on a human decision, made
// through a long-lived task in the surrounding task service.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TaskStatus is the lifecycle state of an approval task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

// TaskService is the surrounding system that presents approval tasks to a
// human and records their decision.
type TaskService interface {
	CreateTask(ctx context.Context, title, description string) (taskID string, err error)
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// Outcome is the gate's branch label.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
)

// Decision is the gate result, with the task identifier for auditing.
type Decision struct {
	Outcome Outcome
	TaskID  string
}

const defaultPollInterval = 2 * time.Second

// Gate awaits human approval decisions.
type Gate struct {
	tasks          TaskService
	logger         *slog.Logger
	pollInterval   time.Duration
	timeout        time.Duration
	timeoutOutcome Outcome
}

// Option configures a Gate.
type Option func(*Gate)

// WithPollInterval overrides the task polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) { g.pollInterval = d }
}

// WithTimeout bounds the wait for a decision.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithTimeoutOutcome sets the branch taken when the wait times out. The
// default denies.
func WithTimeoutOutcome(o Outcome) Option {
	return func(g *Gate) { g.timeoutOutcome = o }
}

// NewGate creates an approval gate over the given task service.
func NewGate(tasks TaskService, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		tasks:          tasks,
		logger:         logger,
		pollInterval:   defaultPollInterval,
		timeout:        time.Hour,
		timeoutOutcome: OutcomeDenied,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Await creates an approval task and polls it until the human resolves it,
// the configured timeout elapses, or ctx is cancelled. A completed task
// approves; cancellation or failure denies; timeout applies the configured
// timeout outcome.
func (g *Gate) Await(ctx context.Context, title, description string) (Decision, error) {
	taskID, err := g.tasks.CreateTask(ctx, title, description)
	if err != nil {
		return Decision{}, fmt.Errorf("approval: create task: %w", err)
	}
	g.logger.Info("awaiting approval", "task", taskID, "title", title)

	deadline := time.NewTimer(g.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Decision{Outcome: OutcomeDenied, TaskID: taskID}, ctx.Err()
		case <-deadline.C:
			g.logger.Warn("approval timed out", "task", taskID, "outcome", g.timeoutOutcome)
			return Decision{Outcome: g.timeoutOutcome, TaskID: taskID}, nil
		case <-ticker.C:
			status, err := g.tasks.TaskStatus(ctx, taskID)
			if err != nil {
				g.logger.Warn("approval task poll failed", "task", taskID, "error", err)
				continue
			}
			switch status {
			case TaskCompleted:
				return Decision{Outcome: OutcomeApproved, TaskID: taskID}, nil
			case TaskCancelled, TaskFailed:
				return Decision{Outcome: OutcomeDenied, TaskID: taskID}, nil
			}
		}
	}
}
