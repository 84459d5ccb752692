// Package engine drives workflows: a periodic tick schedules ready steps
// onto agent sessions, polls them to completion, and opens a draft pull
// request once every step has finished.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/antigravity-dev/foreman/internal/credential"
	"github.com/antigravity-dev/foreman/internal/git"
	"github.com/antigravity-dev/foreman/internal/history"
	"github.com/antigravity-dev/foreman/internal/workflow"
)

const (
	DefaultTickInterval = 5 * time.Second
	MinPollInterval     = 5 * time.Second
	MaxPollInterval     = 30 * time.Second
	PollBackoffFactor   = 1.5
)

// SpawnRequest asks the spawner for a new agent session.
type SpawnRequest struct {
	SessionKey        string
	Message           string
	Cwd               string
	Label             string
	ExtraSystemPrompt string
}

// SpawnResult identifies the started session.
type SpawnResult struct {
	RunID string
}

// SessionStatus is one poll of a running session.
type SessionStatus struct {
	Done       bool
	Success    bool
	Output     string
	TokensUsed int
	ToolCalls  int
}

// SessionSpawner starts agent sessions and reports on them. In-flight
// sessions outlive the engine process; Status must tolerate being asked
// about runs it no longer knows.
type SessionSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	Status(ctx context.Context, runID string) (SessionStatus, error)
}

// CredentialBroker is the subset of the credential service the engine
// provisions step leases through.
type CredentialBroker interface {
	CreateLease(req credential.LeaseRequest) (*credential.Lease, error)
	RevokeTaskLeases(taskID string) (int, error)
}

// GitClient covers the repository operations a tick performs.
type GitClient interface {
	CommitLog(path, base, head string) ([]string, error)
	DiffStat(path, base, head string) ([]git.FileChange, error)
	PushBranch(path, branch string) error
	CreatePR(path string, args git.PRArgs) (*git.PRResult, error)
}

// activeSession tracks one spawned step. The map is process-local: after a
// restart running steps are re-adopted from the store and reaped by poll
// or the step timeout.
type activeSession struct {
	workflowID   string
	stepID       string
	sessionKey   string
	runID        string
	startedAt    time.Time
	pollInterval time.Duration
	timeout      time.Duration
	lastPoll     time.Time
}

// Engine is the workflow scheduler.
type Engine struct {
	store    *workflow.Store
	spawner  SessionSpawner
	git      GitClient
	creds    CredentialBroker
	hist     *history.DB
	logger   *slog.Logger
	interval atomic.Int64 // tick cadence in nanoseconds
	now      func() time.Time

	ticking  atomic.Bool
	sessions map[string]*activeSession // keyed by stepID
}

// New creates an engine. creds and hist may be nil; git and spawner are
// required.
func New(store *workflow.Store, spawner SessionSpawner, gitClient GitClient, creds CredentialBroker, hist *history.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		spawner:  spawner,
		git:      gitClient,
		creds:    creds,
		hist:     hist,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*activeSession),
	}
	e.interval.Store(int64(DefaultTickInterval))
	return e
}

// SetTickInterval overrides the tick cadence. Safe to call while Run is
// ticking; the loop picks up the new interval on its next tick.
func (e *Engine) SetTickInterval(d time.Duration) {
	if d > 0 {
		e.interval.Store(int64(d))
	}
}

// SetClock overrides the wall clock. Test use only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Run blocks until ctx is cancelled, ticking at the configured interval.
// In-flight sessions are not cancelled on return; the next Run reaps them
// from persisted state.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.interval.Load())
	e.logger.Info("engine started", "tick_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return
		case <-ticker.C:
			e.Tick(ctx)
			// Pick up hot-reloaded cadence.
			if d := time.Duration(e.interval.Load()); d != interval {
				ticker.Reset(d)
				interval = d
				e.logger.Info("tick interval changed", "tick_interval", interval)
			}
		}
	}
}

// Tick runs one scheduling pass. Overlapping calls are dropped, and a tick
// never panics out: failures are logged so the loop keeps ticking.
func (e *Engine) Tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		e.logger.Debug("tick still in flight, dropping")
		return
	}
	defer e.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tick panicked", "panic", r)
		}
	}()

	start := e.now()
	spawned := e.tick(ctx)

	if e.hist != nil {
		running, _ := e.store.ListByStatus(workflow.StatusRunning)
		sample := history.TickSample{
			AtMs:             start.UnixMilli(),
			Duration:         e.now().Sub(start),
			WorkflowsRunning: len(running),
			SessionsActive:   len(e.sessions),
			SessionsSpawned:  spawned,
		}
		if err := e.hist.RecordTick(ctx, sample); err != nil {
			e.logger.Warn("record tick failed", "error", err)
		}
	}
}

func (e *Engine) tick(ctx context.Context) (spawned int) {
	running, err := e.store.ListByStatus(workflow.StatusRunning)
	if err != nil {
		e.logger.Error("tick: list running workflows", "error", err)
		return 0
	}

	for i := range running {
		e.adoptOrphanedSessions(ctx, &running[i])
	}

	e.pollSessions(ctx)

	// Re-read: polling may have finished steps or failed workflows.
	running, err = e.store.ListByStatus(workflow.StatusRunning)
	if err != nil {
		e.logger.Error("tick: list running workflows", "error", err)
		return 0
	}

	for i := range running {
		spawned += e.schedule(ctx, &running[i])
	}
	return spawned
}

// adoptOrphanedSessions re-synthesizes session entries for steps persisted
// as running that this process is not tracking, which happens after a
// restart. The adopted entry keeps the persisted start time so the step
// timeout still applies; when the spawner no longer knows the run, the
// next poll reports it failed.
func (e *Engine) adoptOrphanedSessions(ctx context.Context, w *workflow.Workflow) {
	policies := e.store.Policies()
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.Status != workflow.StepRunning {
			continue
		}
		if _, ok := e.sessions[step.ID]; ok {
			continue
		}

		var runID string
		if e.hist != nil {
			id, err := e.hist.LastRunID(ctx, w.ID, step.ID)
			if err != nil {
				e.logger.Warn("orphan adoption: last run lookup failed",
					"workflow", w.ID, "step", step.ID, "error", err)
			}
			runID = id
		}

		startedAt := e.now()
		if step.StartedAtMs > 0 {
			startedAt = time.UnixMilli(step.StartedAtMs)
		}
		e.sessions[step.ID] = &activeSession{
			workflowID:   w.ID,
			stepID:       step.ID,
			sessionKey:   sessionKey(w.ID, step.ID),
			runID:        runID,
			startedAt:    startedAt,
			pollInterval: MinPollInterval,
			timeout:      time.Duration(policies.Sessions.TimeoutMs) * time.Millisecond,
			lastPoll:     startedAt,
		}
		e.logger.Warn("adopted orphaned running step",
			"workflow", w.ID, "step", step.ID, "run", runID)
	}
}

// activeByWorkflow returns the step IDs with live sessions for one workflow.
func (e *Engine) activeByWorkflow(workflowID string) map[string]bool {
	active := make(map[string]bool)
	for stepID, s := range e.sessions {
		if s.workflowID == workflowID {
			active[stepID] = true
		}
	}
	return active
}

// schedule spawns sessions for W's ready steps within the concurrency
// budget, then evaluates terminal conditions.
func (e *Engine) schedule(ctx context.Context, w *workflow.Workflow) (spawned int) {
	policies := e.store.Policies()
	maxConcurrent := policies.Sessions.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	active := e.activeByWorkflow(w.ID)
	ready := workflow.ReadySteps(w, active)

	slots := maxConcurrent - len(active)
	for _, step := range ready {
		if slots <= 0 {
			break
		}
		if err := e.spawnStep(ctx, w, step, policies); err != nil {
			e.logger.Error("spawn step failed", "workflow", w.ID, "step", step.ID, "error", err)
			continue
		}
		slots--
		spawned++
	}

	if len(ready) == 0 && len(active) == 0 {
		e.evaluateTerminal(ctx, w)
	}
	return spawned
}

// evaluateTerminal handles a running workflow with no schedulable work: all
// steps finished cleanly, or progress is impossible.
func (e *Engine) evaluateTerminal(ctx context.Context, w *workflow.Workflow) {
	// Re-read: session completions this tick may have mutated steps.
	current, err := e.store.Get(w.ID)
	if err != nil || current == nil || current.Status != workflow.StatusRunning {
		return
	}

	allDone := true
	anyFailed := false
	anyRunning := false
	for i := range current.Steps {
		switch current.Steps[i].Status {
		case workflow.StepComplete, workflow.StepSkipped:
		case workflow.StepFailed:
			anyFailed = true
			allDone = false
		case workflow.StepRunning:
			anyRunning = true
			allDone = false
		default:
			allDone = false
		}
	}

	if allDone && len(current.Steps) > 0 {
		e.handleAllStepsComplete(ctx, current)
		return
	}
	if anyFailed && !anyRunning {
		failed := workflow.StatusFailed
		now := e.now().UnixMilli()
		e.store.UpdateWorkflow(current.ID, workflow.WorkflowPatch{Status: &failed, CompletedAtMs: &now})
		e.store.AddEvent(workflow.Event{
			WorkflowID: current.ID,
			Kind:       workflow.EventStatusChange,
			Message:    "workflow failed: no runnable steps remain",
		})
		e.logger.Warn("workflow failed", "workflow", current.ID)
	}
}

// taskID is the lease scope for one step's session.
func taskID(workflowID, stepID string) string {
	return fmt.Sprintf("workflow:%s:step:%s", workflowID, stepID)
}

// sessionKey is stable across restarts for a given step.
func sessionKey(workflowID, stepID string) string {
	return fmt.Sprintf("agent:default:workflow:%s:step:%s", workflowID, stepID)
}

func (e *Engine) spawnStep(ctx context.Context, w *workflow.Workflow, step *workflow.Step, policies workflow.Policies) error {
	now := e.now()
	nowMs := now.UnixMilli()

	runningStatus := workflow.StepRunning
	if _, err := e.store.UpdateStep(w.ID, step.ID, workflow.StepPatch{
		Status:      &runningStatus,
		StartedAtMs: &nowMs,
	}); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	var commitsBefore []string
	if w.Repo != nil {
		var err error
		commitsBefore, err = e.git.CommitLog(w.Repo.Path, w.BaseBranch, w.WorkBranch)
		if err != nil {
			e.logger.Warn("commit snapshot failed", "workflow", w.ID, "step", step.ID, "error", err)
			commitsBefore = nil
		}
		if commitsBefore != nil {
			e.store.UpdateStep(w.ID, step.ID, workflow.StepPatch{CommitsBefore: commitsBefore})
		}
	}

	leased, err := e.provisionCredentials(w, step, policies)
	if err != nil {
		failedStatus := workflow.StepFailed
		errText := err.Error()
		completedMs := e.now().UnixMilli()
		e.store.UpdateStep(w.ID, step.ID, workflow.StepPatch{
			Status:        &failedStatus,
			Error:         &errText,
			CompletedAtMs: &completedMs,
		})
		e.store.AddEvent(workflow.Event{
			WorkflowID: w.ID, StepID: step.ID,
			Kind:    workflow.EventStepFailed,
			Message: "credential provisioning failed",
			Detail:  errText,
		})
		return err
	}

	key := sessionKey(w.ID, step.ID)
	req := SpawnRequest{
		SessionKey:        key,
		Message:           BuildStepPrompt(w, step, leased),
		Label:             fmt.Sprintf("%s / %s", w.Title, step.Title),
		ExtraSystemPrompt: BuildSystemPrompt(w),
	}
	if w.Repo != nil {
		req.Cwd = w.Repo.Path
	}

	result, err := e.spawner.Spawn(ctx, req)
	if err != nil {
		failedStatus := workflow.StepFailed
		errText := fmt.Sprintf("session spawn failed: %v", err)
		completedMs := e.now().UnixMilli()
		e.store.UpdateStep(w.ID, step.ID, workflow.StepPatch{
			Status:        &failedStatus,
			Error:         &errText,
			CompletedAtMs: &completedMs,
		})
		e.store.AddEvent(workflow.Event{
			WorkflowID: w.ID, StepID: step.ID,
			Kind:    workflow.EventStepFailed,
			Message: "session spawn failed",
			Detail:  err.Error(),
		})
		if e.creds != nil {
			e.creds.RevokeTaskLeases(taskID(w.ID, step.ID))
		}
		return err
	}

	timeout := time.Duration(policies.Sessions.TimeoutMs) * time.Millisecond
	e.sessions[step.ID] = &activeSession{
		workflowID:   w.ID,
		stepID:       step.ID,
		sessionKey:   key,
		runID:        result.RunID,
		startedAt:    now,
		pollInterval: MinPollInterval,
		timeout:      timeout,
		lastPoll:     now,
	}

	e.store.AddEvent(workflow.Event{
		WorkflowID: w.ID, StepID: step.ID,
		Kind:    workflow.EventSessionSpawned,
		Message: fmt.Sprintf("session spawned for step %d: %s", step.Index+1, step.Title),
		Detail:  result.RunID,
	})
	e.logger.Info("session spawned", "workflow", w.ID, "step", step.ID, "run", result.RunID)

	if e.hist != nil {
		e.hist.RecordSessionStart(ctx, history.SessionRun{
			RunID:       result.RunID,
			WorkflowID:  w.ID,
			StepID:      step.ID,
			SessionKey:  key,
			StartedAtMs: nowMs,
		})
	}
	return nil
}

// LeasedCredential is a provisioned credential named in the step prompt.
// Only the id and purpose are exposed, never the secret.
type LeasedCredential struct {
	CredentialID string
	Purpose      string
}

func (e *Engine) provisionCredentials(w *workflow.Workflow, step *workflow.Step, policies workflow.Policies) ([]LeasedCredential, error) {
	if len(step.RequiredCredentials) == 0 {
		return nil, nil
	}
	if e.creds == nil {
		return nil, fmt.Errorf("step requires credentials but no credential service is configured")
	}

	ttl := time.Duration(policies.Sessions.TimeoutMs) * time.Millisecond
	task := taskID(w.ID, step.ID)
	agent := "workflow:" + w.ID

	var leased []LeasedCredential
	for _, rc := range step.RequiredCredentials {
		lease, err := e.creds.CreateLease(credential.LeaseRequest{
			CredentialID: rc.CredentialID,
			TaskID:       task,
			AgentID:      agent,
			TTL:          ttl,
		})
		if err == nil && lease == nil {
			err = fmt.Errorf("credential %s is unavailable", rc.CredentialID)
		}
		if err != nil {
			if rc.Required {
				e.creds.RevokeTaskLeases(task)
				return nil, fmt.Errorf("required credential %s: %w", rc.CredentialID, err)
			}
			e.logger.Warn("optional credential unavailable", "workflow", w.ID, "step", step.ID,
				"credential", rc.CredentialID, "error", err)
			continue
		}
		leased = append(leased, LeasedCredential{CredentialID: rc.CredentialID, Purpose: rc.Purpose})
	}
	return leased, nil
}

// pollSessions checks every active session in deterministic order.
func (e *Engine) pollSessions(ctx context.Context) {
	stepIDs := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		stepIDs = append(stepIDs, id)
	}
	sort.Strings(stepIDs)

	for _, stepID := range stepIDs {
		s := e.sessions[stepID]
		now := e.now()

		if now.Sub(s.startedAt) > s.timeout {
			e.handleSessionTimeout(ctx, s)
			delete(e.sessions, stepID)
			continue
		}
		if now.Sub(s.lastPoll) < s.pollInterval {
			continue
		}
		s.lastPoll = now

		status, err := e.spawner.Status(ctx, s.runID)
		if err != nil {
			e.logger.Warn("session poll failed", "workflow", s.workflowID, "step", s.stepID, "error", err)
			continue
		}
		if !status.Done {
			backed := time.Duration(float64(s.pollInterval) * PollBackoffFactor)
			if backed > MaxPollInterval {
				backed = MaxPollInterval
			}
			s.pollInterval = backed
			continue
		}

		if status.Success {
			e.handleSessionComplete(ctx, s, status)
		} else {
			e.handleSessionFailed(ctx, s, status)
		}
		delete(e.sessions, stepID)
	}
}

func (e *Engine) handleSessionTimeout(ctx context.Context, s *activeSession) {
	failedStatus := workflow.StepFailed
	errText := "Session timed out"
	nowMs := e.now().UnixMilli()
	e.store.UpdateStep(s.workflowID, s.stepID, workflow.StepPatch{
		Status:        &failedStatus,
		Error:         &errText,
		CompletedAtMs: &nowMs,
	})
	e.store.AddEvent(workflow.Event{
		WorkflowID: s.workflowID, StepID: s.stepID,
		Kind:    workflow.EventSessionTimeout,
		Message: "session timed out",
		Detail:  s.runID,
	})
	e.logger.Warn("session timed out", "workflow", s.workflowID, "step", s.stepID, "run", s.runID)

	if e.creds != nil {
		e.creds.RevokeTaskLeases(taskID(s.workflowID, s.stepID))
	}
	if e.hist != nil {
		e.hist.RecordSessionEnd(ctx, s.runID, nowMs, "timeout", 0, 0, errText)
	}
}

func (e *Engine) handleSessionComplete(ctx context.Context, s *activeSession, status SessionStatus) {
	w, err := e.store.Get(s.workflowID)
	if err != nil || w == nil {
		e.logger.Error("session complete for unknown workflow", "workflow", s.workflowID)
		return
	}
	step := w.StepByID(s.stepID)
	if step == nil {
		return
	}

	var commitsAfter []string
	var filesChanged []workflow.FileChange
	if w.Repo != nil {
		if commits, err := e.git.CommitLog(w.Repo.Path, w.BaseBranch, w.WorkBranch); err == nil {
			commitsAfter = commits
		} else {
			e.logger.Warn("commit snapshot failed", "workflow", w.ID, "step", s.stepID, "error", err)
		}
		if stats, err := e.git.DiffStat(w.Repo.Path, w.BaseBranch, w.WorkBranch); err == nil {
			for _, fc := range stats {
				filesChanged = append(filesChanged, workflow.FileChange{
					Path: fc.Path, Additions: fc.Additions, Deletions: fc.Deletions,
				})
			}
		} else {
			e.logger.Warn("diff stat failed", "workflow", w.ID, "step", s.stepID, "error", err)
		}
	}

	completeStatus := workflow.StepComplete
	nowMs := e.now().UnixMilli()
	tokens := step.TokenUsage + status.TokensUsed
	toolCalls := step.ToolCalls + status.ToolCalls
	patch := workflow.StepPatch{
		Status:        &completeStatus,
		Result:        &status.Output,
		CompletedAtMs: &nowMs,
		TokenUsage:    &tokens,
		ToolCalls:     &toolCalls,
		CommitsAfter:  commitsAfter,
		FilesChanged:  filesChanged,
	}
	if _, err := e.store.UpdateStep(s.workflowID, s.stepID, patch); err != nil {
		e.logger.Error("persist completed step failed", "workflow", s.workflowID, "step", s.stepID, "error", err)
		return
	}

	e.store.UpdateWorkflow(s.workflowID, workflow.WorkflowPatch{
		AddTokens:    status.TokensUsed,
		AddToolCalls: status.ToolCalls,
	})
	e.store.AddEvent(workflow.Event{
		WorkflowID: s.workflowID, StepID: s.stepID,
		Kind:    workflow.EventSessionCompleted,
		Message: fmt.Sprintf("step %d complete: %s", step.Index+1, step.Title),
	})
	e.logger.Info("session completed", "workflow", s.workflowID, "step", s.stepID,
		"tokens", status.TokensUsed, "tool_calls", status.ToolCalls)

	if e.creds != nil {
		e.creds.RevokeTaskLeases(taskID(s.workflowID, s.stepID))
	}
	if e.hist != nil {
		e.hist.RecordSessionEnd(ctx, s.runID, nowMs, "complete", status.TokensUsed, status.ToolCalls, "")
	}
}

func (e *Engine) handleSessionFailed(ctx context.Context, s *activeSession, status SessionStatus) {
	failedStatus := workflow.StepFailed
	errText := "session failed"
	if status.Output != "" {
		errText = fmt.Sprintf("session failed: %s", status.Output)
	}
	nowMs := e.now().UnixMilli()
	e.store.UpdateStep(s.workflowID, s.stepID, workflow.StepPatch{
		Status:        &failedStatus,
		Error:         &errText,
		CompletedAtMs: &nowMs,
	})
	e.store.AddEvent(workflow.Event{
		WorkflowID: s.workflowID, StepID: s.stepID,
		Kind:    workflow.EventStepFailed,
		Message: "session reported failure",
		Detail:  status.Output,
	})
	e.logger.Warn("session failed", "workflow", s.workflowID, "step", s.stepID)

	if e.creds != nil {
		e.creds.RevokeTaskLeases(taskID(s.workflowID, s.stepID))
	}
	if e.hist != nil {
		e.hist.RecordSessionEnd(ctx, s.runID, nowMs, "failed", status.TokensUsed, status.ToolCalls, errText)
	}
}

// handleAllStepsComplete pushes the work branch, opens a draft PR, and moves
// the workflow to pr_open. Any failure on this path fails the workflow; the
// pushed commits stay on the remote.
func (e *Engine) handleAllStepsComplete(ctx context.Context, w *workflow.Workflow) {
	fail := func(stage string, err error) {
		e.logger.Error("finalization failed", "workflow", w.ID, "stage", stage, "error", err)
		failedStatus := workflow.StatusFailed
		nowMs := e.now().UnixMilli()
		e.store.UpdateWorkflow(w.ID, workflow.WorkflowPatch{Status: &failedStatus, CompletedAtMs: &nowMs})
		e.store.AddEvent(workflow.Event{
			WorkflowID: w.ID,
			Kind:       workflow.EventError,
			Message:    fmt.Sprintf("failed to %s", stage),
			Detail:     err.Error(),
		})
	}

	if w.Repo == nil {
		fail("open pull request", fmt.Errorf("workflow has no repository"))
		return
	}

	if err := e.git.PushBranch(w.Repo.Path, w.WorkBranch); err != nil {
		fail("push branch", err)
		return
	}
	e.store.AddEvent(workflow.Event{
		WorkflowID: w.ID,
		Kind:       workflow.EventBranchPushed,
		Message:    fmt.Sprintf("pushed branch %s", w.WorkBranch),
	})

	policies := e.store.Policies()
	body := RenderPRBody(w)
	args := git.PRArgs{
		Owner:     w.Repo.Owner,
		Repo:      w.Repo.Name,
		Title:     w.Title,
		Body:      body,
		Head:      w.WorkBranch,
		Base:      w.BaseBranch,
		Draft:     true,
		Labels:    policies.PR.Labels,
		Assignees: policies.PR.Assignees,
	}
	if w.IssueNumber > 0 {
		args.LinkedIssues = []int{w.IssueNumber}
	}
	result, err := e.git.CreatePR(w.Repo.Path, args)
	if err != nil {
		fail("create pull request", err)
		return
	}

	prOpen := workflow.StatusPROpen
	nowMs := e.now().UnixMilli()
	pr := workflow.PullRequest{Number: result.Number, URL: result.URL, State: result.State}
	e.store.UpdateWorkflow(w.ID, workflow.WorkflowPatch{
		Status:        &prOpen,
		PullRequest:   &pr,
		CompletedAtMs: &nowMs,
	})
	e.store.AddEvent(workflow.Event{
		WorkflowID: w.ID,
		Kind:       workflow.EventPRCreated,
		Message:    fmt.Sprintf("draft PR #%d opened", result.Number),
		Detail:     result.URL,
	})
	e.logger.Info("pull request created", "workflow", w.ID, "pr", result.Number, "url", result.URL)
}
