package workflow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/foreman/internal/bus"
	"github.com/antigravity-dev/foreman/internal/store"
)

const (
	fileVersion          = 1
	maxEventsPerWorkflow = 500
)

type fileFormat struct {
	Version   int        `json:"version"`
	Workflows []Workflow `json:"workflows"`
	Policies  *Policies  `json:"policies,omitempty"`
	Events    []Event    `json:"events"`
}

// Store is the typed accessor over the workflow state file. All operations
// serialize on the process-wide lock for the store path, so reads observe
// the writes of earlier operations regardless of which Store instance issued
// them.
type Store struct {
	path   string
	mu     *sync.Mutex
	logger *slog.Logger
	bus    bus.Broadcaster
	now    func() time.Time

	// ResolveRepo, when set, resolves a repo context from a working
	// directory for workflows created without an explicit Repo.
	ResolveRepo func(cwd string) (*Repo, error)
}

// NewStore creates a workflow store backed by the JSON file at path.
func NewStore(path string, logger *slog.Logger, b bus.Broadcaster) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = bus.Nop{}
	}
	return &Store{
		path:   path,
		mu:     store.Lock(path),
		logger: logger,
		bus:    b,
		now:    time.Now,
	}
}

// SetClock overrides the wall clock. Test use only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func (s *Store) load() *fileFormat {
	var f fileFormat
	if !store.Read(s.path, &f) || f.Version != fileVersion {
		return &fileFormat{Version: fileVersion}
	}
	return &f
}

func (s *Store) save(f *fileFormat) error {
	return store.Write(s.path, f)
}

// StepInput seeds one step at workflow creation. DependsOn holds indices
// into the surrounding Steps slice; they are mapped to generated step IDs.
type StepInput struct {
	Title               string
	Description         string
	DependsOn           []int
	RequiredCredentials []RequiredCredential
}

// CreateInput seeds a workflow.
type CreateInput struct {
	Title        string
	Description  string
	Trigger      string
	Repo         *Repo
	RepoPath     string
	BaseBranch   string
	BranchName   string
	BranchPrefix string
	IssueNumber  int
	Steps        []StepInput
}

// Create persists a new workflow. A workflow seeded with steps starts
// running; an empty one starts in planning.
func (s *Store) Create(input CreateInput) (*Workflow, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("workflow: title is required")
	}

	repo := input.Repo
	if repo == nil && input.RepoPath != "" && s.ResolveRepo != nil {
		resolved, err := s.ResolveRepo(input.RepoPath)
		if err != nil {
			return nil, fmt.Errorf("workflow: resolve repo context: %w", err)
		}
		repo = resolved
	}

	base := input.BaseBranch
	if base == "" {
		base = "main"
	}
	work := input.BranchName
	if work == "" {
		work = WorkBranchName(input.BranchPrefix, input.Title)
	}
	if work == base {
		return nil, fmt.Errorf("workflow: work branch %q must differ from base branch", work)
	}

	now := s.nowMs()
	w := Workflow{
		ID:          uuid.NewString(),
		Title:       input.Title,
		Description: input.Description,
		Trigger:     input.Trigger,
		Repo:        repo,
		BaseBranch:  base,
		WorkBranch:  work,
		CreatedAtMs: now,
		UpdatedAtMs: now,
		IssueNumber: input.IssueNumber,
		Status:      StatusPlanning,
		Steps:       make([]Step, 0, len(input.Steps)),
	}

	ids := make([]string, len(input.Steps))
	for i := range input.Steps {
		ids[i] = uuid.NewString()
	}
	for i, in := range input.Steps {
		deps := make([]string, 0, len(in.DependsOn))
		for _, d := range in.DependsOn {
			if d < 0 || d >= len(input.Steps) {
				return nil, fmt.Errorf("workflow: step %d depends on out-of-range index %d", i, d)
			}
			if d == i {
				return nil, fmt.Errorf("workflow: step %d depends on itself", i)
			}
			deps = append(deps, ids[d])
		}
		w.Steps = append(w.Steps, Step{
			ID:                  ids[i],
			Index:               i,
			Title:               in.Title,
			Description:         in.Description,
			DependsOn:           deps,
			Status:              StepPending,
			RequiredCredentials: in.RequiredCredentials,
		})
	}
	if err := validateDependencies(w.Steps); err != nil {
		return nil, err
	}

	if len(w.Steps) > 0 {
		w.Status = StatusRunning
		w.StartedAtMs = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	f.Workflows = append(f.Workflows, w)
	s.appendEventLocked(f, Event{
		WorkflowID: w.ID,
		Kind:       EventStatusChange,
		Message:    fmt.Sprintf("workflow created (%s)", w.Status),
	})
	if err := s.save(f); err != nil {
		return nil, err
	}

	s.bus.Emit("workflow.created", w)
	out := cloneWorkflow(w)
	return &out, nil
}

// Get returns a copy of the workflow, or nil when absent.
func (s *Store) Get(id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	for i := range f.Workflows {
		if f.Workflows[i].ID == id {
			w := cloneWorkflow(f.Workflows[i])
			return &w, nil
		}
	}
	return nil, nil
}

// List returns copies of all workflows.
func (s *Store) List() ([]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	out := make([]Workflow, 0, len(f.Workflows))
	for i := range f.Workflows {
		out = append(out, cloneWorkflow(f.Workflows[i]))
	}
	return out, nil
}

// ListByStatus returns copies of workflows in the given status.
func (s *Store) ListByStatus(status Status) ([]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	var out []Workflow
	for i := range f.Workflows {
		if f.Workflows[i].Status == status {
			out = append(out, cloneWorkflow(f.Workflows[i]))
		}
	}
	return out, nil
}

// WorkflowPatch mutates selected workflow fields. Nil pointers leave the
// field untouched; AddTokens/AddToolCalls accrue monotonically.
type WorkflowPatch struct {
	Status        *Status
	Description   *string
	PullRequest   *PullRequest
	StartedAtMs   *int64
	CompletedAtMs *int64
	IssueNumber   *int
	AddTokens     int
	AddToolCalls  int
}

// UpdateWorkflow applies a patch under the store lock. It returns nil when
// the workflow is missing. Status transitions out of a terminal status are
// refused: the stored record is returned unchanged.
func (s *Store) UpdateWorkflow(id string, patch WorkflowPatch) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	w := findWorkflow(f, id)
	if w == nil {
		return nil, nil
	}

	prevStatus := w.Status
	if patch.Status != nil && *patch.Status != prevStatus {
		if prevStatus.Terminal() {
			s.logger.Warn("refusing status change out of terminal state",
				"workflow", id, "from", prevStatus, "to", *patch.Status)
			out := cloneWorkflow(*w)
			return &out, nil
		}
		w.Status = *patch.Status
	}
	if patch.Description != nil {
		w.Description = *patch.Description
	}
	if patch.PullRequest != nil {
		pr := *patch.PullRequest
		w.PullRequest = &pr
	}
	if patch.StartedAtMs != nil {
		w.StartedAtMs = *patch.StartedAtMs
	}
	if patch.CompletedAtMs != nil {
		w.CompletedAtMs = *patch.CompletedAtMs
	}
	if patch.IssueNumber != nil {
		w.IssueNumber = *patch.IssueNumber
	}
	if patch.AddTokens > 0 {
		w.TotalTokens += patch.AddTokens
	}
	if patch.AddToolCalls > 0 {
		w.TotalToolCalls += patch.AddToolCalls
	}
	w.UpdatedAtMs = s.nowMs()

	if w.Status != prevStatus {
		s.appendEventLocked(f, Event{
			WorkflowID: id,
			Kind:       EventStatusChange,
			Message:    fmt.Sprintf("status %s -> %s", prevStatus, w.Status),
		})
	}
	if err := s.save(f); err != nil {
		return nil, err
	}

	out := cloneWorkflow(*w)
	s.bus.Emit("workflow.updated", out)
	if w.Status != prevStatus {
		// pr_open is announced as pr_created on the bus.
		if w.Status == StatusPROpen {
			s.bus.Emit("workflow.pr_created", out)
		} else {
			s.bus.Emit("workflow."+string(w.Status), out)
		}
	}
	return &out, nil
}

// StepPatch mutates selected step fields.
type StepPatch struct {
	Status        *StepStatus
	Result        *string
	Error         *string
	StartedAtMs   *int64
	CompletedAtMs *int64
	TokenUsage    *int
	ToolCalls     *int
	CommitsBefore []string
	CommitsAfter  []string
	FilesChanged  []FileChange
}

// UpdateStep applies a patch to one step. It returns nil when the workflow
// or step is missing.
func (s *Store) UpdateStep(workflowID, stepID string, patch StepPatch) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	w := findWorkflow(f, workflowID)
	if w == nil {
		return nil, nil
	}
	st := w.StepByID(stepID)
	if st == nil {
		return nil, nil
	}

	prevStatus := st.Status
	if patch.Status != nil {
		st.Status = *patch.Status
	}
	if patch.Result != nil {
		st.Result = *patch.Result
	}
	if patch.Error != nil {
		st.Error = *patch.Error
	}
	if patch.StartedAtMs != nil {
		st.StartedAtMs = *patch.StartedAtMs
	}
	if patch.CompletedAtMs != nil {
		st.CompletedAtMs = *patch.CompletedAtMs
	}
	if patch.TokenUsage != nil {
		st.TokenUsage = *patch.TokenUsage
	}
	if patch.ToolCalls != nil {
		st.ToolCalls = *patch.ToolCalls
	}
	if patch.CommitsBefore != nil {
		st.CommitsBefore = append([]string(nil), patch.CommitsBefore...)
	}
	if patch.CommitsAfter != nil {
		st.CommitsAfter = append([]string(nil), patch.CommitsAfter...)
	}
	if patch.FilesChanged != nil {
		st.FilesChanged = append([]FileChange(nil), patch.FilesChanged...)
	}
	w.UpdatedAtMs = s.nowMs()

	if st.Status != prevStatus {
		s.appendEventLocked(f, Event{
			WorkflowID: workflowID,
			StepID:     stepID,
			Kind:       EventStatusChange,
			Message:    fmt.Sprintf("step %d %s -> %s", st.Index, prevStatus, st.Status),
		})
	}
	if err := s.save(f); err != nil {
		return nil, err
	}

	out := cloneStep(*st)
	s.bus.Emit("workflow.updated", cloneWorkflow(*w))
	return &out, nil
}

// Cancel transitions a non-terminal workflow to cancelled and marks every
// pending step skipped. Cancelling an already-terminal workflow is a no-op
// that returns the stored record.
func (s *Store) Cancel(id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	w := findWorkflow(f, id)
	if w == nil {
		return nil, nil
	}
	if w.Status.Terminal() {
		out := cloneWorkflow(*w)
		return &out, nil
	}

	prev := w.Status
	w.Status = StatusCancelled
	w.CompletedAtMs = s.nowMs()
	w.UpdatedAtMs = w.CompletedAtMs
	for i := range w.Steps {
		if w.Steps[i].Status == StepPending {
			w.Steps[i].Status = StepSkipped
			w.Steps[i].CompletedAtMs = w.CompletedAtMs
		}
	}
	s.appendEventLocked(f, Event{
		WorkflowID: id,
		Kind:       EventStatusChange,
		Message:    fmt.Sprintf("status %s -> %s", prev, StatusCancelled),
	})
	if err := s.save(f); err != nil {
		return nil, err
	}

	out := cloneWorkflow(*w)
	s.bus.Emit("workflow.updated", out)
	s.bus.Emit("workflow.cancelled", out)
	return &out, nil
}

// Pause transitions a planning or running workflow to paused. Any other
// transition returns nil.
func (s *Store) Pause(id string) (*Workflow, error) {
	return s.transition(id, StatusPaused, StatusPlanning, StatusRunning)
}

// Resume transitions a paused workflow back to running.
func (s *Store) Resume(id string) (*Workflow, error) {
	return s.transition(id, StatusRunning, StatusPaused)
}

func (s *Store) transition(id string, to Status, from ...Status) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	w := findWorkflow(f, id)
	if w == nil {
		return nil, nil
	}
	allowed := false
	for _, st := range from {
		if w.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil
	}

	prev := w.Status
	w.Status = to
	w.UpdatedAtMs = s.nowMs()
	if to == StatusRunning && w.StartedAtMs == 0 {
		w.StartedAtMs = w.UpdatedAtMs
	}
	s.appendEventLocked(f, Event{
		WorkflowID: id,
		Kind:       EventStatusChange,
		Message:    fmt.Sprintf("status %s -> %s", prev, to),
	})
	if err := s.save(f); err != nil {
		return nil, err
	}

	out := cloneWorkflow(*w)
	s.bus.Emit("workflow.updated", out)
	s.bus.Emit("workflow."+string(to), out)
	return &out, nil
}

// RetryStep resets a failed step to pending, clearing its error but keeping
// accumulated usage and commit snapshots. A failed workflow is revived to
// running so the step can be scheduled again. Returns nil unless the step
// is currently failed.
func (s *Store) RetryStep(workflowID, stepID string) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	w := findWorkflow(f, workflowID)
	if w == nil {
		return nil, nil
	}
	st := w.StepByID(stepID)
	if st == nil || st.Status != StepFailed {
		return nil, nil
	}

	st.Status = StepPending
	st.Error = ""
	st.CompletedAtMs = 0
	w.UpdatedAtMs = s.nowMs()
	s.appendEventLocked(f, Event{
		WorkflowID: workflowID,
		StepID:     stepID,
		Kind:       EventStatusChange,
		Message:    fmt.Sprintf("step %d retried", st.Index),
	})

	// A retry is the one way back out of a failed workflow: revive it so
	// the reset step can be scheduled again.
	revived := false
	if w.Status == StatusFailed {
		w.Status = StatusRunning
		w.CompletedAtMs = 0
		s.appendEventLocked(f, Event{
			WorkflowID: workflowID,
			Kind:       EventStatusChange,
			Message:    fmt.Sprintf("status %s -> %s", StatusFailed, StatusRunning),
		})
		revived = true
	}

	if err := s.save(f); err != nil {
		return nil, err
	}

	out := cloneStep(*st)
	s.bus.Emit("workflow.updated", cloneWorkflow(*w))
	if revived {
		s.bus.Emit("workflow.running", cloneWorkflow(*w))
	}
	return &out, nil
}

// AddEvent appends an audit event for a workflow. ID and timestamp are
// filled in; timestamps are monotonically non-decreasing per workflow.
func (s *Store) AddEvent(ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	out := s.appendEventLocked(f, ev)
	if err := s.save(f); err != nil {
		return Event{}, err
	}
	return out, nil
}

func (s *Store) appendEventLocked(f *fileFormat, ev Event) Event {
	ev.ID = uuid.NewString()
	ev.TimestampMs = s.nowMs()
	// Clamp so timestamps never regress within a workflow.
	for i := len(f.Events) - 1; i >= 0; i-- {
		if f.Events[i].WorkflowID == ev.WorkflowID {
			if ev.TimestampMs < f.Events[i].TimestampMs {
				ev.TimestampMs = f.Events[i].TimestampMs
			}
			break
		}
	}
	f.Events = append(f.Events, ev)
	trimEvents(f, ev.WorkflowID)
	return ev
}

// trimEvents enforces the per-workflow event bound, dropping oldest first.
func trimEvents(f *fileFormat, workflowID string) {
	count := 0
	for i := range f.Events {
		if f.Events[i].WorkflowID == workflowID {
			count++
		}
	}
	if count <= maxEventsPerWorkflow {
		return
	}
	drop := count - maxEventsPerWorkflow
	kept := f.Events[:0]
	for _, ev := range f.Events {
		if drop > 0 && ev.WorkflowID == workflowID {
			drop--
			continue
		}
		kept = append(kept, ev)
	}
	f.Events = kept
}

// Events returns a workflow's events newest-first, up to limit (0 = all).
func (s *Store) Events(workflowID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	var out []Event
	for i := len(f.Events) - 1; i >= 0; i-- {
		if f.Events[i].WorkflowID != workflowID {
			continue
		}
		out = append(out, f.Events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Policies returns the persisted policies, or defaults when absent.
func (s *Store) Policies() Policies {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	if f.Policies == nil {
		return DefaultPolicies()
	}
	return *f.Policies
}

// PoliciesPatch deep-merges into the current policies. Nil fields keep the
// stored value.
type PoliciesPatch struct {
	Sessions *SessionPoliciesPatch
	PR       *PRPoliciesPatch
}

// SessionPoliciesPatch mutates selected session policy fields.
type SessionPoliciesPatch struct {
	MaxConcurrent        *int
	TimeoutMs            *int64
	MaxTokensPerStep     *int
	MaxTokensPerWorkflow *int
	AllowedModes         []string
}

// PRPoliciesPatch mutates selected PR policy fields.
type PRPoliciesPatch struct {
	Labels    []string
	Assignees []string
}

// UpdatePolicies deep-merges a patch into the stored policies and persists
// the result. An empty patch is a no-op.
func (s *Store) UpdatePolicies(patch PoliciesPatch) (Policies, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	p := DefaultPolicies()
	if f.Policies != nil {
		p = *f.Policies
	}

	if patch.Sessions != nil {
		if patch.Sessions.MaxConcurrent != nil {
			p.Sessions.MaxConcurrent = *patch.Sessions.MaxConcurrent
		}
		if patch.Sessions.TimeoutMs != nil {
			p.Sessions.TimeoutMs = *patch.Sessions.TimeoutMs
		}
		if patch.Sessions.MaxTokensPerStep != nil {
			p.Sessions.MaxTokensPerStep = *patch.Sessions.MaxTokensPerStep
		}
		if patch.Sessions.MaxTokensPerWorkflow != nil {
			p.Sessions.MaxTokensPerWorkflow = *patch.Sessions.MaxTokensPerWorkflow
		}
		if patch.Sessions.AllowedModes != nil {
			p.Sessions.AllowedModes = append([]string(nil), patch.Sessions.AllowedModes...)
		}
	}
	if patch.PR != nil {
		if patch.PR.Labels != nil {
			p.PR.Labels = append([]string(nil), patch.PR.Labels...)
		}
		if patch.PR.Assignees != nil {
			p.PR.Assignees = append([]string(nil), patch.PR.Assignees...)
		}
	}

	f.Policies = &p
	if err := s.save(f); err != nil {
		return Policies{}, err
	}
	s.bus.Emit("workflow.policies.updated", p)
	return p, nil
}

func findWorkflow(f *fileFormat, id string) *Workflow {
	for i := range f.Workflows {
		if f.Workflows[i].ID == id {
			return &f.Workflows[i]
		}
	}
	return nil
}

func cloneStep(st Step) Step {
	st.DependsOn = append([]string(nil), st.DependsOn...)
	st.CommitsBefore = append([]string(nil), st.CommitsBefore...)
	st.CommitsAfter = append([]string(nil), st.CommitsAfter...)
	st.FilesChanged = append([]FileChange(nil), st.FilesChanged...)
	st.RequiredCredentials = append([]RequiredCredential(nil), st.RequiredCredentials...)
	return st
}

func cloneWorkflow(w Workflow) Workflow {
	if w.Repo != nil {
		repo := *w.Repo
		w.Repo = &repo
	}
	if w.PullRequest != nil {
		pr := *w.PullRequest
		w.PullRequest = &pr
	}
	steps := make([]Step, len(w.Steps))
	for i := range w.Steps {
		steps[i] = cloneStep(w.Steps[i])
	}
	w.Steps = steps
	return w
}
