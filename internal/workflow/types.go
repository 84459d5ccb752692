// Package workflow defines the data model for agent workflows and the typed
// store that persists them.
package workflow

// Status is a workflow lifecycle state.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusPROpen    Status = "pr_open"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is sticky: no transition leaves it.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is a step lifecycle state.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepComplete, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Satisfied reports whether a dependency in this status unblocks dependents.
func (s StepStatus) Satisfied() bool {
	return s == StepComplete || s == StepSkipped
}

// Repo is the git repository a workflow operates on.
type Repo struct {
	Path      string `json:"path"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	RemoteURL string `json:"remoteUrl"`
}

// FileChange is a per-file diff stat between the base and work branches.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// PullRequest references the PR opened for a finished workflow.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// RequiredCredential declares a credential a step needs leased before its
// session is spawned.
type RequiredCredential struct {
	CredentialID string `json:"credentialId"`
	Purpose      string `json:"purpose"`
	Required     bool   `json:"required"`
}

// Step is a single unit of agent work inside a workflow.
type Step struct {
	ID                  string               `json:"id"`
	Index               int                  `json:"index"`
	Title               string               `json:"title"`
	Description         string               `json:"description,omitempty"`
	DependsOn           []string             `json:"dependsOn,omitempty"`
	Status              StepStatus           `json:"status"`
	Result              string               `json:"result,omitempty"`
	Error               string               `json:"error,omitempty"`
	StartedAtMs         int64                `json:"startedAtMs,omitempty"`
	CompletedAtMs       int64                `json:"completedAtMs,omitempty"`
	TokenUsage          int                  `json:"tokenUsage"`
	ToolCalls           int                  `json:"toolCalls"`
	CommitsBefore       []string             `json:"commitsBefore,omitempty"`
	CommitsAfter        []string             `json:"commitsAfter,omitempty"`
	FilesChanged        []FileChange         `json:"filesChanged,omitempty"`
	RequiredCredentials []RequiredCredential `json:"requiredCredentials,omitempty"`
}

// Workflow is a declarative plan of dependent steps executed against one
// repository and work branch.
type Workflow struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Status         Status       `json:"status"`
	Trigger        string       `json:"trigger,omitempty"`
	Repo           *Repo        `json:"repo,omitempty"`
	BaseBranch     string       `json:"baseBranch"`
	WorkBranch     string       `json:"workBranch"`
	CreatedAtMs    int64        `json:"createdAtMs"`
	UpdatedAtMs    int64        `json:"updatedAtMs"`
	StartedAtMs    int64        `json:"startedAtMs,omitempty"`
	CompletedAtMs  int64        `json:"completedAtMs,omitempty"`
	TotalTokens    int          `json:"totalTokens"`
	TotalToolCalls int          `json:"totalToolCalls"`
	IssueNumber    int          `json:"issueNumber,omitempty"`
	PullRequest    *PullRequest `json:"pullRequest,omitempty"`
	Steps          []Step       `json:"steps"`
}

// StepByID returns a pointer into w.Steps, or nil when absent.
func (w *Workflow) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// EventKind classifies an audit event.
type EventKind string

const (
	EventStatusChange     EventKind = "status_change"
	EventSessionSpawned   EventKind = "session_spawned"
	EventSessionCompleted EventKind = "session_completed"
	EventSessionTimeout   EventKind = "session_timeout"
	EventStepFailed       EventKind = "step_failed"
	EventBranchPushed     EventKind = "branch_pushed"
	EventPRCreated        EventKind = "pr_created"
	EventError            EventKind = "error"
	EventInfo             EventKind = "info"
)

// Event is an append-only audit record for one workflow.
type Event struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflowId"`
	StepID      string    `json:"stepId,omitempty"`
	Kind        EventKind `json:"kind"`
	TimestampMs int64     `json:"timestampMs"`
	Message     string    `json:"message"`
	Detail      string    `json:"detail,omitempty"`
}

// SessionPolicies bound session scheduling and resource usage.
type SessionPolicies struct {
	MaxConcurrent        int      `json:"maxConcurrent"`
	TimeoutMs            int64    `json:"timeoutMs"`
	MaxTokensPerStep     int      `json:"maxTokensPerStep"`
	MaxTokensPerWorkflow int      `json:"maxTokensPerWorkflow"`
	AllowedModes         []string `json:"allowedModes"`
}

// PRPolicies configure the pull request opened on completion.
type PRPolicies struct {
	Labels    []string `json:"labels"`
	Assignees []string `json:"assignees"`
}

// Policies is the process-wide workflow configuration persisted in the store.
type Policies struct {
	Sessions SessionPolicies `json:"sessions"`
	PR       PRPolicies      `json:"pr"`
}

// DefaultPolicies returns the documented defaults.
func DefaultPolicies() Policies {
	return Policies{
		Sessions: SessionPolicies{
			MaxConcurrent:        2,
			TimeoutMs:            300_000,
			MaxTokensPerStep:     100_000,
			MaxTokensPerWorkflow: 500_000,
			AllowedModes:         []string{"Claude"},
		},
		PR: PRPolicies{
			Labels:    []string{},
			Assignees: []string{},
		},
	}
}
