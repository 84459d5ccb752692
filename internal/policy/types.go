// Package policy implements the per-session tool-call gate: tool allow/deny
// lists, browser URL restrictions, exec and filesystem guards, messaging
// controls, sensitivity rules with an approval cache, and budget accounting.
package policy

import "time"

// Action is the enforcement outcome class.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
)

// ToolPolicy gates tool names. Deny wins over allow; an empty Allow list
// means every tool not denied is permitted. Names expand through the group
// registry before matching.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// BrowserPolicy restricts browser tool calls.
type BrowserPolicy struct {
	Enabled              bool     `json:"enabled"`
	ReadOnly             bool     `json:"readOnly,omitempty"`
	BlockFormSubmissions bool     `json:"blockFormSubmissions,omitempty"`
	URLAllowlist         []string `json:"urlAllowlist,omitempty"`
	URLBlocklist         []string `json:"urlBlocklist,omitempty"`
	BlockedCategories    []string `json:"blockedCategories,omitempty"`
}

// ExecPolicy restricts shell command execution. Security is one of "allow",
// "allowlist", or "deny".
type ExecPolicy struct {
	Security         string   `json:"security,omitempty"`
	BlockDestructive bool     `json:"blockDestructive,omitempty"`
	AllowCommands    []string `json:"allowCommands,omitempty"`
	DenyCommands     []string `json:"denyCommands,omitempty"`
}

// FilesystemPolicy restricts file access. Mode is one of "full",
// "read-only", or "none".
type FilesystemPolicy struct {
	Mode        string   `json:"mode,omitempty"`
	BlockDelete bool     `json:"blockDelete,omitempty"`
	AllowPaths  []string `json:"allowPaths,omitempty"`
	DenyPaths   []string `json:"denyPaths,omitempty"`
}

// MessagingPolicy restricts outbound messages.
type MessagingPolicy struct {
	Enabled         bool     `json:"enabled"`
	RequireApproval bool     `json:"requireApproval,omitempty"`
	AllowRecipients []string `json:"allowRecipients,omitempty"`
	DenyRecipients  []string `json:"denyRecipients,omitempty"`
}

// SensitivityRule flags risky calls. Action is "block",
// "require_approval", or "allow" (an explicit allow short-circuits later
// rules for the same call).
type SensitivityRule struct {
	ID         string   `json:"id"`
	Action     Action   `json:"action"`
	Tools      []string `json:"tools,omitempty"`
	URLParts   []string `json:"urlParts,omitempty"`
	Commands   []string `json:"commands,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// BudgetPolicy bounds cumulative session spend. Zero means unlimited.
type BudgetPolicy struct {
	MaxTokens       int     `json:"maxTokens,omitempty"`
	MaxCostUsd      float64 `json:"maxCostUsd,omitempty"`
	MaxDurationSec  int     `json:"maxDurationSec,omitempty"`
	MaxToolCalls    int     `json:"maxToolCalls,omitempty"`
	MaxBrowserPages int     `json:"maxBrowserPages,omitempty"`
	MaxAPICalls     int     `json:"maxApiCalls,omitempty"`
}

// CredentialPolicy restricts which credentials a session may check out.
type CredentialPolicy struct {
	Allow           []string `json:"allow,omitempty"`
	Deny            []string `json:"deny,omitempty"`
	AllowCategories []string `json:"allowCategories,omitempty"`
}

// Policy is the full per-session policy document.
type Policy struct {
	Tools       ToolPolicy        `json:"tools"`
	Browser     BrowserPolicy     `json:"browser"`
	Exec        ExecPolicy        `json:"exec"`
	Filesystem  FilesystemPolicy  `json:"filesystem"`
	Messaging   MessagingPolicy   `json:"messaging"`
	Sensitivity []SensitivityRule `json:"sensitivity,omitempty"`
	Budgets     BudgetPolicy      `json:"budgets"`
	Credentials CredentialPolicy  `json:"credentials"`
}

// DefaultPolicy permits everything except what the built-in sensitivity
// rules flag.
func DefaultPolicy() Policy {
	return Policy{
		Browser:    BrowserPolicy{Enabled: true},
		Exec:       ExecPolicy{Security: "allow"},
		Filesystem: FilesystemPolicy{Mode: "full"},
		Messaging:  MessagingPolicy{Enabled: true},
	}
}

// CallContext describes one attempted tool call.
type CallContext struct {
	ToolName           string
	Params             map[string]string
	URL                string
	BrowserAction      string
	Command            string
	FilePath           string
	Recipient          string
	CredentialID       string
	CredentialCategory string
}

// Decision is the enforcement verdict for one call.
type Decision struct {
	Allowed        bool
	Action         Action
	Reason         string
	TriggeredRules []string
	BudgetExceeded string
}

// Usage accrues externally reported costs onto a session's budget.
type Usage struct {
	Tokens       int
	CostUsd      float64
	BrowserPages int
	APICalls     int
}

type budget struct {
	tokens       int
	costUsd      float64
	toolCalls    int
	browserPages int
	apiCalls     int
}

type session struct {
	policy    Policy
	budget    budget
	startedAt time.Time
	approvals map[string]time.Time // ruleID -> expiry
}
