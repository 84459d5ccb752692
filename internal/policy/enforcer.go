package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	destructiveCommandRe = regexp.MustCompile(`(?i)\b(rm|rmdir|del|shred|Remove-Item)\b`)
	deleteToolRe         = regexp.MustCompile(`(?i)delete|remove|unlink`)
)

// writingBrowserActions are the browser actions a read-only policy blocks.
var writingBrowserActions = map[string]struct{}{
	"click": {}, "type": {}, "fill": {}, "submit": {}, "press": {}, "upload": {},
}

// toolGroups expands a group name in a tool allow/deny list into its member
// tools.
var toolGroups = map[string][]string{
	"group:filesystem": {"read", "write", "edit", "apply_patch", "glob", "grep"},
	"group:browser":    {"browser", "fetch"},
	"group:exec":       {"exec", "shell", "bash"},
	"group:messaging":  {"message"},
}

// builtinSensitivityRules always run, before any custom rules.
var builtinSensitivityRules = []SensitivityRule{
	{ID: "financial.bank_site", Action: ActionRequireApproval, Categories: []string{"banking"}},
	{ID: "financial.payment_site", Action: ActionRequireApproval, Categories: []string{"payments", "crypto"}},
	{ID: "infra.cloud_console", Action: ActionRequireApproval, Categories: []string{"cloud_console"}},
}

// Enforcer gates tool calls for attached sessions. All methods are safe for
// concurrent use.
type Enforcer struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnforcer creates an enforcer with no sessions attached.
func NewEnforcer(logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		sessions: make(map[string]*session),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock. Test use only.
func (e *Enforcer) SetClock(now func() time.Time) { e.now = now }

// Attach registers a session under the given key with a zeroed budget.
// Re-attaching an existing key replaces its policy and resets its budget.
func (e *Enforcer) Attach(sessionKey string, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionKey] = &session{
		policy:    p,
		startedAt: e.now(),
		approvals: make(map[string]time.Time),
	}
	e.logger.Debug("policy session attached", "session", sessionKey)
}

// Detach removes the session. Unknown keys are a no-op.
func (e *Enforcer) Detach(sessionKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionKey)
}

// RecordUsage accrues externally reported costs onto the session budget.
func (e *Enforcer) RecordUsage(sessionKey string, u Usage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionKey]
	if !ok {
		return
	}
	s.budget.tokens += u.Tokens
	s.budget.costUsd += u.CostUsd
	s.budget.browserPages += u.BrowserPages
	s.budget.apiCalls += u.APICalls
}

// CacheApproval pins a human approval so subsequent calls triggering the
// same rule auto-allow until ttl elapses.
func (e *Enforcer) CacheApproval(sessionKey, ruleID string, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionKey]
	if !ok {
		return
	}
	s.approvals[ruleID] = e.now().Add(ttl)
}

func allowDecision() Decision {
	return Decision{Allowed: true, Action: ActionAllow}
}

func blockDecision(reason string, rules ...string) Decision {
	return Decision{Action: ActionBlock, Reason: reason, TriggeredRules: rules}
}

// Enforce evaluates the session policy against one attempted call. A key
// with no attached session allows everything.
func (e *Enforcer) Enforce(sessionKey string, call CallContext) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionKey]
	if !ok {
		return allowDecision()
	}
	p := &s.policy

	if d := checkTool(p, call); !d.Allowed {
		return d
	}
	if call.URL != "" {
		if d := checkBrowser(p, call); !d.Allowed {
			return d
		}
	}
	if call.Command != "" {
		if d := checkExec(p, call); !d.Allowed {
			return d
		}
	}
	if call.FilePath != "" {
		if d := checkFilesystem(p, call); !d.Allowed {
			return d
		}
	}
	if call.ToolName == "message" || call.Recipient != "" {
		if d := checkMessaging(p, call); !d.Allowed {
			return d
		}
	}

	if d := e.checkSensitivity(s, call); !d.Allowed {
		return d
	}
	if d := e.checkBudgets(s); !d.Allowed {
		return d
	}
	if call.CredentialID != "" || call.CredentialCategory != "" {
		if d := checkCredential(p, call); !d.Allowed {
			return d
		}
	}

	s.budget.toolCalls++
	return allowDecision()
}

func expandTools(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		if members, ok := toolGroups[n]; ok {
			for _, m := range members {
				out[m] = struct{}{}
			}
			continue
		}
		out[n] = struct{}{}
	}
	return out
}

func checkTool(p *Policy, call CallContext) Decision {
	if call.ToolName == "" {
		return allowDecision()
	}
	deny := expandTools(p.Tools.Deny)
	if _, blocked := deny[call.ToolName]; blocked {
		return blockDecision(fmt.Sprintf("tool %q is denied", call.ToolName))
	}
	if len(p.Tools.Allow) > 0 {
		allow := expandTools(p.Tools.Allow)
		if _, ok := allow[call.ToolName]; !ok {
			return blockDecision(fmt.Sprintf("tool %q is not in the allow list", call.ToolName))
		}
	}
	return allowDecision()
}

func checkBrowser(p *Policy, call CallContext) Decision {
	b := &p.Browser
	if !b.Enabled {
		return blockDecision("browser access is disabled")
	}
	if b.ReadOnly {
		if _, writes := writingBrowserActions[call.BrowserAction]; writes {
			return blockDecision(fmt.Sprintf("browser is read-only; action %q writes", call.BrowserAction))
		}
	}
	if b.BlockFormSubmissions && call.BrowserAction == "submit" {
		return blockDecision("form submissions are blocked")
	}
	for _, part := range b.URLBlocklist {
		if strings.Contains(call.URL, part) {
			return blockDecision(fmt.Sprintf("url matches blocklist entry %q", part))
		}
	}
	if len(b.URLAllowlist) > 0 {
		matched := false
		for _, part := range b.URLAllowlist {
			if strings.Contains(call.URL, part) {
				matched = true
				break
			}
		}
		if !matched {
			return blockDecision("url is not in the allow list")
		}
	}
	if len(b.BlockedCategories) > 0 {
		for _, cat := range classifyDomain(call.URL) {
			for _, blocked := range b.BlockedCategories {
				if cat == blocked {
					return blockDecision(fmt.Sprintf("url category %q is blocked", cat))
				}
			}
		}
	}
	return allowDecision()
}

func checkExec(p *Policy, call CallContext) Decision {
	x := &p.Exec
	if x.Security == "deny" {
		return blockDecision("command execution is disabled")
	}
	if x.BlockDestructive && destructiveCommandRe.MatchString(call.Command) {
		return blockDecision("destructive command is blocked")
	}
	for _, part := range x.DenyCommands {
		if strings.Contains(call.Command, part) {
			return blockDecision(fmt.Sprintf("command matches deny entry %q", part))
		}
	}
	if x.Security == "allowlist" {
		for _, prefix := range x.AllowCommands {
			if strings.HasPrefix(call.Command, prefix) {
				return allowDecision()
			}
		}
		return blockDecision("command is not in the allow list")
	}
	return allowDecision()
}

func checkFilesystem(p *Policy, call CallContext) Decision {
	fs := &p.Filesystem
	switch fs.Mode {
	case "none":
		return blockDecision("filesystem access is disabled")
	case "read-only":
		switch call.ToolName {
		case "write", "edit", "apply_patch":
			return blockDecision("filesystem is read-only")
		}
	}
	if fs.BlockDelete && deleteToolRe.MatchString(call.ToolName) {
		return blockDecision("file deletion is blocked")
	}
	for _, prefix := range fs.DenyPaths {
		if strings.HasPrefix(call.FilePath, prefix) {
			return blockDecision(fmt.Sprintf("path matches deny entry %q", prefix))
		}
	}
	if len(fs.AllowPaths) > 0 {
		for _, prefix := range fs.AllowPaths {
			if strings.HasPrefix(call.FilePath, prefix) {
				return allowDecision()
			}
		}
		return blockDecision("path is not in the allow list")
	}
	return allowDecision()
}

func checkMessaging(p *Policy, call CallContext) Decision {
	m := &p.Messaging
	if !m.Enabled {
		return blockDecision("messaging is disabled")
	}
	if m.RequireApproval {
		return Decision{Action: ActionRequireApproval, Reason: "messaging requires approval"}
	}
	for _, r := range m.DenyRecipients {
		if call.Recipient == r {
			return blockDecision(fmt.Sprintf("recipient %q is denied", r))
		}
	}
	if len(m.AllowRecipients) > 0 {
		allowed := false
		for _, r := range m.AllowRecipients {
			if call.Recipient == r {
				allowed = true
				break
			}
		}
		if !allowed {
			return blockDecision("recipient is not in the allow list")
		}
	}
	return allowDecision()
}

func ruleMatches(r SensitivityRule, call CallContext, categories []string) bool {
	matched := false
	if len(r.Tools) > 0 {
		hit := false
		for _, t := range r.Tools {
			if t == call.ToolName {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
		matched = true
	}
	if len(r.URLParts) > 0 {
		hit := false
		for _, part := range r.URLParts {
			if call.URL != "" && strings.Contains(call.URL, part) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
		matched = true
	}
	if len(r.Commands) > 0 {
		hit := false
		for _, part := range r.Commands {
			if call.Command != "" && strings.Contains(call.Command, part) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
		matched = true
	}
	if len(r.Categories) > 0 {
		hit := false
		for _, want := range r.Categories {
			for _, got := range categories {
				if got == want {
					hit = true
					break
				}
			}
		}
		if !hit {
			return false
		}
		matched = true
	}
	return matched
}

// checkSensitivity runs built-in then custom rules. The first matching rule
// with an explicit allow wins immediately; block wins over require_approval;
// approvals requested here consult the session's approval cache.
func (e *Enforcer) checkSensitivity(s *session, call CallContext) Decision {
	categories := classifyDomain(call.URL)
	var triggered []string
	needApproval := false

	rules := append(append([]SensitivityRule(nil), builtinSensitivityRules...), s.policy.Sensitivity...)
	for _, r := range rules {
		if !ruleMatches(r, call, categories) {
			continue
		}
		switch r.Action {
		case ActionAllow:
			return allowDecision()
		case ActionBlock:
			return Decision{Action: ActionBlock,
				Reason:         fmt.Sprintf("blocked by sensitivity rule %s", r.ID),
				TriggeredRules: []string{r.ID}}
		case ActionRequireApproval:
			triggered = append(triggered, r.ID)
			needApproval = true
		}
	}

	if !needApproval {
		return allowDecision()
	}

	now := e.now()
	for _, id := range triggered {
		if expiry, ok := s.approvals[id]; !ok || now.After(expiry) {
			return Decision{Action: ActionRequireApproval,
				Reason:         "human approval required",
				TriggeredRules: triggered}
		}
	}
	return allowDecision()
}

func (e *Enforcer) checkBudgets(s *session) Decision {
	b := &s.policy.Budgets
	exceeded := func(limit string) Decision {
		return Decision{Action: ActionBlock,
			Reason:         fmt.Sprintf("budget %s exhausted", limit),
			BudgetExceeded: limit}
	}
	if b.MaxTokens > 0 && s.budget.tokens >= b.MaxTokens {
		return exceeded("tokens")
	}
	if b.MaxCostUsd > 0 && s.budget.costUsd >= b.MaxCostUsd {
		return exceeded("costUsd")
	}
	if b.MaxDurationSec > 0 && e.now().Sub(s.startedAt) >= time.Duration(b.MaxDurationSec)*time.Second {
		return exceeded("durationSec")
	}
	if b.MaxToolCalls > 0 && s.budget.toolCalls >= b.MaxToolCalls {
		return exceeded("toolCalls")
	}
	if b.MaxBrowserPages > 0 && s.budget.browserPages >= b.MaxBrowserPages {
		return exceeded("browserPages")
	}
	if b.MaxAPICalls > 0 && s.budget.apiCalls >= b.MaxAPICalls {
		return exceeded("apiCalls")
	}
	return allowDecision()
}

func checkCredential(p *Policy, call CallContext) Decision {
	c := &p.Credentials
	for _, id := range c.Deny {
		if call.CredentialID == id {
			return blockDecision(fmt.Sprintf("credential %q is denied", id))
		}
	}
	if len(c.Allow) > 0 {
		allowed := false
		for _, id := range c.Allow {
			if call.CredentialID == id {
				allowed = true
				break
			}
		}
		if !allowed {
			return blockDecision("credential is not in the allow list")
		}
	}
	if len(c.AllowCategories) > 0 && call.CredentialCategory != "" {
		allowed := false
		for _, cat := range c.AllowCategories {
			if call.CredentialCategory == cat {
				allowed = true
				break
			}
		}
		if !allowed {
			return blockDecision(fmt.Sprintf("credential category %q is not allowed", call.CredentialCategory))
		}
	}
	return allowDecision()
}
