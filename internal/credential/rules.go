package credential

import (
	"fmt"
	"strings"
	"time"
)

// Rule grammar: "<allow|deny> [key=value ...]" where key is one of tool,
// action, agent, or task. A rule with no matchers matches every checkout.
// Compilation is deterministic and evaluation is side-effect-free.

type compiledRule struct {
	id     string
	effect string // "allow" or "deny"
	match  map[string]string
}

var ruleKeys = map[string]struct{}{
	"tool":   {},
	"action": {},
	"agent":  {},
	"task":   {},
}

func compileRule(id, text string) (compiledRule, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return compiledRule{}, fmt.Errorf("credential: empty rule")
	}

	effect := strings.ToLower(fields[0])
	if effect != "allow" && effect != "deny" {
		return compiledRule{}, fmt.Errorf("credential: rule must start with allow or deny, got %q", fields[0])
	}

	match := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok || value == "" {
			return compiledRule{}, fmt.Errorf("credential: rule matcher %q is not key=value", f)
		}
		key = strings.ToLower(key)
		if _, known := ruleKeys[key]; !known {
			return compiledRule{}, fmt.Errorf("credential: unknown rule key %q", key)
		}
		match[key] = value
	}
	return compiledRule{id: id, effect: effect, match: match}, nil
}

// RuleContext is the evaluation input for permission rules.
type RuleContext struct {
	ToolName string
	Action   string
	AgentID  string
	TaskID   string
	Now      time.Time
}

// RuleDecision is the outcome of evaluating a credential's rules.
type RuleDecision struct {
	Allowed      bool
	Reason       string
	MatchedRules []string
}

func (r compiledRule) matches(ctx RuleContext) bool {
	for key, want := range r.match {
		var got string
		switch key {
		case "tool":
			got = ctx.ToolName
		case "action":
			got = ctx.Action
		case "agent":
			got = ctx.AgentID
		case "task":
			got = ctx.TaskID
		}
		if got != want {
			return false
		}
	}
	return true
}

// evaluateRules applies all enabled rules to the context. Any matching deny
// rule wins; rules that fail to compile are skipped.
func evaluateRules(rules []Rule, ctx RuleContext) RuleDecision {
	decision := RuleDecision{Allowed: true}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := compileRule(r.ID, r.Text)
		if err != nil {
			continue
		}
		if !compiled.matches(ctx) {
			continue
		}
		decision.MatchedRules = append(decision.MatchedRules, r.ID)
		if compiled.effect == "deny" && decision.Allowed {
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("denied by rule %s", r.ID)
		}
	}
	return decision
}
