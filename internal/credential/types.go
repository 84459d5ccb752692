// Package credential implements the encrypted secret vault with per-agent
// grants, time- and use-bounded leases, and rule-gated checkout.
package credential

import "fmt"

// Category classifies a credential.
type Category string

const (
	CategoryAIProvider     Category = "ai_provider"
	CategoryServiceAccount Category = "service_account"
	CategoryOAuthToken     Category = "oauth_token"
	CategorySSHKey         Category = "ssh_key"
	CategoryDBCredential   Category = "db_credential"
	CategoryAPIKey         Category = "api_key"
	CategoryChannelBot     Category = "channel_bot"
	CategoryCustom         Category = "custom"
)

var validCategories = map[Category]struct{}{
	CategoryAIProvider:     {},
	CategoryServiceAccount: {},
	CategoryOAuthToken:     {},
	CategorySSHKey:         {},
	CategoryDBCredential:   {},
	CategoryAPIKey:         {},
	CategoryChannelBot:     {},
	CategoryCustom:         {},
}

func validateCategory(c Category) error {
	if _, ok := validCategories[c]; !ok {
		return fmt.Errorf("credential: unknown category %q", c)
	}
	return nil
}

// Grant is a non-expiring permission for an agent to check out a credential.
type Grant struct {
	AgentID     string `json:"agentId"`
	GrantedAtMs int64  `json:"grantedAtMs"`
}

// Lease is a time- and optionally use-bounded permission for a task/agent
// pair to check out a credential.
type Lease struct {
	LeaseID       string `json:"leaseId"`
	TaskID        string `json:"taskId"`
	AgentID       string `json:"agentId"`
	CredentialID  string `json:"credentialId"`
	GrantedAtMs   int64  `json:"grantedAtMs"`
	ExpiresAtMs   int64  `json:"expiresAtMs"`
	MaxUses       *int   `json:"maxUses,omitempty"`
	UsesRemaining *int   `json:"usesRemaining,omitempty"`
	RevokedAtMs   int64  `json:"revokedAtMs,omitempty"`
}

// Active reports whether the lease grants access at the given instant.
func (l *Lease) Active(nowMs int64) bool {
	if l.RevokedAtMs != 0 {
		return false
	}
	if l.ExpiresAtMs <= nowMs {
		return false
	}
	if l.UsesRemaining != nil && *l.UsesRemaining <= 0 {
		return false
	}
	return true
}

// Rule is a persisted permission rule. Text is compiled on evaluation; see
// rules.go for the grammar.
type Rule struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Enabled bool   `json:"enabled"`
}

// UsageRecord is one entry of a credential's bounded usage history.
type UsageRecord struct {
	AtMs     int64  `json:"atMs"`
	AgentID  string `json:"agentId"`
	TaskID   string `json:"taskId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// MaxUsageHistory bounds each credential's usage ring.
const MaxUsageHistory = 100

// Credential is a vault entry. The secret itself lives in a separate
// encrypted envelope addressed by SecretRef and never appears here.
type Credential struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Category        Category      `json:"category"`
	Provider        string        `json:"provider,omitempty"`
	SecretRef       string        `json:"secretRef"`
	AccessGrants    []Grant       `json:"accessGrants,omitempty"`
	ActiveLeases    []Lease       `json:"activeLeases,omitempty"`
	PermissionRules []Rule        `json:"permissionRules,omitempty"`
	Enabled         bool          `json:"enabled"`
	UsageHistory    []UsageRecord `json:"usageHistory,omitempty"`
	UsageCount      int           `json:"usageCount"`
	LastUsedAtMs    int64         `json:"lastUsedAtMs,omitempty"`
	LastUsedByAgent string        `json:"lastUsedByAgent,omitempty"`
	CreatedAtMs     int64         `json:"createdAtMs"`
	UpdatedAtMs     int64         `json:"updatedAtMs"`
}

// CheckoutResult carries a decrypted secret back to the caller. ExpiresAtMs
// is set when access came through a lease.
type CheckoutResult struct {
	CredentialID string
	Secret       string
	ExpiresAtMs  int64
}

// BlockedError reports a refused checkout.
type BlockedError struct {
	Reason       string // "disabled", "no_access", "policy"
	Detail       string
	MatchedRules []string
}

func (e *BlockedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("credential: checkout blocked (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("credential: checkout blocked (%s)", e.Reason)
}
