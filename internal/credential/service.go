package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/foreman/internal/bus"
	"github.com/antigravity-dev/foreman/internal/store"
)

const fileVersion = 1

// DefaultSweepInterval is the cadence of the lease expiry loop.
const DefaultSweepInterval = 60 * time.Second

var (
	// ErrInvalidMasterKey is returned when the configured master key does
	// not match the store's master key check record.
	ErrInvalidMasterKey = errors.New("credential: invalid master key")

	// ErrCrypto is returned on envelope corruption or key mismatch during
	// decryption. After it fires once, the service refuses further
	// decryption until re-initialized.
	ErrCrypto = errors.New("credential: decryption failed")

	// ErrNotFound is returned by checkout for a missing credential.
	ErrNotFound = errors.New("credential: not found")
)

type fileFormat struct {
	Version        int                 `json:"version"`
	MasterKeyCheck *Envelope           `json:"masterKeyCheck,omitempty"`
	Credentials    []Credential        `json:"credentials"`
	Secrets        map[string]Envelope `json:"secrets"`
}

type auditEntry struct {
	ID           string `json:"id"`
	AtMs         int64  `json:"atMs"`
	Op           string `json:"op"`
	CredentialID string `json:"credentialId,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason,omitempty"`
}

// Service is the credential vault. All operations serialize on the store
// lock; decrypted secrets are returned to callers and never persisted or
// logged.
type Service struct {
	path         string
	mu           *sync.Mutex
	key          []byte
	logger       *slog.Logger
	bus          bus.Broadcaster
	now          func() time.Time
	cryptoFailed atomic.Bool
}

// NewService opens (or initializes) the vault at path under the given master
// key. A fresh store gets a master key check record; an existing one
// validates the key before any secret is read.
func NewService(path, masterKey string, logger *slog.Logger, b bus.Broadcaster) (*Service, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("credential: master key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = bus.Nop{}
	}

	s := &Service{
		path:   path,
		mu:     store.Lock(path),
		key:    DeriveKey(masterKey),
		logger: logger,
		bus:    b,
		now:    time.Now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	if f.MasterKeyCheck == nil {
		check, err := sealEnvelope(s.key, []byte(masterKeyCheckPlaintext))
		if err != nil {
			return nil, err
		}
		f.MasterKeyCheck = &check
		if err := s.save(f); err != nil {
			return nil, err
		}
		return s, nil
	}

	plaintext, err := openEnvelope(s.key, *f.MasterKeyCheck)
	if err != nil || string(plaintext) != masterKeyCheckPlaintext {
		return nil, ErrInvalidMasterKey
	}
	return s, nil
}

// SetClock overrides the wall clock. Test use only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }

func (s *Service) load() *fileFormat {
	var f fileFormat
	if !store.Read(s.path, &f) || f.Version != fileVersion {
		f = fileFormat{Version: fileVersion}
	}
	if f.Secrets == nil {
		f.Secrets = make(map[string]Envelope)
	}
	return &f
}

func (s *Service) save(f *fileFormat) error {
	return store.Write(s.path, f)
}

func (s *Service) audit(entry auditEntry) {
	entry.ID = uuid.NewString()
	entry.AtMs = s.nowMs()
	if err := store.AppendAudit(s.path, entry); err != nil {
		s.logger.Error("credential audit append failed", "op", entry.Op, "error", err)
	}
}

// CreateInput seeds a credential.
type CreateInput struct {
	Name     string
	Category Category
	Provider string
	Secret   string
}

// Create encrypts the secret and persists a new enabled credential.
func (s *Service) Create(input CreateInput) (*Credential, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("credential: name is required")
	}
	if input.Secret == "" {
		return nil, fmt.Errorf("credential: secret is required")
	}
	if err := validateCategory(input.Category); err != nil {
		return nil, err
	}

	env, err := sealEnvelope(s.key, []byte(input.Secret))
	if err != nil {
		return nil, err
	}

	now := s.nowMs()
	c := Credential{
		ID:          uuid.NewString(),
		Name:        input.Name,
		Category:    input.Category,
		Provider:    input.Provider,
		SecretRef:   uuid.NewString(),
		Enabled:     true,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	f.Credentials = append(f.Credentials, c)
	f.Secrets[c.SecretRef] = env
	if err := s.save(f); err != nil {
		return nil, err
	}

	s.audit(auditEntry{Op: "create", CredentialID: c.ID, Outcome: "success"})
	s.bus.Emit("credential.created", c)
	out := cloneCredential(c)
	return &out, nil
}

// Get returns a copy of the credential, or nil when absent.
func (s *Service) Get(id string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, id)
	if c == nil {
		return nil, nil
	}
	out := cloneCredential(*c)
	return &out, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Category    Category
	Provider    string
	EnabledOnly bool
}

// List returns copies of credentials matching the filter.
func (s *Service) List(filter ListFilter) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	var out []Credential
	for i := range f.Credentials {
		c := &f.Credentials[i]
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.Provider != "" && c.Provider != filter.Provider {
			continue
		}
		if filter.EnabledOnly && !c.Enabled {
			continue
		}
		out = append(out, cloneCredential(*c))
	}
	return out, nil
}

// UpdatePatch mutates selected credential fields.
type UpdatePatch struct {
	Name     *string
	Provider *string
	Category *Category
}

// Update applies a patch, returning nil when the credential is missing.
func (s *Service) Update(id string, patch UpdatePatch) (*Credential, error) {
	if patch.Category != nil {
		if err := validateCategory(*patch.Category); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, id)
	if c == nil {
		return nil, nil
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Provider != nil {
		c.Provider = *patch.Provider
	}
	if patch.Category != nil {
		c.Category = *patch.Category
	}
	c.UpdatedAtMs = s.nowMs()
	if err := s.save(f); err != nil {
		return nil, err
	}

	s.bus.Emit("credential.updated", *c)
	out := cloneCredential(*c)
	return &out, nil
}

// Delete removes a credential and its secret envelope.
func (s *Service) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	for i := range f.Credentials {
		if f.Credentials[i].ID != id {
			continue
		}
		delete(f.Secrets, f.Credentials[i].SecretRef)
		f.Credentials = append(f.Credentials[:i], f.Credentials[i+1:]...)
		if err := s.save(f); err != nil {
			return false, err
		}
		s.audit(auditEntry{Op: "delete", CredentialID: id, Outcome: "success"})
		s.bus.Emit("credential.deleted", id)
		return true, nil
	}
	return false, nil
}

// RotateSecret replaces the credential's secret under a fresh secretRef.
func (s *Service) RotateSecret(id, newSecret string) (bool, error) {
	if newSecret == "" {
		return false, fmt.Errorf("credential: secret is required")
	}
	env, err := sealEnvelope(s.key, []byte(newSecret))
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, id)
	if c == nil {
		return false, nil
	}
	delete(f.Secrets, c.SecretRef)
	c.SecretRef = uuid.NewString()
	f.Secrets[c.SecretRef] = env
	c.UpdatedAtMs = s.nowMs()
	if err := s.save(f); err != nil {
		return false, err
	}

	s.audit(auditEntry{Op: "rotate", CredentialID: id, Outcome: "success"})
	s.bus.Emit("credential.updated", *c)
	return true, nil
}

// SetEnabled flips the enabled flag.
func (s *Service) SetEnabled(id string, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, id)
	if c == nil {
		return false, nil
	}
	c.Enabled = enabled
	c.UpdatedAtMs = s.nowMs()
	if err := s.save(f); err != nil {
		return false, err
	}
	s.bus.Emit("credential.updated", *c)
	return true, nil
}

// GrantAccess adds a non-expiring agent grant. Granting twice is a no-op.
func (s *Service) GrantAccess(credentialID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, credentialID)
	if c == nil {
		return false, nil
	}
	for _, g := range c.AccessGrants {
		if g.AgentID == agentID {
			return true, nil
		}
	}
	c.AccessGrants = append(c.AccessGrants, Grant{AgentID: agentID, GrantedAtMs: s.nowMs()})
	c.UpdatedAtMs = s.nowMs()
	if err := s.save(f); err != nil {
		return false, err
	}
	s.audit(auditEntry{Op: "grant", CredentialID: credentialID, AgentID: agentID, Outcome: "success"})
	s.bus.Emit("credential.grant.added", map[string]string{"credentialId": credentialID, "agentId": agentID})
	return true, nil
}

// RevokeAccess removes an agent grant.
func (s *Service) RevokeAccess(credentialID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, credentialID)
	if c == nil {
		return false, nil
	}
	for i, g := range c.AccessGrants {
		if g.AgentID != agentID {
			continue
		}
		c.AccessGrants = append(c.AccessGrants[:i], c.AccessGrants[i+1:]...)
		c.UpdatedAtMs = s.nowMs()
		if err := s.save(f); err != nil {
			return false, err
		}
		s.audit(auditEntry{Op: "revoke_grant", CredentialID: credentialID, AgentID: agentID, Outcome: "success"})
		s.bus.Emit("credential.grant.revoked", map[string]string{"credentialId": credentialID, "agentId": agentID})
		return true, nil
	}
	return false, nil
}

// LeaseRequest asks for bounded-time access for a task/agent pair.
type LeaseRequest struct {
	CredentialID string
	TaskID       string
	AgentID      string
	TTL          time.Duration
	MaxUses      *int
}

// CreateLease grants a TTL-bound lease. Returns nil when the credential is
// missing or disabled.
func (s *Service) CreateLease(req LeaseRequest) (*Lease, error) {
	if req.TTL <= 0 {
		return nil, fmt.Errorf("credential: lease ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, req.CredentialID)
	if c == nil || !c.Enabled {
		return nil, nil
	}

	now := s.nowMs()
	lease := Lease{
		LeaseID:      uuid.NewString(),
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		CredentialID: req.CredentialID,
		GrantedAtMs:  now,
		ExpiresAtMs:  now + req.TTL.Milliseconds(),
	}
	if req.MaxUses != nil {
		uses := *req.MaxUses
		remaining := uses
		lease.MaxUses = &uses
		lease.UsesRemaining = &remaining
	}
	c.ActiveLeases = append(c.ActiveLeases, lease)
	c.UpdatedAtMs = now
	if err := s.save(f); err != nil {
		return nil, err
	}

	s.audit(auditEntry{Op: "lease", CredentialID: req.CredentialID, AgentID: req.AgentID, TaskID: req.TaskID, Outcome: "success"})
	s.bus.Emit("credential.lease.created", lease)
	out := lease
	return &out, nil
}

// RevokeLease marks a lease revoked. The first call returns true, repeats
// return false; the lease stays revoked either way.
func (s *Service) RevokeLease(leaseID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	for i := range f.Credentials {
		c := &f.Credentials[i]
		for j := range c.ActiveLeases {
			l := &c.ActiveLeases[j]
			if l.LeaseID != leaseID {
				continue
			}
			if l.RevokedAtMs != 0 {
				return false, nil
			}
			l.RevokedAtMs = s.nowMs()
			c.UpdatedAtMs = l.RevokedAtMs
			if err := s.save(f); err != nil {
				return false, err
			}
			s.audit(auditEntry{Op: "revoke_lease", CredentialID: c.ID, AgentID: l.AgentID, TaskID: l.TaskID, Outcome: "success"})
			return true, nil
		}
	}
	return false, nil
}

// RevokeTaskLeases revokes every live lease belonging to a task and returns
// how many were revoked.
func (s *Service) RevokeTaskLeases(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	now := s.nowMs()
	revoked := 0
	for i := range f.Credentials {
		c := &f.Credentials[i]
		for j := range c.ActiveLeases {
			l := &c.ActiveLeases[j]
			if l.TaskID == taskID && l.RevokedAtMs == 0 {
				l.RevokedAtMs = now
				c.UpdatedAtMs = now
				revoked++
			}
		}
	}
	if revoked > 0 {
		if err := s.save(f); err != nil {
			return 0, err
		}
		s.audit(auditEntry{Op: "revoke_task_leases", TaskID: taskID, Outcome: "success",
			Reason: fmt.Sprintf("%d leases", revoked)})
	}
	return revoked, nil
}

// ExpireLeases marks every lapsed lease revoked and returns the count.
func (s *Service) ExpireLeases() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	now := s.nowMs()
	var expired []Lease
	for i := range f.Credentials {
		c := &f.Credentials[i]
		for j := range c.ActiveLeases {
			l := &c.ActiveLeases[j]
			if l.RevokedAtMs == 0 && l.ExpiresAtMs <= now {
				l.RevokedAtMs = now
				c.UpdatedAtMs = now
				expired = append(expired, *l)
			}
		}
	}
	if len(expired) > 0 {
		if err := s.save(f); err != nil {
			return 0, err
		}
		for _, l := range expired {
			s.bus.Emit("credential.lease.expired", l)
		}
	}
	return len(expired), nil
}

// RunSweeper expires lapsed leases at the given interval until ctx is
// cancelled. Interval <= 0 uses DefaultSweepInterval.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s.logger.Info("lease sweeper started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lease sweeper stopping")
			return
		case <-ticker.C:
			n, err := s.ExpireLeases()
			if err != nil {
				s.logger.Error("lease sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("leases expired", "count", n)
			}
		}
	}
}

// AddRule compiles and attaches a permission rule to a credential.
func (s *Service) AddRule(credentialID, text string) (*Rule, error) {
	id := uuid.NewString()
	if _, err := compileRule(id, text); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, credentialID)
	if c == nil {
		return nil, nil
	}
	rule := Rule{ID: id, Text: text, Enabled: true}
	c.PermissionRules = append(c.PermissionRules, rule)
	c.UpdatedAtMs = s.nowMs()
	if err := s.save(f); err != nil {
		return nil, err
	}
	out := rule
	return &out, nil
}

// RemoveRule detaches a permission rule.
func (s *Service) RemoveRule(credentialID, ruleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, credentialID)
	if c == nil {
		return false, nil
	}
	for i, r := range c.PermissionRules {
		if r.ID != ruleID {
			continue
		}
		c.PermissionRules = append(c.PermissionRules[:i], c.PermissionRules[i+1:]...)
		c.UpdatedAtMs = s.nowMs()
		if err := s.save(f); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RulePatch mutates a permission rule.
type RulePatch struct {
	Text    *string
	Enabled *bool
}

// UpdateRule patches a rule, re-validating the text when it changes.
func (s *Service) UpdateRule(credentialID, ruleID string, patch RulePatch) (bool, error) {
	if patch.Text != nil {
		if _, err := compileRule(ruleID, *patch.Text); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, credentialID)
	if c == nil {
		return false, nil
	}
	for i := range c.PermissionRules {
		r := &c.PermissionRules[i]
		if r.ID != ruleID {
			continue
		}
		if patch.Text != nil {
			r.Text = *patch.Text
		}
		if patch.Enabled != nil {
			r.Enabled = *patch.Enabled
		}
		c.UpdatedAtMs = s.nowMs()
		if err := s.save(f); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// CheckoutRequest identifies who wants which secret, and why.
type CheckoutRequest struct {
	CredentialID string
	AgentID      string
	TaskID       string
	ToolName     string
	Action       string
}

// Checkout gates and decrypts a secret. Denials return *BlockedError; a
// missing credential returns ErrNotFound. The secret is never written to
// the store, the audit log, or the logger.
func (s *Service) Checkout(req CheckoutRequest) (*CheckoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, req.CredentialID)
	if c == nil {
		return nil, ErrNotFound
	}
	if !c.Enabled {
		return nil, s.blockLocked(f, c, req, &BlockedError{Reason: "disabled"})
	}

	now := s.nowMs()

	// Access requires a grant for the agent or an active lease matching the
	// agent (and task, when one is named).
	var usedLease *Lease
	granted := false
	for _, g := range c.AccessGrants {
		if g.AgentID == req.AgentID {
			granted = true
			break
		}
	}
	if !granted {
		for i := range c.ActiveLeases {
			l := &c.ActiveLeases[i]
			if !l.Active(now) || l.AgentID != req.AgentID {
				continue
			}
			if req.TaskID != "" && l.TaskID != req.TaskID {
				continue
			}
			usedLease = l
			break
		}
	}
	if !granted && usedLease == nil {
		return nil, s.blockLocked(f, c, req, &BlockedError{Reason: "no_access"})
	}

	decision := evaluateRules(c.PermissionRules, RuleContext{
		ToolName: req.ToolName,
		Action:   req.Action,
		AgentID:  req.AgentID,
		TaskID:   req.TaskID,
		Now:      s.now(),
	})
	if !decision.Allowed {
		return nil, s.blockLocked(f, c, req, &BlockedError{
			Reason:       "policy",
			Detail:       decision.Reason,
			MatchedRules: decision.MatchedRules,
		})
	}

	if s.cryptoFailed.Load() {
		return nil, ErrCrypto
	}
	env, ok := f.Secrets[c.SecretRef]
	if !ok {
		s.cryptoFailed.Store(true)
		return nil, ErrCrypto
	}
	plaintext, err := openEnvelope(s.key, env)
	if err != nil {
		s.cryptoFailed.Store(true)
		return nil, ErrCrypto
	}

	if usedLease != nil && usedLease.UsesRemaining != nil {
		*usedLease.UsesRemaining--
	}
	c.UsageHistory = append(c.UsageHistory, UsageRecord{
		AtMs:     now,
		AgentID:  req.AgentID,
		TaskID:   req.TaskID,
		ToolName: req.ToolName,
		Action:   req.Action,
		Outcome:  "success",
	})
	if len(c.UsageHistory) > MaxUsageHistory {
		c.UsageHistory = c.UsageHistory[len(c.UsageHistory)-MaxUsageHistory:]
	}
	c.UsageCount++
	c.LastUsedAtMs = now
	c.LastUsedByAgent = req.AgentID
	c.UpdatedAtMs = now

	if err := s.save(f); err != nil {
		return nil, err
	}

	s.audit(auditEntry{Op: "checkout", CredentialID: c.ID, AgentID: req.AgentID, TaskID: req.TaskID, Outcome: "success"})
	s.bus.Emit("credential.checkout", map[string]string{"credentialId": c.ID, "agentId": req.AgentID})

	result := &CheckoutResult{CredentialID: c.ID, Secret: string(plaintext)}
	if usedLease != nil {
		result.ExpiresAtMs = usedLease.ExpiresAtMs
	}
	return result, nil
}

// blockLocked records a denied checkout (usage history, audit, event) and
// returns the block. The secret is never decrypted on this path.
func (s *Service) blockLocked(f *fileFormat, c *Credential, req CheckoutRequest, blocked *BlockedError) error {
	now := s.nowMs()
	c.UsageHistory = append(c.UsageHistory, UsageRecord{
		AtMs:     now,
		AgentID:  req.AgentID,
		TaskID:   req.TaskID,
		ToolName: req.ToolName,
		Action:   req.Action,
		Outcome:  "blocked",
		Reason:   blocked.Reason,
	})
	if len(c.UsageHistory) > MaxUsageHistory {
		c.UsageHistory = c.UsageHistory[len(c.UsageHistory)-MaxUsageHistory:]
	}
	c.UpdatedAtMs = now
	if err := s.save(f); err != nil {
		s.logger.Error("persist blocked checkout failed", "credential", c.ID, "error", err)
	}

	s.audit(auditEntry{Op: "checkout", CredentialID: c.ID, AgentID: req.AgentID, TaskID: req.TaskID,
		Outcome: "blocked", Reason: blocked.Reason})
	s.bus.Emit("credential.checkout.blocked", map[string]string{
		"credentialId": c.ID, "agentId": req.AgentID, "reason": blocked.Reason,
	})
	return blocked
}

// UsageHistory returns a copy of the credential's bounded usage ring.
func (s *Service) UsageHistory(id string) ([]UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.load()
	c := findCredential(f, id)
	if c == nil {
		return nil, nil
	}
	return append([]UsageRecord(nil), c.UsageHistory...), nil
}

func findCredential(f *fileFormat, id string) *Credential {
	for i := range f.Credentials {
		if f.Credentials[i].ID == id {
			return &f.Credentials[i]
		}
	}
	return nil
}

func cloneCredential(c Credential) Credential {
	c.AccessGrants = append([]Grant(nil), c.AccessGrants...)
	leases := make([]Lease, len(c.ActiveLeases))
	for i, l := range c.ActiveLeases {
		if l.MaxUses != nil {
			v := *l.MaxUses
			l.MaxUses = &v
		}
		if l.UsesRemaining != nil {
			v := *l.UsesRemaining
			l.UsesRemaining = &v
		}
		leases[i] = l
	}
	c.ActiveLeases = leases
	c.PermissionRules = append([]Rule(nil), c.PermissionRules...)
	c.UsageHistory = append([]UsageRecord(nil), c.UsageHistory...)
	return c
}
