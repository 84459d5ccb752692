package credential

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/foreman/internal/bus"
	"github.com/antigravity-dev/foreman/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	svc, err := NewService(path, "test-master-key", slog.New(slog.NewTextHandler(os.Stderr, nil)), bus.Nop{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func mustCreate(t *testing.T, svc *Service, name, secret string) *Credential {
	t.Helper()
	c, err := svc.Create(CreateInput{Name: name, Category: CategoryAPIKey, Secret: secret})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func TestMasterKeyValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if _, err := NewService(path, "right-key", nil, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := NewService(path, "wrong-key", nil, nil); !errors.Is(err, ErrInvalidMasterKey) {
		t.Fatalf("wrong key: got %v, want ErrInvalidMasterKey", err)
	}
	if _, err := NewService(path, "right-key", nil, nil); err != nil {
		t.Fatalf("reopen with right key: %v", err)
	}
}

func TestCheckoutWithGrant(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "deploy-token", "s3cr3t")

	if _, err := svc.GrantAccess(c.ID, "agent-1"); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}

	res, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.Secret != "s3cr3t" {
		t.Fatalf("secret = %q, want s3cr3t", res.Secret)
	}
	if res.ExpiresAtMs != 0 {
		t.Fatalf("grant-based checkout should not carry lease expiry, got %d", res.ExpiresAtMs)
	}

	got, err := svc.Get(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 1 || got.LastUsedByAgent != "agent-1" {
		t.Fatalf("usage not recorded: count=%d agent=%q", got.UsageCount, got.LastUsedByAgent)
	}
}

func TestCheckoutMissingCredential(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: "nope", AgentID: "a"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCheckoutDisabled(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")
	svc.GrantAccess(c.ID, "agent-1")
	if _, err := svc.SetEnabled(c.ID, false); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "agent-1"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != "disabled" {
		t.Fatalf("got %v, want BlockedError(disabled)", err)
	}
}

func TestCheckoutNoAccess(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")

	_, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "stranger"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != "no_access" {
		t.Fatalf("got %v, want BlockedError(no_access)", err)
	}

	hist, _ := svc.UsageHistory(c.ID)
	if len(hist) != 1 || hist[0].Outcome != "blocked" || hist[0].Reason != "no_access" {
		t.Fatalf("blocked checkout not recorded: %+v", hist)
	}
}

func TestCheckoutDeniedByRule(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")
	svc.GrantAccess(c.ID, "agent-1")
	rule, err := svc.AddRule(c.ID, "deny tool=shell")
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	_, err = svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "agent-1", ToolName: "shell"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != "policy" {
		t.Fatalf("got %v, want BlockedError(policy)", err)
	}
	if len(blocked.MatchedRules) != 1 || blocked.MatchedRules[0] != rule.ID {
		t.Fatalf("matched rules = %v, want [%s]", blocked.MatchedRules, rule.ID)
	}

	// A different tool passes the same rule set.
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "agent-1", ToolName: "http"}); err != nil {
		t.Fatalf("non-matching tool: %v", err)
	}
}

func TestLeaseCheckoutAndUses(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")

	uses := 2
	lease, err := svc.CreateLease(LeaseRequest{
		CredentialID: c.ID, TaskID: "task-1", AgentID: "agent-1",
		TTL: time.Hour, MaxUses: &uses,
	})
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "agent-1", TaskID: "task-1"})
		if err != nil {
			t.Fatalf("checkout %d: %v", i, err)
		}
		if res.ExpiresAtMs != lease.ExpiresAtMs {
			t.Fatalf("expiry = %d, want %d", res.ExpiresAtMs, lease.ExpiresAtMs)
		}
	}

	// Third use exceeds the lease budget.
	_, err = svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "agent-1", TaskID: "task-1"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != "no_access" {
		t.Fatalf("exhausted lease: got %v, want BlockedError(no_access)", err)
	}
}

func TestLeaseExpiry(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")

	base := time.Now()
	svc.SetClock(func() time.Time { return base })

	if _, err := svc.CreateLease(LeaseRequest{CredentialID: c.ID, TaskID: "t", AgentID: "a", TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a", TaskID: "t"}); err != nil {
		t.Fatalf("before expiry: %v", err)
	}

	svc.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a", TaskID: "t"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != "no_access" {
		t.Fatalf("after expiry: got %v, want BlockedError(no_access)", err)
	}

	n, err := svc.ExpireLeases()
	if err != nil || n != 1 {
		t.Fatalf("ExpireLeases = (%d, %v), want (1, nil)", n, err)
	}
	// Sweeping again finds nothing.
	if n, _ := svc.ExpireLeases(); n != 0 {
		t.Fatalf("second sweep expired %d", n)
	}
}

func TestRevokeLeaseIdempotence(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")
	lease, err := svc.CreateLease(LeaseRequest{CredentialID: c.ID, TaskID: "t", AgentID: "a", TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := svc.RevokeLease(lease.LeaseID); !ok {
		t.Fatal("first revoke should return true")
	}
	if ok, _ := svc.RevokeLease(lease.LeaseID); ok {
		t.Fatal("second revoke should return false")
	}
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a", TaskID: "t"}); err == nil {
		t.Fatal("revoked lease must not grant access")
	}
}

func TestRevokeTaskLeases(t *testing.T) {
	svc := newTestService(t)
	c1 := mustCreate(t, svc, "one", "s1")
	c2 := mustCreate(t, svc, "two", "s2")

	svc.CreateLease(LeaseRequest{CredentialID: c1.ID, TaskID: "task-x", AgentID: "a", TTL: time.Hour})
	svc.CreateLease(LeaseRequest{CredentialID: c2.ID, TaskID: "task-x", AgentID: "a", TTL: time.Hour})
	svc.CreateLease(LeaseRequest{CredentialID: c2.ID, TaskID: "task-y", AgentID: "a", TTL: time.Hour})

	n, err := svc.RevokeTaskLeases("task-x")
	if err != nil || n != 2 {
		t.Fatalf("RevokeTaskLeases = (%d, %v), want (2, nil)", n, err)
	}
	// The other task's lease still works.
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: c2.ID, AgentID: "a", TaskID: "task-y"}); err != nil {
		t.Fatalf("task-y checkout: %v", err)
	}
}

func TestRotateSecret(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "old-secret")
	svc.GrantAccess(c.ID, "a")

	if ok, err := svc.RotateSecret(c.ID, "new-secret"); err != nil || !ok {
		t.Fatalf("RotateSecret = (%v, %v)", ok, err)
	}
	res, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Secret != "new-secret" {
		t.Fatalf("secret = %q after rotation", res.Secret)
	}
}

func TestSecretNeverPersistedInClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc, err := NewService(path, "master", logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := mustCreate(t, svc, "token", "hunter2-plaintext")
	svc.GrantAccess(c.ID, "a")
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RotateSecret(c.ID, "hunter2-rotated"); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{path, store.AuditPath(path)} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		for _, secret := range []string{"hunter2-plaintext", "hunter2-rotated"} {
			if strings.Contains(string(data), secret) {
				t.Fatalf("plaintext secret leaked into %s", p)
			}
		}
	}
	for _, secret := range []string{"hunter2-plaintext", "hunter2-rotated"} {
		if strings.Contains(logBuf.String(), secret) {
			t.Fatalf("plaintext secret leaked into log output:\n%s", logBuf.String())
		}
	}
}

func TestUsageHistoryBounded(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")
	svc.GrantAccess(c.ID, "a")

	for i := 0; i < MaxUsageHistory+20; i++ {
		if _, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	hist, _ := svc.UsageHistory(c.ID)
	if len(hist) != MaxUsageHistory {
		t.Fatalf("history length = %d, want %d", len(hist), MaxUsageHistory)
	}
	got, _ := svc.Get(c.ID)
	if got.UsageCount != MaxUsageHistory+20 {
		t.Fatalf("usage count = %d, want %d", got.UsageCount, MaxUsageHistory+20)
	}
}

func TestDeleteRemovesSecret(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")

	if ok, err := svc.Delete(c.ID); err != nil || !ok {
		t.Fatalf("Delete = (%v, %v)", ok, err)
	}
	if got, _ := svc.Get(c.ID); got != nil {
		t.Fatal("credential still present after delete")
	}
	if ok, _ := svc.Delete(c.ID); ok {
		t.Fatal("second delete should return false")
	}
}

func TestListFilters(t *testing.T) {
	svc := newTestService(t)
	a, _ := svc.Create(CreateInput{Name: "ai", Category: CategoryAIProvider, Provider: "anthropic", Secret: "x"})
	svc.Create(CreateInput{Name: "db", Category: CategoryDBCredential, Secret: "y"})
	svc.SetEnabled(a.ID, false)

	all, _ := svc.List(ListFilter{})
	if len(all) != 2 {
		t.Fatalf("all = %d", len(all))
	}
	enabled, _ := svc.List(ListFilter{EnabledOnly: true})
	if len(enabled) != 1 || enabled[0].Name != "db" {
		t.Fatalf("enabled = %+v", enabled)
	}
	byProvider, _ := svc.List(ListFilter{Provider: "anthropic"})
	if len(byProvider) != 1 || byProvider[0].Name != "ai" {
		t.Fatalf("byProvider = %+v", byProvider)
	}
}

func TestRuleCRUD(t *testing.T) {
	svc := newTestService(t)
	c := mustCreate(t, svc, "token", "secret")
	svc.GrantAccess(c.ID, "a")

	if _, err := svc.AddRule(c.ID, "deny something=weird"); err == nil {
		t.Fatal("invalid rule text should be rejected")
	}

	rule, err := svc.AddRule(c.ID, "deny agent=a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a"}); err == nil {
		t.Fatal("deny rule should block")
	}

	off := false
	if ok, err := svc.UpdateRule(c.ID, rule.ID, RulePatch{Enabled: &off}); err != nil || !ok {
		t.Fatalf("UpdateRule = (%v, %v)", ok, err)
	}
	if _, err := svc.Checkout(CheckoutRequest{CredentialID: c.ID, AgentID: "a"}); err != nil {
		t.Fatalf("disabled rule should not block: %v", err)
	}

	if ok, _ := svc.RemoveRule(c.ID, rule.ID); !ok {
		t.Fatal("RemoveRule should find the rule")
	}
	got, _ := svc.Get(c.ID)
	if len(got.PermissionRules) != 0 {
		t.Fatalf("rules remain: %+v", got.PermissionRules)
	}
}
