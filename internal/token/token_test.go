package token

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// A pid far beyond the default kernel pid ceiling, so it never names a live
// process.
const bogusPID = 1 << 24

func TestIssueAndRevoke(t *testing.T) {
	r := NewRegistry(0)

	tok, err := r.Issue("skeeve", false)
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}
	if len(tok.ID) != 32 {
		t.Errorf("token id %q is not 32 hex characters", tok.ID)
	}
	if !r.Valid(tok) {
		t.Error("freshly issued token is not valid")
	}

	r.Revoke(tok)
	if r.Valid(tok) {
		t.Error("revoked token is still valid")
	}
}

func TestValidNilToken(t *testing.T) {
	r := NewRegistry(0)
	if r.Valid(nil) {
		t.Error("nil token reported valid")
	}
}

func TestBestowRecordsGrant(t *testing.T) {
	r := NewRegistry(0)
	tok, err := r.Issue("skeeve", true)
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	pid := os.Getpid()
	if err := r.Bestow(tok, pid); err != nil {
		t.Fatalf("Bestow() returned error: %v", err)
	}

	grant, found := r.Grant(pid)
	if !found {
		t.Fatal("no grant recorded for the bestowed pid")
	}

	expected := &Grant{
		TokenID:   tok.ID,
		Username:  "skeeve",
		Admin:     true,
		TargetPID: pid,
	}
	if diff := cmp.Diff(expected, grant, cmpopts.IgnoreFields(Grant{}, "GrantedAt")); diff != "" {
		t.Errorf("grant mismatch; diff:\n%s", diff)
	}
}

func TestBestowRejectsMissingTarget(t *testing.T) {
	r := NewRegistry(0)
	tok, err := r.Issue("skeeve", false)
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	if err := r.Bestow(tok, bogusPID); !errors.Is(err, ErrNoSuchTarget) {
		t.Errorf("Bestow() error = %v, want ErrNoSuchTarget", err)
	}
	if _, found := r.Grant(bogusPID); found {
		t.Error("a grant was recorded for a failed bestowal")
	}
}

func TestBestowRejectsRevokedToken(t *testing.T) {
	r := NewRegistry(0)
	tok, err := r.Issue("skeeve", false)
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	r.Revoke(tok)
	if err := r.Bestow(tok, os.Getpid()); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Bestow() error = %v, want ErrTokenRevoked", err)
	}
}

func TestRevokeDropsGrants(t *testing.T) {
	r := NewRegistry(0)
	tok, err := r.Issue("skeeve", false)
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	pid := os.Getpid()
	if err := r.Bestow(tok, pid); err != nil {
		t.Fatalf("Bestow() returned error: %v", err)
	}

	r.Revoke(tok)
	if _, found := r.Grant(pid); found {
		t.Error("grant survived the revocation of its token")
	}
}

func TestRegistryTTLExpiresTokens(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	tok, err := r.Issue("skeeve", false)
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if r.Valid(tok) {
		t.Error("token survived past its TTL")
	}
}
