// Package token manages elevated identity tokens and the bestowal grants
// made from them.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"
)

var (
	// ErrTokenRevoked indicates the token is no longer valid, either revoked
	// with its connection or expired out of the registry.
	ErrTokenRevoked = errors.New("token has been revoked")
	// ErrNoSuchTarget indicates the bestowal target process does not exist.
	ErrNoSuchTarget = errors.New("bestowal target does not exist")
)

// Token is an elevated identity issued to exactly one connection after a
// successful credential check. It is never shared between connections.
type Token struct {
	ID       string
	Username string
	Admin    bool
	IssuedAt time.Time

	// Process ids this token's rights were bestowed onto, so revocation
	// takes the grants down with the token.
	granted []int
}

// Grant records one bestowal of a token's rights onto a target process.
type Grant struct {
	TokenID   string
	Username  string
	Admin     bool
	TargetPID int
	GrantedAt time.Time
}

// Registry is the single store of live tokens and grants. It is owned by the
// event loop goroutine; entries additionally expire by TTL as a backstop for
// connections that never reach an orderly reset.
type Registry struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewRegistry creates a registry whose entries expire after ttl. A ttl <= 0
// disables expiry, leaving connection teardown as the only revocation path.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Registry{
		cache: gocache.New(ttl, 10*time.Second),
		ttl:   ttl,
	}
}

// Issue creates and registers a token for the named account.
func (r *Registry) Issue(username string, admin bool) (*Token, error) {
	id, err := newTokenID()
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}

	tok := &Token{
		ID:       id,
		Username: username,
		Admin:    admin,
		IssuedAt: time.Now(),
	}
	r.cache.Set(tokenKey(tok.ID), tok, r.ttl)
	return tok, nil
}

// Valid reports whether tok is still registered.
func (r *Registry) Valid(tok *Token) bool {
	if tok == nil {
		return false
	}
	_, found := r.cache.Get(tokenKey(tok.ID))
	return found
}

// Revoke removes the token and every grant made from it.
func (r *Registry) Revoke(tok *Token) {
	if tok == nil {
		return
	}
	for _, pid := range tok.granted {
		r.cache.Delete(grantKey(pid))
	}
	tok.granted = nil
	r.cache.Delete(tokenKey(tok.ID))
}

// Bestow transfers tok's rights onto the target process, recording a grant.
// The target must exist; the token must still be valid.
func (r *Registry) Bestow(tok *Token, pid int) error {
	if !r.Valid(tok) {
		return ErrTokenRevoked
	}
	if err := probeProcess(pid); err != nil {
		return err
	}

	grant := &Grant{
		TokenID:   tok.ID,
		Username:  tok.Username,
		Admin:     tok.Admin,
		TargetPID: pid,
		GrantedAt: time.Now(),
	}
	r.cache.Set(grantKey(pid), grant, r.ttl)
	tok.granted = append(tok.granted, pid)
	return nil
}

// Grant looks up the bestowal record for a process, if one is live.
func (r *Registry) Grant(pid int) (*Grant, bool) {
	v, found := r.cache.Get(grantKey(pid))
	if !found {
		return nil, false
	}
	return v.(*Grant), true
}

// probeProcess checks that the target pid names a live process. Signal 0
// performs the existence check without delivering anything; EPERM still
// proves the process exists.
func probeProcess(pid int) error {
	if pid <= 0 {
		return ErrNoSuchTarget
	}
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return nil
	}
	return fmt.Errorf("%w: pid %d", ErrNoSuchTarget, pid)
}

func newTokenID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

func tokenKey(id string) string { return "token/" + id }
func grantKey(pid int) string   { return "grant/" + strconv.Itoa(pid) }
