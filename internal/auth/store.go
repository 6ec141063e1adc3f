package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// RefreshMargin is the safety margin before expiry within which Get refreshes
// a credential instead of handing it out.
const RefreshMargin = 5 * time.Minute

// Store persists and serves per-role credentials. Each role maps to one JSON
// file under the config directory, readable only by the owning user. All
// operations for a role are serialized, so concurrent callers share a single
// in-flight refresh instead of racing the token endpoint.
type Store struct {
	dir     string
	configs map[Role]*oauth2.Config

	// refresh is swappable in tests; defaults to the provider round-trip.
	refresh func(ctx context.Context, cfg *oauth2.Config, cred Credential) (Credential, error)

	mu    sync.Mutex
	roles map[Role]*roleState
}

type roleState struct {
	mu   sync.Mutex
	cred *Credential
}

// NewStore creates a credential store rooted at dir. configs supplies the
// OAuth2 client configuration per role, used for refresh round-trips.
func NewStore(dir string, configs map[Role]*oauth2.Config) *Store {
	return &Store{
		dir:     dir,
		configs: configs,
		refresh: refreshWithProvider,
		roles:   make(map[Role]*roleState),
	}
}

// DefaultDir returns the per-user config directory for credential files,
// creating it if needed.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determine config directory: %w", err)
	}
	dir := filepath.Join(base, "invoicepilot")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}

func (s *Store) state(role Role) *roleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.roles[role]
	if !ok {
		rs = &roleState{}
		s.roles[role] = rs
	}
	return rs
}

func (s *Store) tokenPath(role Role) string {
	return filepath.Join(s.dir, string(role)+"_token.json")
}

// Get returns a credential for the role that is guaranteed to be valid for at
// least RefreshMargin. It refreshes transparently when the stored credential
// is inside the margin, and returns ErrAuthRequired when no credential is on
// file or the refresh is rejected by the issuer.
func (s *Store) Get(ctx context.Context, role Role) (Credential, error) {
	rs := s.state(role)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cred == nil {
		cred, err := s.load(role)
		if err != nil {
			return Credential{}, err
		}
		rs.cred = &cred
	}

	if !rs.cred.ExpiresWithin(RefreshMargin) {
		return *rs.cred, nil
	}
	return s.refreshLocked(ctx, role, rs)
}

// Refresh forces a refresh round-trip for the role regardless of expiry.
func (s *Store) Refresh(ctx context.Context, role Role) (Credential, error) {
	rs := s.state(role)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cred == nil {
		cred, err := s.load(role)
		if err != nil {
			return Credential{}, err
		}
		rs.cred = &cred
	}
	return s.refreshLocked(ctx, role, rs)
}

// refreshLocked runs one refresh for the role; callers must hold rs.mu.
func (s *Store) refreshLocked(ctx context.Context, role Role, rs *roleState) (Credential, error) {
	cred := *rs.cred
	if cred.RefreshToken == "" {
		return Credential{}, fmt.Errorf("%s credential expired and has no refresh token: %w", role, ErrAuthRequired)
	}

	cfg := s.configs[role]
	fresh, err := s.refresh(ctx, cfg, cred)
	if err != nil {
		if isPermanentRefreshError(err) {
			return Credential{}, fmt.Errorf("%s refresh rejected by issuer: %v: %w", role, err, ErrAuthRequired)
		}
		return Credential{}, fmt.Errorf("refresh %s credential: %w", role, err)
	}

	fresh.Role = role
	if fresh.RefreshToken == "" {
		// Issuer did not rotate the refresh token; keep the old one.
		fresh.RefreshToken = cred.RefreshToken
	}
	if err := s.persist(role, fresh); err != nil {
		return Credential{}, err
	}
	rs.cred = &fresh
	return fresh, nil
}

// Put stores a credential for the role, overwriting any previous one.
func (s *Store) Put(role Role, cred Credential) error {
	rs := s.state(role)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	cred.Role = role
	if err := s.persist(role, cred); err != nil {
		return err
	}
	rs.cred = &cred
	return nil
}

// Reset deletes the persisted credential for the role. Missing files are not
// an error.
func (s *Store) Reset(role Role) error {
	rs := s.state(role)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.cred = nil
	if err := os.Remove(s.tokenPath(role)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s credential file: %w", role, err)
	}
	return nil
}

// TokenSource adapts the store to oauth2.TokenSource for one role. Every
// Token call goes through Get, so remote clients always operate on a
// credential outside the refresh margin.
func (s *Store) TokenSource(ctx context.Context, role Role) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s, role: role}
}

type storeTokenSource struct {
	ctx   context.Context
	store *Store
	role  Role
}

func (ts *storeTokenSource) Token() (*oauth2.Token, error) {
	cred, err := ts.store.Get(ts.ctx, ts.role)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       cred.ExpiresAt,
	}, nil
}

func (s *Store) load(role Role) (Credential, error) {
	data, err := os.ReadFile(s.tokenPath(role))
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, fmt.Errorf("no %s credential on file: %w", role, ErrAuthRequired)
		}
		return Credential{}, fmt.Errorf("read %s credential file: %w", role, err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("parse %s credential file: %w", role, err)
	}
	cred.Role = role
	return cred, nil
}

func (s *Store) persist(role Role, cred Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize %s credential: %w", role, err)
	}
	if err := os.WriteFile(s.tokenPath(role), data, 0600); err != nil {
		return fmt.Errorf("write %s credential file: %w", role, err)
	}
	return nil
}

// refreshWithProvider exchanges the refresh token against the provider's
// token endpoint.
func refreshWithProvider(ctx context.Context, cfg *oauth2.Config, cred Credential) (Credential, error) {
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return Credential{}, err
	}
	return credentialFromToken(tok), nil
}

func credentialFromToken(tok *oauth2.Token) Credential {
	cred := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	return cred
}

// isPermanentRefreshError reports whether a refresh failure means the grant
// is gone for good, as opposed to a transient network or provider problem.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		switch retrieve.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
