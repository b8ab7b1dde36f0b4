package loom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// UserToken is a per-user OAuth credential for one connected service
// ("sheets", "mail", "drive", "calendar", ...). The token store is the
// source of truth for connection status per service.
type UserToken struct {
	UserID       string `json:"user_id"`
	Service      string `json:"service"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Expiry       int64  `json:"expiry,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// TokenStore hands integration handlers OAuth token sources that refresh
// transparently and persist refreshed credentials back to the store, so a
// handler never sees an expired token and never manages refresh itself.
type TokenStore struct {
	store   Store
	mu      sync.RWMutex
	configs map[string]*oauth2.Config
}

// NewTokenStore creates a token store over the given persistence layer.
func NewTokenStore(store Store) *TokenStore {
	return &TokenStore{store: store, configs: make(map[string]*oauth2.Config)}
}

// RegisterService binds a service name to its OAuth endpoint configuration.
// Called once at startup for each integration the host process links.
func (t *TokenStore) RegisterService(service string, cfg *oauth2.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.configs[service] = cfg
}

// Save persists a token obtained out-of-band (the OAuth consent flow lives
// in the control plane, outside the execution core).
func (t *TokenStore) Save(ctx context.Context, userID, service string, tok *oauth2.Token) error {
	return t.store.PutUserToken(ctx, UserToken{
		UserID:       userID,
		Service:      service,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry.Unix(),
		UpdatedAt:    NowUnix(),
	})
}

// Connected reports whether the user has a stored credential for service.
func (t *TokenStore) Connected(ctx context.Context, userID, service string) bool {
	_, found, err := t.store.GetUserToken(ctx, userID, service)
	return err == nil && found
}

// Source returns a refreshing token source for the user and service.
// Refreshed tokens are written back before they are handed out, so the
// stored credential stays current even if the process restarts mid-run.
func (t *TokenStore) Source(ctx context.Context, userID, service string) (oauth2.TokenSource, error) {
	t.mu.RLock()
	cfg := t.configs[service]
	t.mu.RUnlock()
	if cfg == nil {
		return nil, fmt.Errorf("tokens: service %q is not registered", service)
	}

	rec, found, err := t.store.GetUserToken(ctx, userID, service)
	if err != nil {
		return nil, fmt.Errorf("tokens: load %s/%s: %w", userID, service, err)
	}
	if !found {
		return nil, fmt.Errorf("tokens: user %s has not connected %s", userID, service)
	}

	tok := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Expiry:       time.Unix(rec.Expiry, 0),
	}
	return &persistingSource{
		inner:   cfg.TokenSource(ctx, tok),
		tokens:  t,
		userID:  userID,
		service: service,
		last:    tok.AccessToken,
	}, nil
}

// persistingSource wraps an oauth2.TokenSource and writes back any token the
// inner source refreshed.
type persistingSource struct {
	inner   oauth2.TokenSource
	tokens  *TokenStore
	userID  string
	service string

	mu   sync.Mutex
	last string // last persisted access token
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.tokens.Save(context.Background(), p.userID, p.service, tok); err != nil {
			return nil, fmt.Errorf("tokens: persist refreshed token: %w", err)
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}
