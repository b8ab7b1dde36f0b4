package loom

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// staticSource returns a fixed token, standing in for an OAuth refresh flow.
type staticSource struct {
	tok *oauth2.Token
}

func (s *staticSource) Token() (*oauth2.Token, error) { return s.tok, nil }

func TestTokenStoreSaveAndConnected(t *testing.T) {
	store := newFakeStore()
	tokens := NewTokenStore(store)
	ctx := context.Background()

	if tokens.Connected(ctx, "user_1", "sheets") {
		t.Error("connected before save")
	}

	err := tokens.Save(ctx, "user_1", "sheets", &oauth2.Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		Expiry:       time.Unix(1700000000, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !tokens.Connected(ctx, "user_1", "sheets") {
		t.Error("not connected after save")
	}

	rec, found, _ := store.GetUserToken(ctx, "user_1", "sheets")
	if !found || rec.AccessToken != "at-1" || rec.Expiry != 1700000000 {
		t.Errorf("stored token = %+v", rec)
	}
}

func TestSourceRequiresRegistrationAndConnection(t *testing.T) {
	store := newFakeStore()
	tokens := NewTokenStore(store)
	ctx := context.Background()

	if _, err := tokens.Source(ctx, "user_1", "sheets"); err == nil {
		t.Error("unregistered service produced a source")
	}

	tokens.RegisterService("sheets", &oauth2.Config{ClientID: "c"})
	if _, err := tokens.Source(ctx, "user_1", "sheets"); err == nil {
		t.Error("unconnected user produced a source")
	}
}

func TestPersistingSourceWritesBackRefreshedToken(t *testing.T) {
	store := newFakeStore()
	tokens := NewTokenStore(store)
	ctx := context.Background()

	if err := tokens.Save(ctx, "user_1", "sheets", &oauth2.Token{AccessToken: "old"}); err != nil {
		t.Fatal(err)
	}

	src := &persistingSource{
		inner:   &staticSource{tok: &oauth2.Token{AccessToken: "refreshed", RefreshToken: "rt-2"}},
		tokens:  tokens,
		userID:  "user_1",
		service: "sheets",
		last:    "old",
	}

	tok, err := src.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "refreshed" {
		t.Errorf("token = %+v", tok)
	}

	rec, _, _ := store.GetUserToken(ctx, "user_1", "sheets")
	if rec.AccessToken != "refreshed" || rec.RefreshToken != "rt-2" {
		t.Errorf("refreshed token not persisted: %+v", rec)
	}

	// An unchanged token is not re-persisted.
	before := rec.UpdatedAt
	if _, err := src.Token(); err != nil {
		t.Fatal(err)
	}
	rec, _, _ = store.GetUserToken(ctx, "user_1", "sheets")
	if rec.UpdatedAt != before {
		t.Error("unchanged token rewritten")
	}
}
