package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens, err := NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	in := Principal{UserID: "u-1", FirstName: "Ada", LastName: "Lovelace", Role: "Admin"}

	token, expiresAt, err := tokens.GenerateToken(in, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiry, got %v", expiresAt)
	}

	got, err := tokens.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.UserID != "u-1" || got.FirstName != "Ada" || got.LastName != "Lovelace" {
		t.Fatalf("unexpected principal: %+v", got)
	}
	if got.Role != RoleAdmin || !got.IsAdmin() {
		t.Fatalf("expected normalized admin role, got %q", got.Role)
	}
}

func TestTokensRejectsExpiredAndForeign(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	old, err := NewTokens("test-secret", WithClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, _, err := old.GenerateToken(Principal{UserID: "u-1"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	current, _ := NewTokens("test-secret")
	if _, err := current.Authenticate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	other, _ := NewTokens("other-secret")
	fresh, _, _ := current.GenerateToken(Principal{UserID: "u-1"}, time.Minute)
	if _, err := other.Authenticate(fresh); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	if _, err := current.Authenticate(""); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  "); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{UserID: "u-9", FirstName: "Grace", LastName: "Hopper"})
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		t.Fatal("expected principal in context")
	}
	if p.Name() != "Grace Hopper" {
		t.Fatalf("unexpected name: %q", p.Name())
	}
	if p.IsAdmin() {
		t.Fatal("expected non-admin principal")
	}
	if id, ok := UserIDFromContext(ctx); !ok || id != "u-9" {
		t.Fatalf("unexpected user id: %q %v", id, ok)
	}

	if _, ok := PrincipalFromContext(ContextWithPrincipal(context.Background(), Principal{})); ok {
		t.Fatal("expected empty principal to be rejected")
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal")
	}
}

func TestPrincipalNameFallsBackToID(t *testing.T) {
	if got := (Principal{UserID: "u-3"}).Name(); got != "u-3" {
		t.Fatalf("unexpected name: %q", got)
	}
}
