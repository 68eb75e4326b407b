package auth

import (
	"testing"
	"time"
)

func TestResolveIdentity_RoundTrip(t *testing.T) {
	r := NewResolver("test-secret")

	token, err := r.Sign("user-7", time.Minute)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	identity, err := r.ResolveIdentity(token)
	if err != nil {
		t.Fatalf("ResolveIdentity() error: %v", err)
	}
	if identity != "user-7" {
		t.Errorf("expected user-7, got %q", identity)
	}
}

func TestResolveIdentity_Invalid(t *testing.T) {
	r := NewResolver("test-secret")

	cases := map[string]string{
		"empty":     "",
		"garbage":   "not.a.token",
		"truncated": "eyJhbGciOiJIUzI1NiJ9",
	}
	for name, token := range cases {
		if _, err := r.ResolveIdentity(token); err != ErrInvalidToken {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestResolveIdentity_WrongSecret(t *testing.T) {
	issuer := NewResolver("secret-a")
	verifier := NewResolver("secret-b")

	token, err := issuer.Sign("user-7", time.Minute)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if _, err := verifier.ResolveIdentity(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestResolveIdentity_Expired(t *testing.T) {
	r := NewResolver("test-secret")

	token, err := r.Sign("user-7", -time.Minute)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if _, err := r.ResolveIdentity(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}
