package auth

import (
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "lectern-auth",
		Audience:      "lectern-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
}

func TestIssueAndValidateSessionToken(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueSessionToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != 3600 {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != Subject {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueSessionToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "lectern-auth",
		Audience:      "lectern-api",
		Clock:         func() time.Time { return now },
	})

	token, _, err := issuer.IssueSessionToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "lectern-auth",
		Audience:      "another-service",
		Clock:         func() time.Time { return now },
	})

	token, _, err := issuer.IssueSessionToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected wrong audience to fail")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, err := issuer.ValidateToken("not-a-token"); err == nil {
		t.Fatalf("expected malformed token to fail")
	}
}

func TestIssueWithoutSecretFails(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := issuer.IssueSessionToken(); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	if _, err := issuer.ValidateToken("anything"); err == nil {
		t.Fatalf("expected missing secret to fail validation")
	}
}
