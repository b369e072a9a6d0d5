package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestStreamTokenIssuerIssuesNodeTokens(t *testing.T) {
	issuer, err := NewStreamTokenIssuer(StreamTokenConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "doorsync-test",
		Audience:      "doorsync-stream",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.Issue(42)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "42" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "doorsync-test" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}

	nodeID, err := issuer.Validate(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if nodeID != 42 {
		t.Fatalf("unexpected node id %d", nodeID)
	}
}

func TestStreamTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewStreamTokenIssuer(StreamTokenConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}

func TestStreamTokenValidationFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	issuer, err := NewStreamTokenIssuer(StreamTokenConfig{
		SigningSecret: []byte("secret"),
		TokenTTL:      time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	token, _, err := issuer.Issue(7)
	if err != nil {
		t.Fatalf("unexpected issuance error: %v", err)
	}

	if _, err := issuer.Validate(""); !errors.Is(err, ErrMissingStreamToken) {
		t.Fatalf("expected ErrMissingStreamToken, got %v", err)
	}
	if _, err := issuer.Validate("invalid.token"); !errors.Is(err, ErrInvalidStreamToken) {
		t.Fatalf("expected ErrInvalidStreamToken, got %v", err)
	}

	other, _ := NewStreamTokenIssuer(StreamTokenConfig{SigningSecret: []byte("other"), Clock: clock})
	if _, err := other.Validate(token); !errors.Is(err, ErrInvalidStreamToken) {
		t.Fatalf("expected signature mismatch to be rejected, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := issuer.Validate(token); !errors.Is(err, ErrExpiredStreamToken) {
		t.Fatalf("expected ErrExpiredStreamToken, got %v", err)
	}
	if _, _, err := issuer.Issue(0); !errors.Is(err, ErrInvalidNodeSubject) {
		t.Fatalf("expected ErrInvalidNodeSubject, got %v", err)
	}
}
