package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/congo-pay/custody/internal/ledger"
)

var owner = ledger.MustParseAddress("0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb")

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("s3cret", time.Minute)
	signed, exp, err := tokens.Issue(owner)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry in the past: %v", exp)
	}

	got, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != owner {
		t.Fatalf("expected %s, got %s", owner, got)
	}
}

func TestTokensRejectWrongSecret(t *testing.T) {
	signed, _, err := NewTokens("one", time.Minute).Issue(owner)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewTokens("two", time.Minute).Verify(signed); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestTokensRejectExpired(t *testing.T) {
	tokens := NewTokens("s3cret", time.Minute)
	signed, _, err := tokens.Issue(owner)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tokens.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := tokens.Verify(signed); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestTokensRejectBadSubject(t *testing.T) {
	exp := time.Now().Add(time.Minute).Unix()
	signed, err := SignHS256(map[string]any{"sub": "not-an-address", "exp": exp}, []byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewTokens("s3cret", 0).Verify(signed); !errors.Is(err, ledger.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestTokensRequireExpiry(t *testing.T) {
	cases := map[string]map[string]any{
		"missing":    {"sub": owner.String()},
		"string":     {"sub": owner.String(), "exp": "tomorrow"},
		"null":       {"sub": owner.String(), "exp": nil},
		"structured": {"sub": owner.String(), "exp": map[string]any{"at": 1}},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			signed, err := SignHS256(claims, []byte("s3cret"))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := NewTokens("s3cret", 0).Verify(signed); !errors.Is(err, ErrTokenNoExpiry) {
				t.Fatalf("expected token without expiry to be rejected, got %v", err)
			}
		})
	}
}

func TestParseRejectsOtherAlgorithms(t *testing.T) {
	signed, err := SignHS256(map[string]any{"sub": owner.String()}, []byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(signed, ".")
	forged := b64.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) + "." + parts[1] + "." + parts[2]
	if _, err := ParseAndVerifyHS256(forged, []byte("s3cret")); err == nil {
		t.Fatal("expected alg none to be rejected")
	}
}
