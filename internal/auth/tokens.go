package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/congo-pay/custody/internal/ledger"
)

var (
	// ErrTokenExpired is returned for a correctly signed token past its exp claim.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNoExpiry is returned for a token without a numeric exp claim.
	ErrTokenNoExpiry = errors.New("token has no expiry")
)

// Tokens issues and verifies caller tokens. The subject of a token is the
// address whose balance the bearer may move.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens builds a token issuer/verifier. ttl defaults to one hour.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for account.
func (t *Tokens) Issue(account ledger.Address) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := map[string]any{
		"sub": account.String(),
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	signed, err := SignHS256(claims, t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry and returns the token's address.
func (t *Tokens) Verify(token string) (ledger.Address, error) {
	claims, err := ParseAndVerifyHS256(token, t.secret)
	if err != nil {
		return ledger.Address{}, err
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return ledger.Address{}, ErrTokenNoExpiry
	}
	if t.now().Unix() >= int64(exp) {
		return ledger.Address{}, ErrTokenExpired
	}
	sub, _ := claims["sub"].(string)
	addr, err := ledger.ParseAddress(sub)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("token subject: %w", err)
	}
	return addr, nil
}
