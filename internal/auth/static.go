// ABOUTME: Static token verification using bcrypt-hashed tokens from config
// ABOUTME: Fallback for deployments that do not mint JWTs

package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// StaticToken pairs an identity with the bcrypt hash of its token.
type StaticToken struct {
	Identity string
	Hash     string
}

// StaticVerifier implements Verifier against a fixed set of bcrypt-hashed
// tokens, typically loaded from configuration.
type StaticVerifier struct {
	tokens []StaticToken
}

// NewStaticVerifier creates a verifier over the given token set.
func NewStaticVerifier(tokens []StaticToken) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

// Verify compares the presented token against every configured hash.
// bcrypt comparison is constant-time per entry.
func (v *StaticVerifier) Verify(token string) (string, error) {
	for _, st := range v.tokens {
		if bcrypt.CompareHashAndPassword([]byte(st.Hash), []byte(token)) == nil {
			return st.Identity, nil
		}
	}
	return "", ErrInvalidToken
}

// HashToken produces a bcrypt hash suitable for a StaticToken entry.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Chain tries each verifier in order and returns the first success.
// It fails with the last verifier's error when none match.
type Chain []Verifier

func (c Chain) Verify(token string) (string, error) {
	var lastErr error = ErrInvalidToken
	for _, v := range c {
		identity, err := v.Verify(token)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	return "", lastErr
}
