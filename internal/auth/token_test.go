// ABOUTME: Tests for JWT and static token verification
// ABOUTME: Covers expiry, wrong secret, bcrypt matching, and verifier chaining

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Generate("client-1", time.Hour)
	require.NoError(t, err)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", identity)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Generate("client-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v1, err := NewJWTVerifier([]byte("secret-one"))
	require.NoError(t, err)
	v2, err := NewJWTVerifier([]byte("secret-two"))
	require.NoError(t, err)

	token, err := v1.Generate("client-1", time.Hour)
	require.NoError(t, err)

	_, err = v2.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)

	v := NewStaticVerifier([]StaticToken{{Identity: "dashboard", Hash: hash}})

	identity, err := v.Verify("s3cret")
	require.NoError(t, err)
	assert.Equal(t, "dashboard", identity)

	_, err = v.Verify("wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChain_FallsThrough(t *testing.T) {
	jwtV, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	hash, err := HashToken("static-token")
	require.NoError(t, err)
	staticV := NewStaticVerifier([]StaticToken{{Identity: "cli", Hash: hash}})

	chain := Chain{jwtV, staticV}

	// JWT path
	token, err := jwtV.Generate("client-1", time.Hour)
	require.NoError(t, err)
	identity, err := chain.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", identity)

	// Static path
	identity, err = chain.Verify("static-token")
	require.NoError(t, err)
	assert.Equal(t, "cli", identity)

	// Neither
	_, err = chain.Verify("garbage")
	assert.Error(t, err)
}
