package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpaqueIssuer_IssueAndVerify(t *testing.T) {
	iss := NewOpaqueIssuer()
	a, err := iss.Issue(TokenClaims{TokenID: "t1"})
	require.NoError(t, err)
	b, err := iss.Issue(TokenClaims{TokenID: "t1"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "values must not repeat for identical claims")
	assert.True(t, strings.HasPrefix(a, "st_"))
	assert.NoError(t, iss.Verify(a))
	assert.Equal(t, FormatOpaque, iss.Format())
}

func TestOpaqueIssuer_VerifyRejectsMalformed(t *testing.T) {
	iss := NewOpaqueIssuer()
	for _, v := range []string{"", "st_", "st_short", "xx_" + strings.Repeat("A", 43), "st_!!!"} {
		assert.ErrorIs(t, iss.Verify(v), ErrInvalidToken, v)
	}
}

func TestJWTIssuer_IssueAndParse(t *testing.T) {
	iss, err := NewTestJWTIssuer()
	require.NoError(t, err)

	exp := time.Now().Add(time.Minute)
	value, err := iss.Issue(TokenClaims{TokenID: "tok-1", TenantID: "t1", Subject: "u1", TokenType: "access", ExpiresAt: exp})
	require.NoError(t, err)
	assert.NotContains(t, value, "session")

	claims, err := iss.Parse(value)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", claims.ID)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, "access", claims.TokenType)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, FormatJWT, iss.Format())
}

func TestJWTIssuer_VerifyRejects(t *testing.T) {
	iss, err := NewTestJWTIssuer()
	require.NoError(t, err)

	expired, err := iss.Issue(TokenClaims{TokenID: "x", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	assert.ErrorIs(t, iss.Verify(expired), ErrInvalidToken)

	valid, err := iss.Issue(TokenClaims{TokenID: "x", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.ErrorIs(t, iss.Verify(valid+"x"), ErrInvalidToken)
	assert.ErrorIs(t, iss.Verify("not-a-jwt"), ErrInvalidToken)

	other := NewJWTIssuer(iss.privateKey, iss.publicKey, "other-issuer", "test-audience")
	assert.ErrorIs(t, other.Verify(valid), ErrInvalidToken)
}

func TestHashToken(t *testing.T) {
	h := HashToken("value")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("value"))
	assert.True(t, TokenHashEqual("value", h))
	assert.False(t, TokenHashEqual("other", h))
}

func TestLoadKeyPair(t *testing.T) {
	signer, pub, err := LoadKeyPair(testPrivateKeyPEM, testPublicKeyPEM)
	require.NoError(t, err)
	assert.Equal(t, "RS256", KeyAlg(pub))
	assert.Equal(t, "RS256", KeyAlg(signer.Public()))

	escaped := strings.ReplaceAll(testPublicKeyPEM, "\n", `\n`)
	_, _, err = LoadKeyPair(testPrivateKeyPEM, escaped)
	assert.NoError(t, err)

	_, _, err = LoadKeyPair("", testPublicKeyPEM)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, _, err = LoadKeyPair("-----BEGIN GARBAGE-----", testPublicKeyPEM)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, _, err = LoadKeyPair("/nonexistent/key.pem", testPublicKeyPEM)
	assert.Error(t, err)
}
