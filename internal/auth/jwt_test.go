package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidateHS256(t *testing.T) {
	v, err := NewJWTValidator("", "HS256", "s3cret")
	require.NoError(t, err)

	c, err := v.Validate(signHS(t, "s3cret", jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}))
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.False(t, c.IsModerator)

	c, err = v.Validate(signHS(t, "s3cret", jwt.MapClaims{"user_id": "u2", "role": "moderator"}))
	require.NoError(t, err)
	assert.Equal(t, "u2", c.UserID)
	assert.True(t, c.IsModerator)

	_, err = v.Validate(signHS(t, "other", jwt.MapClaims{"sub": "u1"}))
	assert.Error(t, err)

	_, err = v.Validate(signHS(t, "s3cret", jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()}))
	assert.Error(t, err)

	_, err = v.Validate(signHS(t, "s3cret", jwt.MapClaims{"role": "admin"}))
	assert.Error(t, err)
}

func TestValidateRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := NewJWTValidator(path, "RS256", "")
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "u9", "role": "admin"}).SignedString(key)
	require.NoError(t, err)
	c, err := v.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "u9", c.UserID)
	assert.True(t, c.IsModerator)

	// an HS256 token must not pass an RS256 validator
	_, err = v.Validate(signHS(t, "whatever", jwt.MapClaims{"sub": "u9"}))
	assert.Error(t, err)
}

func TestNewJWTValidatorRejectsBadConfig(t *testing.T) {
	_, err := NewJWTValidator("", "HS256", "")
	assert.Error(t, err)
	_, err = NewJWTValidator("", "ES512", "x")
	assert.Error(t, err)
	_, err = NewJWTValidator(filepath.Join(t.TempDir(), "missing.pem"), "RS256", "")
	assert.Error(t, err)
}

func TestParseBearerToken(t *testing.T) {
	tok, err := ParseBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "abc", "Basic abc", "Bearer "} {
		_, err := ParseBearerToken(h)
		assert.Error(t, err, h)
	}
}
