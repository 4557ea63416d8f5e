package security_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/paigeant/security"
)

// jwksFixture serves a JWKS for a generated RSA key and mints tokens
// signed with it.
type jwksFixture struct {
	key     *rsa.PrivateKey
	kid     string
	server  *httptest.Server
	fetches atomic.Int64
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := &jwksFixture{key: key, kid: "test-key-1"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		doc := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": f.kid,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) token(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": "user-7",
		"aud": "paigeant",
		"iss": "https://issuer.example",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func TestOBOVerifyValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := security.NewOBOVerifier(f.server.URL,
		security.WithAudience("paigeant"),
		security.WithIssuer("https://issuer.example"),
	)
	require.NoError(t, err)

	token := f.token(t, baseClaims(), f.kid)
	assert.NoError(t, v.Verify(context.Background(), token))
}

func TestOBOVerifyCachesJWKS(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := security.NewOBOVerifier(f.server.URL)
	require.NoError(t, err)

	token := f.token(t, baseClaims(), f.kid)
	require.NoError(t, v.Verify(context.Background(), token))
	require.NoError(t, v.Verify(context.Background(), token))
	assert.Equal(t, int64(1), f.fetches.Load(), "second verification reuses the cached key set")
}

func TestOBOVerifyUnknownKid(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := security.NewOBOVerifier(f.server.URL)
	require.NoError(t, err)

	token := f.token(t, baseClaims(), "rotated-away")
	err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, security.ErrNoMatchingKey)
}

func TestOBOVerifyExpiredToken(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := security.NewOBOVerifier(f.server.URL)
	require.NoError(t, err)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	err = v.Verify(context.Background(), f.token(t, claims, f.kid))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestOBOVerifyLeewayToleratesSkew(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := security.NewOBOVerifier(f.server.URL, security.WithLeeway(2*time.Minute))
	require.NoError(t, err)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	assert.NoError(t, v.Verify(context.Background(), f.token(t, claims, f.kid)))
}

func TestOBOVerifyAudienceMismatch(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := security.NewOBOVerifier(f.server.URL, security.WithAudience("other-service"))
	require.NoError(t, err)

	err = v.Verify(context.Background(), f.token(t, baseClaims(), f.kid))
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)
}

func TestOBOVerifyMissingToken(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := security.NewOBOVerifier(f.server.URL)
	require.NoError(t, err)
	assert.Error(t, v.Verify(context.Background(), ""))
}
