// Package security implements the optional trust hooks of the envelope:
// on-behalf-of token verification against a JWKS endpoint, and a matched
// signer/verifier pair for the envelope signature. Both hooks are opt-in;
// the engine carries the fields opaquely when no verifier is configured.
package security

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoMatchingKey is returned when the token's kid is absent from the JWKS.
var ErrNoMatchingKey = errors.New("no matching JWK for token")

// DefaultJWKSTTL is how long a fetched key set is reused before the
// verifier refreshes it.
const DefaultJWKSTTL = 5 * time.Minute

type (
	// OBOOption configures an OBOVerifier.
	OBOOption func(*OBOVerifier)

	// OBOVerifier validates on-behalf-of JWTs against a remote JWKS. The
	// key set is cached and refreshed on expiry; a token whose kid is not
	// cached forces a refresh before the verdict.
	OBOVerifier struct {
		jwksURL  string
		audience string
		issuer   string
		leeway   time.Duration
		ttl      time.Duration
		client   *http.Client

		mu        sync.Mutex
		keys      map[string]*rsa.PublicKey
		fetchedAt time.Time
	}

	jwks struct {
		Keys []jwk `json:"keys"`
	}

	jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
)

// WithHTTPClient overrides the HTTP client used to fetch the JWKS.
func WithHTTPClient(client *http.Client) OBOOption {
	return func(v *OBOVerifier) { v.client = client }
}

// WithAudience requires the token's aud claim to match.
func WithAudience(aud string) OBOOption {
	return func(v *OBOVerifier) { v.audience = aud }
}

// WithIssuer requires the token's iss claim to match.
func WithIssuer(iss string) OBOOption {
	return func(v *OBOVerifier) { v.issuer = iss }
}

// WithLeeway tolerates clock skew on the time-based claims.
func WithLeeway(d time.Duration) OBOOption {
	return func(v *OBOVerifier) { v.leeway = d }
}

// WithJWKSTTL overrides how long a fetched key set is reused.
func WithJWKSTTL(d time.Duration) OBOOption {
	return func(v *OBOVerifier) {
		if d > 0 {
			v.ttl = d
		}
	}
}

// NewOBOVerifier builds a verifier for tokens signed by the keys published
// at jwksURL.
func NewOBOVerifier(jwksURL string, opts ...OBOOption) (*OBOVerifier, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	v := &OBOVerifier{
		jwksURL: jwksURL,
		ttl:     DefaultJWKSTTL,
		client:  &http.Client{Timeout: 5 * time.Second},
		keys:    make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify validates the token's signature and claims. A missing token is
// rejected; workflows dispatched without an OBO token should not configure
// a verifier.
func (v *OBOVerifier) Verify(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("obo token is missing")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	}, parserOpts...)
	if err != nil {
		return fmt.Errorf("verify obo token: %w", err)
	}
	return nil
}

// key returns the cached public key for kid, refreshing the JWKS when the
// cache is stale or the kid is unknown.
func (v *OBOVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.keys[kid]; ok && time.Since(v.fetchedAt) < v.ttl {
		return key, nil
	}
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrNoMatchingKey, kid)
	}
	return key, nil
}

// refresh fetches the JWKS and replaces the cached key set. Callers hold
// the mutex.
func (v *OBOVerifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}
	var set jwks
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			return fmt.Errorf("parse jwk %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	v.keys = keys
	v.fetchedAt = time.Now()
	return nil
}

// publicKey reconstructs the RSA public key from the base64url modulus and
// exponent.
func (k jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() <= 0 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(exp.Int64()),
	}, nil
}
