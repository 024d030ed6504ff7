// Package jwks implements gate.TokenVerifier against the issuer's published
// JSON Web Key Set (RFC 7517).
//
// RSA public keys are fetched from the JWKS endpoint, cached with a TTL, and
// replaced wholesale on refresh. Token signature, audience, issuer, and
// expiry are verified locally (RS256) without calling the identity provider
// per request. Compatible with any OIDC-compliant issuer.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gate "github.com/unstuckgg/gate-go"
	"golang.org/x/sync/singleflight"
)

// Verifier implements gate.TokenVerifier using JWKS public keys.
type Verifier struct {
	jwksURL    string
	audience   string
	issuer     string
	httpClient *http.Client
	cacheTTL   time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey // kid → public key
	expiry time.Time

	sf singleflight.Group
}

// compile-time check
var _ gate.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client for fetching the key set.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithCacheTTL sets how long a fetched key set is reused before it must be
// refetched. Default: 1 hour.
func WithCacheTTL(d time.Duration) Option {
	return func(v *Verifier) { v.cacheTTL = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a JWKS-based token verifier that checks tokens against
// the expected audience and issuer.
func NewVerifier(jwksURL, audience, issuer string, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL:    jwksURL,
		audience:   audience,
		issuer:     issuer,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   1 * time.Hour,
		now:        time.Now,
		keys:       make(map[string]*rsa.PublicKey),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify validates a token string and returns the identity it proves.
// Failures are *gate.AuthError with the specific failure code, or
// *gate.ServiceUnavailableError when the key set cannot be fetched.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*gate.Identity, error) {
	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
	)

	token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, &gate.AuthError{
				Code:        gate.AuthInvalidHeader,
				Description: "Invalid header: Use an RS256 signed JWT Access Token",
			}
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, &gate.AuthError{
				Code:        gate.AuthInvalidHeader,
				Description: "Authorization malformed: missing kid",
			}
		}
		return v.getKey(ctx, kid)
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, &gate.AuthError{Code: gate.AuthInvalidToken, Description: "Invalid token"}
	}

	return identityFromClaims(claims), nil
}

// getKey returns the public key for kid from the cached key set, refetching
// the set first when the cache has expired. A kid absent from the current
// set fails without attempting verification with a wrong key.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, found := v.keys[kid]
	fresh := v.now().Before(v.expiry)
	v.mu.RUnlock()

	if fresh {
		if found {
			return key, nil
		}
		return nil, &gate.AuthError{
			Code:        gate.AuthInvalidHeader,
			Description: "Unable to find appropriate key",
		}
	}

	// singleflight prevents concurrent requests from hammering the issuer
	if _, err, _ := v.sf.Do("refresh", func() (interface{}, error) {
		return nil, v.refresh(ctx)
	}); err != nil {
		return nil, &gate.ServiceUnavailableError{Cause: err}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, &gate.AuthError{
		Code:        gate.AuthInvalidHeader,
		Description: "Unable to find appropriate key",
	}
}

// refresh fetches the key set from the configured URL and replaces the cache
// wholesale. No retry happens here; the caller surfaces the failure.
func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("gate/jwks: create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gate/jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gate/jwks: fetch returned status %d", resp.StatusCode)
	}

	var doc keySetDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("gate/jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue // skip malformed keys
		}
		keys[k.Kid] = pub
	}

	if len(keys) == 0 {
		return fmt.Errorf("gate/jwks: no valid RSA signing keys found")
	}

	v.mu.Lock()
	v.keys = keys
	v.expiry = v.now().Add(v.cacheTTL)
	v.mu.Unlock()

	return nil
}

// classify maps parse failures onto the authentication error taxonomy.
// Errors raised by the key lookup pass through unchanged.
func classify(err error) error {
	var authErr *gate.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	var svcErr *gate.ServiceUnavailableError
	if errors.As(err, &svcErr) {
		return svcErr
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &gate.AuthError{Code: gate.AuthTokenExpired, Description: "Token has expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &gate.AuthError{Code: gate.AuthInvalidAudience, Description: "Invalid audience"}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &gate.AuthError{Code: gate.AuthInvalidIssuer, Description: "Invalid issuer"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &gate.AuthError{Code: gate.AuthInvalidSignature, Description: "Invalid signature"}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &gate.AuthError{
			Code:        gate.AuthInvalidHeader,
			Description: "Invalid header: Use an RS256 signed JWT Access Token",
		}
	default:
		return &gate.AuthError{
			Code:        gate.AuthInvalidToken,
			Description: fmt.Sprintf("Unable to parse authentication token: %v", err),
		}
	}
}

// JWKS JSON types

type keySetDocument struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *jwkKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// identityFromClaims builds the normalized identity from verified claims,
// merging the space-delimited scope claim and the explicit permissions claim.
func identityFromClaims(m jwt.MapClaims) *gate.Identity {
	id := &gate.Identity{}

	if v, ok := m["sub"].(string); ok {
		id.Subject = v
	}
	if v, ok := m["email"].(string); ok {
		id.Email = v
	}
	if v, ok := m["name"].(string); ok && v != "" {
		id.Name = v
	} else if v, ok := m["nickname"].(string); ok {
		id.Name = v
	}

	scope, _ := m["scope"].(string)
	var perms []string
	if raw, ok := m["permissions"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				perms = append(perms, s)
			}
		}
	}
	id.Permissions = gate.MergePermissions(scope, perms)

	return id
}
