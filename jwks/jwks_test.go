package jwks_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gate "github.com/unstuckgg/gate-go"
	"github.com/unstuckgg/gate-go/jwks"
)

const (
	testAudience = "https://api.unstuck.gg"
	testIssuer   = "https://unstuck.auth0.com/"
	testKid      = "test-key-1"
)

// testSetup holds the signing key and a JWKS endpoint publishing its public half.
type testSetup struct {
	key        *rsa.PrivateKey
	server     *httptest.Server
	fetchCount *int
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	fetchCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount++
		writeKeySet(t, w, map[string]*rsa.PublicKey{testKid: &key.PublicKey})
	}))
	t.Cleanup(server.Close)

	return &testSetup{key: key, server: server, fetchCount: &fetchCount}
}

func writeKeySet(t *testing.T, w http.ResponseWriter, keys map[string]*rsa.PublicKey) {
	t.Helper()
	type jwk struct {
		Kty string `json:"kty"`
		Use string `json:"use"`
		Kid string `json:"kid"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}
	for kid, pub := range keys {
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		t.Errorf("encode key set: %v", err)
	}
}

func defaultClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "auth0|user-1",
		"email": "player@example.com",
		"name":  "Player One",
		"aud":   testAudience,
		"iss":   testIssuer,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func wantAuthCode(t *testing.T, err error, code string) *gate.AuthError {
	t.Helper()
	var authErr *gate.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got error %v (%T), want *gate.AuthError", err, err)
	}
	if authErr.Code != code {
		t.Fatalf("error code = %q (%s), want %q", authErr.Code, authErr.Description, code)
	}
	return authErr
}

func TestVerify_ValidToken(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	claims := defaultClaims()
	claims["scope"] = "read:chat write:chat"
	claims["permissions"] = []string{"write:chat", "admin"}

	id, err := v.Verify(context.Background(), signToken(t, setup.key, testKid, claims))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id.Subject != "auth0|user-1" {
		t.Errorf("Subject = %q", id.Subject)
	}
	if id.Email != "player@example.com" {
		t.Errorf("Email = %q", id.Email)
	}
	if id.Name != "Player One" {
		t.Errorf("Name = %q", id.Name)
	}
	want := []string{"read:chat", "write:chat", "admin"}
	if !reflect.DeepEqual(id.Permissions, want) {
		t.Errorf("Permissions = %v, want %v", id.Permissions, want)
	}
}

func TestVerify_NameFallsBackToNickname(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	claims := defaultClaims()
	delete(claims, "name")
	claims["nickname"] = "p1"

	id, err := v.Verify(context.Background(), signToken(t, setup.key, testKid, claims))
	if err != nil {
		t.Fatal(err)
	}
	if id.Name != "p1" {
		t.Errorf("Name = %q, want nickname fallback p1", id.Name)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := v.Verify(context.Background(), signToken(t, setup.key, testKid, claims))
	wantAuthCode(t, err, gate.AuthTokenExpired)
}

func TestVerify_WrongAudience(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	claims := defaultClaims()
	claims["aud"] = "https://other.example.com"

	_, err := v.Verify(context.Background(), signToken(t, setup.key, testKid, claims))
	wantAuthCode(t, err, gate.AuthInvalidAudience)
}

func TestVerify_WrongIssuer(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	claims := defaultClaims()
	claims["iss"] = "https://evil.example.com/"

	_, err := v.Verify(context.Background(), signToken(t, setup.key, testKid, claims))
	wantAuthCode(t, err, gate.AuthInvalidIssuer)
}

func TestVerify_WrongSigningKey(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	// Same kid, different private key: the published key rejects the signature.
	_, verr := v.Verify(context.Background(), signToken(t, otherKey, testKid, defaultClaims()))
	wantAuthCode(t, verr, gate.AuthInvalidSignature)
}

func TestVerify_UnknownKid(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	_, err := v.Verify(context.Background(), signToken(t, setup.key, "no-such-kid", defaultClaims()))
	authErr := wantAuthCode(t, err, gate.AuthInvalidHeader)
	if !strings.Contains(authErr.Description, "Unable to find appropriate key") {
		t.Errorf("Description = %q", authErr.Description)
	}
}

func TestVerify_MissingKid(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	_, err := v.Verify(context.Background(), signToken(t, setup.key, "", defaultClaims()))
	authErr := wantAuthCode(t, err, gate.AuthInvalidHeader)
	if !strings.Contains(authErr.Description, "missing kid") {
		t.Errorf("Description = %q", authErr.Description)
	}
}

func TestVerify_RejectsNonRSATokens(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, defaultClaims())
	token.Header["kid"] = testKid
	signed, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatal(err)
	}

	_, verr := v.Verify(context.Background(), signed)
	wantAuthCode(t, verr, gate.AuthInvalidHeader)
}

func TestVerify_MalformedToken(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	_, err := v.Verify(context.Background(), "not-a-jwt")
	wantAuthCode(t, err, gate.AuthInvalidHeader)
}

func TestVerify_KeySetUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	v := jwks.NewVerifier(server.URL, testAudience, testIssuer)

	_, verr := v.Verify(context.Background(), signToken(t, key, testKid, defaultClaims()))
	var svcErr *gate.ServiceUnavailableError
	if !errors.As(verr, &svcErr) {
		t.Fatalf("got %v (%T), want *gate.ServiceUnavailableError", verr, verr)
	}
}

func TestVerify_CachesKeySet(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), signToken(t, setup.key, testKid, defaultClaims())); err != nil {
			t.Fatalf("Verify() #%d error: %v", i+1, err)
		}
	}
	if *setup.fetchCount != 1 {
		t.Errorf("fetch count = %d, want 1 (key set cached within TTL)", *setup.fetchCount)
	}
}

func TestVerify_RefetchesAfterTTL(t *testing.T) {
	setup := newTestSetup(t)

	now := time.Now()
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer,
		jwks.WithCacheTTL(10*time.Minute),
		jwks.WithClock(func() time.Time { return now }),
	)

	token := signToken(t, setup.key, testKid, defaultClaims())
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	now = now.Add(11 * time.Minute)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	if *setup.fetchCount != 2 {
		t.Errorf("fetch count = %d, want 2 (TTL expiry forces refetch)", *setup.fetchCount)
	}
}

func TestVerify_UnknownKidDoesNotForceRefetch(t *testing.T) {
	setup := newTestSetup(t)
	v := jwks.NewVerifier(setup.server.URL, testAudience, testIssuer)

	if _, err := v.Verify(context.Background(), signToken(t, setup.key, testKid, defaultClaims())); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(context.Background(), signToken(t, setup.key, "rotated-away", defaultClaims())); err == nil {
		t.Fatal("unknown kid should fail")
	}
	if *setup.fetchCount != 1 {
		t.Errorf("fetch count = %d, want 1 (kid miss is terminal against the cached set)", *setup.fetchCount)
	}
}
