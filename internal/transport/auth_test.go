package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/model"
)

const testKid = "test-key-1"

func newTestKeys(t *testing.T) (*rsa.PrivateKey, *httptest.Server) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pub := key.Public().(*rsa.PublicKey)
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKid,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwksServer.Close)
	return key, jwksServer
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestVerifier(jwksURL string) *TokenVerifier {
	return NewTokenVerifier(config.IdentityConfig{
		Issuer:       "https://auth.test",
		Audience:     "steward",
		Algorithms:   []string{"RS256"},
		JWKSURL:      jwksURL,
		JWKSCacheTTL: time.Hour,
	}, nil)
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       "https://auth.test",
		"aud":       "steward",
		"sub":       "user-42",
		"tenant_id": "t1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

func runAuth(t *testing.T, v *TokenVerifier, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	var sawClaims map[string]any
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/solutions", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK && sawClaims == nil {
		t.Error("handler ran but no claims stored in context")
	}
	return rec
}

func TestTokenVerifier_validToken(t *testing.T) {
	key, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	rec := runAuth(t, v, "Bearer "+signToken(t, key, validClaims()))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestTokenVerifier_missingHeader(t *testing.T) {
	_, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	rec := runAuth(t, v, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTokenVerifier_malformedHeader(t *testing.T) {
	_, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	rec := runAuth(t, v, "Basic dXNlcjpwYXNz")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTokenVerifier_expiredToken(t *testing.T) {
	key, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	rec := runAuth(t, v, "Bearer "+signToken(t, key, claims))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTokenVerifier_wrongAudience(t *testing.T) {
	key, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	claims := validClaims()
	claims["aud"] = "another-service"
	rec := runAuth(t, v, "Bearer "+signToken(t, key, claims))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTokenVerifier_wrongSigningKey(t *testing.T) {
	_, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rec := runAuth(t, v, "Bearer "+signToken(t, other, validClaims()))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTokenVerifier_unknownKid(t *testing.T) {
	_, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	if _, err := v.lookup("no-such-kid"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestTokenVerifier_servesCachedKeyAfterOutage(t *testing.T) {
	_, server := newTestKeys(t)
	v := newTestVerifier(server.URL)

	if _, err := v.lookup(testKid); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// Kill the endpoint and age the cache past its TTL: the verifier must
	// degrade to the stale key rather than reject every token.
	server.Close()
	v.mu.Lock()
	v.fetched = time.Now().Add(-2 * time.Hour)
	v.mu.Unlock()

	if _, err := v.lookup(testKid); err != nil {
		t.Errorf("stale key not served during outage: %v", err)
	}
}

func TestTokenVerifier_skipsUnsupportedKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pub := key.Public().(*rsa.PublicKey)
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{"kty": "OKP", "kid": "ed-key", "crv": "Ed25519"},
				{
					"kty": "RSA",
					"kid": testKid,
					"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(server.Close)

	v := newTestVerifier(server.URL)
	if _, err := v.lookup(testKid); err != nil {
		t.Errorf("parseable key rejected alongside unsupported one: %v", err)
	}
	if _, err := v.lookup("ed-key"); err == nil {
		t.Error("unsupported key type should not resolve")
	}
}

func TestBuildExecutionContext_mapsClaims(t *testing.T) {
	claimPaths := map[string]string{
		"caller_id":    "sub",
		"tenant_id":    "tenant_id",
		"capabilities": "capabilities",
	}
	var gotTenant, gotCaller string
	var hasCap bool
	handler := BuildExecutionContext(claimPaths, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ectx := model.ExecutionContextFrom(r.Context())
		gotTenant = ectx.TenantID
		gotCaller = ectx.CallerID
		hasCap = ectx.Capabilities.Has("orders:place:execute")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{
		"sub":          "user-42",
		"tenant_id":    "t1",
		"capabilities": []any{"orders:*"},
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotTenant != "t1" || gotCaller != "user-42" {
		t.Errorf("ectx = %q/%q", gotTenant, gotCaller)
	}
	if !hasCap {
		t.Error("wildcard capability not honored")
	}
}
