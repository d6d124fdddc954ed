package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/model"
)

// jwksRefreshFloor bounds how often a missing key may trigger a JWKS
// refetch, so a flood of tokens with bogus kids cannot hammer the IdP.
const jwksRefreshFloor = 5 * time.Minute

// TokenVerifier authenticates bearer tokens against the identity provider:
// signing keys come from the provider's JWKS endpoint and are cached for the
// configured TTL. When a refresh fails, previously fetched keys keep serving
// so a transient IdP outage does not take authentication down with it.
type TokenVerifier struct {
	cfg    config.IdentityConfig
	logger *zap.Logger
	client *http.Client

	mu      sync.Mutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// NewTokenVerifier creates a TokenVerifier for the given identity settings.
func NewTokenVerifier(cfg config.IdentityConfig, logger *zap.Logger) *TokenVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = time.Hour
	}
	return &TokenVerifier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Middleware verifies the Authorization header and stores the token's claims
// in the request context. Requests without a verifiable token never reach the
// wrapped handler.
func (v *TokenVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, failure := bearerToken(r)
		if failure != "" {
			WriteError(w, model.NewUnauthorizedError(failure))
			return
		}

		token, err := jwt.Parse(raw, v.signingKey,
			jwt.WithValidMethods(v.cfg.Algorithms),
			jwt.WithIssuer(v.cfg.Issuer),
			jwt.WithAudience(v.cfg.Audience),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			WriteError(w, model.NewUnauthorizedError(authFailureMessage(err)))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			WriteError(w, model.NewUnauthorizedError("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
	})
}

// bearerToken extracts the token from the Authorization header, returning a
// failure message when the header is absent or not a Bearer credential.
func bearerToken(r *http.Request) (token, failure string) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(h, "Bearer ") {
		return "", "Invalid authorization header format"
	}
	return strings.TrimPrefix(h, "Bearer "), ""
}

// signingKey is the jwt.Keyfunc: it resolves the token's kid against the
// cached key set.
func (v *TokenVerifier) signingKey(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token header carries no kid")
	}
	return v.lookup(kid)
}

// lookup returns the public key for kid, refetching the JWKS when the cache
// is past its TTL or the kid is unknown. A failed refetch falls back to the
// cached key if one exists.
func (v *TokenVerifier) lookup(kid string) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	age := time.Since(v.fetched)
	if key, ok := v.keys[kid]; ok && age < v.cfg.JWKSCacheTTL {
		return key, nil
	}

	if age >= jwksRefreshFloor || len(v.keys) == 0 {
		fresh, err := v.fetchKeySet()
		if err != nil {
			if key, ok := v.keys[kid]; ok {
				v.logger.Warn("jwks refresh failed, serving cached key", zap.Error(err))
				return key, nil
			}
			return nil, fmt.Errorf("jwks fetch: %w", err)
		}
		v.keys = fresh
		v.fetched = time.Now()
	}

	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key with id %q", kid)
	}
	return key, nil
}

// jwk is one JSON Web Key as served by the JWKS endpoint. Only the fields
// needed to reconstruct RSA and EC public keys are decoded.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// fetchKeySet downloads and parses the JWKS document. Keys that fail to
// parse are skipped, not fatal; an IdP may serve key types we do not use.
func (v *TokenVerifier) fetchKeySet() (map[string]crypto.PublicKey, error) {
	resp, err := v.client.Get(v.cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks document: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			v.logger.Warn("skipping unparseable jwk",
				zap.String("kid", k.Kid),
				zap.String("kty", k.Kty),
				zap.Error(err),
			)
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// publicKey reconstructs the crypto.PublicKey the jwk describes.
func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int(k.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := b64Int(k.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, err := namedCurve(k.Crv)
		if err != nil {
			return nil, err
		}
		x, err := b64Int(k.X)
		if err != nil {
			return nil, fmt.Errorf("x coordinate: %w", err)
		}
		y, err := b64Int(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func namedCurve(crv string) (elliptic.Curve, error) {
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
}

func b64Int(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty value")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// authFailureMessage maps verification failures to the stable messages the
// API returns. Matching is on the library's error sentinels, so the surface
// never leaks parser internals.
func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unable to verify token signing key"
	default:
		return "Invalid token"
	}
}
