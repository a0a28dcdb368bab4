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
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/model"
)

const (
	jwksMaxBody    = 1 << 20
	jwksMinRefresh = 5 * time.Minute
	tokenLeeway    = 30 * time.Second
)

// JWKSClient caches the identity provider's signing keys by kid.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// JWKSOption configures a JWKSClient.
type JWKSOption func(*JWKSClient)

// WithJWKSLogger logs refresh failures and skipped keys to logger.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewJWKSClient creates a client for the key set at url, refreshed at most
// every ttl.
func NewJWKSClient(url string, ttl time.Duration, opts ...JWKSOption) *JWKSClient {
	c := &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: jwksMinRefresh,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		keys:       make(map[string]crypto.PublicKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Since(c.fetchedAt) <= c.ttl
}

// GetKey returns the key for kid, refreshing the set when kid is unknown
// or the cache is stale. A failed refresh falls back to a cached key.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	if key, ok, fresh := c.cached(kid); ok && fresh {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		if key, ok, _ := c.cached(kid); ok {
			c.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: %w", err)
	}

	if key, ok, _ := c.cached(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
}

// jsonWebKey holds the members of RFC 7517 keys this client understands.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	throttled := len(c.keys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
	c.mu.RUnlock()
	if throttled {
		return nil
	}

	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key set endpoint answered %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&set); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kid == "" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			c.logger.Warn("skipping unusable signing key", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		if key != nil {
			keys[jwk.Kid] = key
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// publicKey decodes k. Key types other than RSA and EC yield nil.
func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int(k.N, "n")
		if err != nil {
			return nil, err
		}
		e, err := b64Int(k.E, "e")
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := b64Int(k.X, "x")
		if err != nil {
			return nil, err
		}
		y, err := b64Int(k.Y, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	return nil, nil
}

func b64Int(s, member string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", member)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", member, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

var (
	errNoHMACSecret = errors.New("hmac tokens are not accepted")
	errNoJWKS       = errors.New("asymmetric tokens are not accepted")
	errNoKid        = errors.New("token header has no kid")
)

// JWTAuthenticator returns middleware that verifies the bearer token and
// stores its claims in the request context. HMAC-signed tokens are checked
// against hmacSecret and all others against jwks; either may be nil when
// that kind of token is not accepted.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient, hmacSecret []byte) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(token *jwt.Token) (any, error) {
		if _, hmac := token.Method.(*jwt.SigningMethodHMAC); hmac {
			if len(hmacSecret) == 0 {
				return nil, errNoHMACSecret
			}
			return hmacSecret, nil
		}
		if jwks == nil {
			return nil, errNoJWKS
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errNoKid
		}
		return jwks.GetKey(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteError(w, model.NewUnauthorizedError("Missing bearer token"))
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				WriteError(w, model.NewUnauthorizedError(tokenErrorMessage(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken returns the credentials of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// tokenErrorMessage names the first reason a token was refused. The
// parser reports an algorithm outside the allow list as an invalid
// signature, so that case is matched before the signature check.
func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, errNoHMACSecret), errors.Is(err, errNoJWKS), strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	}
	return "Invalid token"
}

// RequireRole rejects callers whose role is not one of roles with
// FORBIDDEN. It runs after BuildRequestContext.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := model.NewRoleSet(roles...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil || !allowed.Allows(rctx.Role) {
				WriteForbidden(w, "Settings require an administrator role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// claimText resolves a dot path through the claims, as text.
func claimText(claims map[string]any, path string) string {
	v := model.FromAny(claims).At(path)
	if s, ok := v.AsString(); ok {
		return s
	}
	return ""
}

// claimList resolves a dot path to a list of strings. A single string
// claim is a one-element list.
func claimList(claims map[string]any, path string) []string {
	v := model.FromAny(claims).At(path)
	if s, ok := v.AsString(); ok && s != "" {
		return []string{s}
	}
	items, _ := v.AsList()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.AsString(); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
