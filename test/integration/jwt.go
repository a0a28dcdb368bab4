package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims describes the caller a token is minted for. Extra claims are
// merged over the standard ones.
type TestClaims struct {
	SubjectID string
	Email     string
	Role      string
	Extra     map[string]any
}

// tokenIssuer plays the identity provider: it signs ES256 tokens and
// publishes the matching key set.
type tokenIssuer struct {
	t      *testing.T
	kid    string
	key    *ecdsa.PrivateKey
	keys   *httptest.Server
	issuer string
	aud    string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	ti := &tokenIssuer{
		t:      t,
		kid:    "fleet-idp-1",
		key:    key,
		issuer: "https://id.fleet.test",
		aud:    "modulus-console",
	}

	set, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": ti.kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(key.PublicKey.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(key.PublicKey.Y.FillBytes(make([]byte, 32))),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}
	ti.keys = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(set)
	}))
	t.Cleanup(ti.keys.Close)
	return ti
}

func (ti *tokenIssuer) mint(c TestClaims, validFrom time.Time, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.aud,
		"sub": c.SubjectID,
		"iat": validFrom.Unix(),
		"exp": validFrom.Add(ttl).Unix(),
	}
	if c.Email != "" {
		claims["email"] = c.Email
	}
	if c.Role != "" {
		claims["role"] = c.Role
	}
	for k, v := range c.Extra {
		claims[k] = v
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = ti.kid
	signed, err := tok.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.mint(c, time.Now(), time.Hour)
}

// GenerateExpiredToken mints a token whose validity ended an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.mint(c, time.Now().Add(-2*time.Hour), time.Hour)
}

// JWKSURL is where the key set is published.
func (ti *tokenIssuer) JWKSURL() string { return ti.keys.URL }

// Issuer is the iss claim every token carries.
func (ti *tokenIssuer) Issuer() string { return ti.issuer }

// Audience is the aud claim every token carries.
func (ti *tokenIssuer) Audience() string { return ti.aud }

// Algorithm is the signing algorithm of every token.
func (ti *tokenIssuer) Algorithm() string { return jwt.SigningMethodES256.Alg() }
