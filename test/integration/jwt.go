package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key-1"

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer holds an RSA key pair for signing JWTs and serves a JWKS endpoint.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
	jwksHits   atomic.Int32
	issuer     string
	audience   string
}

// newTokenIssuer creates a token issuer with a fresh RSA key pair and
// a test JWKS server.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	jwk := map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}

	ti := &tokenIssuer{
		privateKey: key,
		issuer:     "https://auth.test.pipeline.dev",
		audience:   "pipeline-api-test",
	}
	ti.jwksServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ti.jwksHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{jwk},
		})
	}))
	t.Cleanup(ti.jwksServer.Close)

	return ti
}

func (ti *tokenIssuer) claims(c TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(expiresAt),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"email":     c.Email,
	}
	if len(c.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, c.Extra)
	return mapClaims
}

func (ti *tokenIssuer) sign(method jwt.SigningMethod, claims jwt.MapClaims, key any) string {
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
// Entries in claims.Extra override the standard claims, so a test can forge
// a wrong issuer or audience.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodRS256, ti.claims(claims, now, now.Add(time.Hour)), ti.privateKey)
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodRS256, ti.claims(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)), ti.privateKey)
}

// GenerateForeignToken creates a well-formed token signed by a key the JWKS
// endpoint does not publish.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate RSA key: " + err.Error())
	}
	now := time.Now()
	return ti.sign(jwt.SigningMethodRS256, ti.claims(claims, now, now.Add(time.Hour)), other)
}

// GenerateHMACToken creates a token using a symmetric algorithm the server
// does not accept.
func (ti *tokenIssuer) GenerateHMACToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodHS256, ti.claims(claims, now, now.Add(time.Hour)), []byte("shared-secret"))
}

// JWKSURL returns the URL of the JWKS endpoint served by this issuer.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwksServer.URL
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
