package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
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

	"github.com/pitabwire/pipeline/internal/config"
)

// --- Test helpers ---

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

// startJWKSServer serves keys and counts fetches.
func startJWKSServer(t *testing.T, keys ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "pipeline-api",
		Algorithms: []string{"RS256", "ES256"},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-alice",
		"tenant_id": "acme",
		"roles":     []string{"sales"},
		"iss":       "https://auth.example.com",
		"aud":       "pipeline-api",
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

// authenticate runs the authenticator over a request carrying header and
// returns the recorder and the claims the next handler saw.
func authenticate(t *testing.T, keys KeySource, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var seen map[string]any
	h := JWTAuthenticator(testIdentityCfg(), keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/v1/board", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, seen
}

// --- JWKSClient ---

func TestJWKSClient_Key(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey), ecJWK("ec-1", &ecKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	key, err := client.Key(context.Background(), "rsa-1")
	if err != nil {
		t.Fatalf("Key(rsa-1): %v", err)
	}
	if pub, ok := key.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Errorf("Key(rsa-1) = %T, want matching *rsa.PublicKey", key)
	}

	key, err = client.Key(context.Background(), "ec-1")
	if err != nil {
		t.Fatalf("Key(ec-1): %v", err)
	}
	if pub, ok := key.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Errorf("Key(ec-1) = %T, want matching *ecdsa.PublicKey", key)
	}

	if _, err := client.Key(context.Background(), "nope"); err == nil {
		t.Error("Key(nope) = nil error")
	}
}

func TestJWKSClient_caches(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, fetches := startJWKSServer(t, rsaJWK("k1", &rsaKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	client.Key(context.Background(), "k1")
	client.Key(context.Background(), "k1")
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	// An unknown kid inside the minimum refresh window does not refetch.
	client.Key(context.Background(), "k2")
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d after unknown kid, want 1", n)
	}
}

func TestJWKSClient_skipsBadKeys(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t,
		map[string]any{"kid": "oct", "kty": "oct", "k": "c2VjcmV0"},
		map[string]any{"kid": "bad-ec", "kty": "EC", "crv": "P-192", "x": "AA", "y": "AA"},
		rsaJWK("good", &rsaKey.PublicKey),
	)
	client := NewJWKSClient(srv.URL, time.Hour, nil)
	if _, err := client.Key(context.Background(), "good"); err != nil {
		t.Errorf("Key(good): %v", err)
	}
	if _, err := client.Key(context.Background(), "oct"); err == nil {
		t.Error("symmetric key was accepted")
	}
}

func TestJWKSClient_HealthCheck(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("k1", &rsaKey.PublicKey))
	if err := NewJWKSClient(srv.URL, time.Hour, nil).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	if err := NewJWKSClient(down.URL, time.Hour, nil).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() against a failing endpoint = nil")
	}
}

// --- JWTAuthenticator ---

func TestJWTAuthenticator_validTokens(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey), ecJWK("ec-1", &ecKey.PublicKey))
	keys := NewJWKSClient(srv.URL, time.Hour, nil)

	tokens := map[string]string{
		"RS256": signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims()),
		"ES256": signJWT(t, ecKey, jwt.SigningMethodES256, "ec-1", validClaims()),
	}
	for alg, token := range tokens {
		t.Run(alg, func(t *testing.T) {
			w, claims := authenticate(t, keys, "Bearer "+token)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
			}
			if claims["sub"] != "user-alice" || claims["tenant_id"] != "acme" {
				t.Errorf("claims = %v", claims)
			}
		})
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	rsaKey := generateRSAKey(t)
	otherKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey))
	keys := NewJWKSClient(srv.URL, time.Hour, nil)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing header", "", "Missing authorization header"},
		{"basic auth", "Basic dXNlcjpwYXNz", "Invalid authorization header format"},
		{"empty bearer", "Bearer ", "Invalid authorization header format"},
		{"garbage", "Bearer not.a.jwt", "Invalid token"},
		{"expired", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		})), "Token expired"},
		{"wrong issuer", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			c["iss"] = "https://evil.example.com"
		})), "Invalid token issuer"},
		{"wrong audience", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			c["aud"] = "billing-api"
		})), "Invalid token audience"},
		{"missing exp", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			delete(c, "exp")
		})), "Token is missing a required claim"},
		{"disallowed algorithm", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS512, "rsa-1", validClaims()), "Disallowed signing algorithm"},
		{"unknown kid", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-9", validClaims()), "Unknown signing key"},
		{"no kid", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "", validClaims()), "Unknown signing key"},
		{"wrong key", "Bearer " + signJWT(t, otherKey, jwt.SigningMethodRS256, "rsa-1", validClaims()), "Invalid token signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, claims := authenticate(t, keys, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if claims != nil {
				t.Error("next handler ran for a rejected token")
			}
			if got := decodeError(t, w).Message; got != tt.message {
				t.Errorf("message = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey))
	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))

	w, _ := authenticate(t, NewJWKSClient(srv.URL, time.Hour, nil), "Bearer "+signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", claims))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 within leeway", w.Code)
	}
}
