package transport

import (
	"context"
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

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/model"
)

// JWKSClient fetches and caches the signing keys of the identity provider.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
}

// NewJWKSClient creates a client for the JWKS at url. Keys are refetched once
// ttl has passed, or when an unknown kid shows up, but never more than once
// per minute.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       make(map[string]crypto.PublicKey),
	}
}

// Key returns the public key with the given kid.
func (c *JWKSClient) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.lastFetch) <= c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			c.logger.Warn("jwks refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

// HealthCheck reports whether the key set has been fetched at least once or
// can be fetched now.
func (c *JWKSClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	loaded := len(c.keys) > 0
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.refresh(ctx)
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.RLock()
	tooSoon := len(c.keys) > 0 && time.Since(c.lastFetch) < c.minRefresh
	c.mu.RUnlock()
	if tooSoon {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		kid, _ := jwk["kid"].(string)
		if kid == "" {
			continue
		}
		key, err := parseJWK(jwk)
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", kid), zap.Error(err))
			continue
		}
		keys[kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()
	return nil
}

func parseJWK(jwk map[string]any) (crypto.PublicKey, error) {
	switch kty, _ := jwk["kty"].(string); kty {
	case "RSA":
		return parseRSAKey(jwk)
	case "EC":
		return parseECKey(jwk)
	default:
		return nil, fmt.Errorf("unsupported key type %q", kty)
	}
}

func decodeB64Field(jwk map[string]any, name string) ([]byte, error) {
	s, _ := jwk[name].(string)
	if s == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return b, nil
}

func parseRSAKey(jwk map[string]any) (*rsa.PublicKey, error) {
	n, err := decodeB64Field(jwk, "n")
	if err != nil {
		return nil, err
	}
	e, err := decodeB64Field(jwk, "e")
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

func parseECKey(jwk map[string]any) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv, _ := jwk["crv"].(string); crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
	x, err := decodeB64Field(jwk, "x")
	if err != nil {
		return nil, err
	}
	y, err := decodeB64Field(jwk, "y")
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// KeySource resolves token signing keys by kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// JWTAuthenticator returns middleware that verifies the bearer token and
// stores its claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, keys KeySource) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errMissingKid
				}
				return keys.Key(r.Context(), kid)
			}, opts...)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

var errMissingKid = errors.New("missing kid in token header")

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, errMissingKid), strings.Contains(err.Error(), "signing key"):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	default:
		return "Invalid token"
	}
}
