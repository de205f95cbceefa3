/**
 * @description
 * Authentication middleware for the management API. Server-to-server callers present
 * the shared internal API key; dashboard users present a bearer JWT signed by a key
 * published at the configured JWKS endpoint.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For JWT parsing and signature verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ActorContextKey is a custom type for the context key to avoid collisions.
type ActorContextKey string

const actorKey ActorContextKey = "actor"

const (
	internalKeyHeader = "X-Internal-API-Key"
	actorHeader       = "X-Actor"
	defaultActor      = "internal"
	jwksCacheTTL      = 10 * time.Minute
)

// AuthMiddleware accepts either the internal API key or, when jwks is non-nil, a bearer
// JWT. The authenticated actor is stored on the request context.
func AuthMiddleware(internalKey string, jwks *JWKSCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get(internalKeyHeader); provided != "" {
				if internalKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(internalKey)) != 1 {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
					return
				}
				actor := strings.TrimSpace(r.Header.Get(actorHeader))
				if actor == "" {
					actor = defaultActor
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
				return
			}

			if jwks == nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			subject, err := jwks.Verify(tokenString)
			if err != nil {
				log.Printf("level=warn component=api msg=\"jwt rejected\" err=%v", err)
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, subject)))
		})
	}
}

// ActorFromContext returns the authenticated caller, or "internal" outside of a request.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return defaultActor
}

// JWKSCache verifies RS256 tokens against a JWKS endpoint, caching the parsed keys.
type JWKSCache struct {
	url    string
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	ttl       time.Duration
}

// NewJWKSCache returns nil when url is empty so callers can pass the result straight
// to AuthMiddleware.
func NewJWKSCache(url string) *JWKSCache {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
		ttl:    jwksCacheTTL,
	}
}

// Verify validates the token and returns its subject claim.
func (c *JWKSCache) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return c.key(kid)
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("subject claim missing")
	}
	return subject, nil
}

func (c *JWKSCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	// Unknown kid or stale cache: the signing keys may have rotated.
	if err := c.refresh(); err != nil {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *JWKSCache) refresh() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=api msg=\"skipping malformed jwk\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// parseRSAPublicKey parses an RSA public key from its base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
