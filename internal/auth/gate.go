// Package auth validates runner credentials. Two schemes are accepted
// concurrently so old and new runners interoperate during rollout: a static
// API key matched by hash against the runner registry, and an HS256 bearer
// token. Every failure path collapses to the same ErrUnauthorized so the gate
// never leaks which scheme almost matched.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is the uniform rejection for any invalid or missing credential.
var ErrUnauthorized = errors.New("unauthorized")

// Auth methods reported in the accepted identity, for audit logging.
const (
	MethodAPIKey = "api_key"
	MethodBearer = "bearer_token"
)

const keyPrefix = "bsr_"

// Identity is an accepted runner identity.
type Identity struct {
	RunnerName string
	AuthMethod string
	KeyID      string
}

// KeyLookup resolves a hashed API key to a runner name. Implemented by the store.
type KeyLookup interface {
	RunnerNameByKeyHash(ctx context.Context, keyHash string) (string, error)
}

// Gate is the runner identity gate.
type Gate struct {
	keys      KeyLookup
	jwtSecret []byte
}

// NewGate builds a gate. jwtSecret may be empty, disabling the bearer scheme.
func NewGate(keys KeyLookup, jwtSecret string) *Gate {
	return &Gate{keys: keys, jwtSecret: []byte(jwtSecret)}
}

// Authenticate validates the supplied credential material. The API key is
// tried first, then the bearer token. Pure validation: no side effects.
func (g *Gate) Authenticate(ctx context.Context, apiKey, authorization string) (Identity, error) {
	if id, err := g.validateAPIKey(ctx, apiKey); err == nil {
		return id, nil
	}
	if id, err := g.validateBearer(authorization); err == nil {
		return id, nil
	}
	return Identity{}, ErrUnauthorized
}

func (g *Gate) validateAPIKey(ctx context.Context, apiKey string) (Identity, error) {
	if g.keys == nil || !strings.HasPrefix(apiKey, keyPrefix) {
		return Identity{}, ErrUnauthorized
	}
	hash := HashAPIKey(apiKey)
	name, err := g.keys.RunnerNameByKeyHash(ctx, hash)
	if err != nil || name == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{RunnerName: name, AuthMethod: MethodAPIKey, KeyID: hash[:12]}, nil
}

type runnerClaims struct {
	RunnerName string `json:"runner_name"`
	jwt.RegisteredClaims
}

func (g *Gate) validateBearer(authorization string) (Identity, error) {
	if len(g.jwtSecret) == 0 {
		return Identity{}, ErrUnauthorized
	}
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || raw == "" {
		return Identity{}, ErrUnauthorized
	}
	var claims runnerClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil || !token.Valid || claims.RunnerName == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{RunnerName: claims.RunnerName, AuthMethod: MethodBearer}, nil
}

// HashAPIKey returns the SHA-256 hex digest stored in the runner registry.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a new runner API key. The plaintext key is returned
// exactly once; only the hash is persisted.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}
	key = keyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	hash = HashAPIKey(key)
	return key, hash, key[:12], nil
}
