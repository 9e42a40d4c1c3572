package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer-token auth. Identity is the only concern
// here; accounts, sessions and roles belong to the external auth system.
type AuthConfig struct {
	JWTSecret string
	// DevLogin enables the token-minting endpoint for local development.
	DevLogin bool
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
}

type principalKey struct{}

var errUnauthorized = errors.New("missing or invalid bearer token")

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requirePrincipal(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, errUnauthorized
	}
	return p, nil
}

// ParseToken validates a signed token and extracts the principal. Used by
// both the HTTP middleware and the websocket endpoint's query-token path.
func ParseToken(secret, token string) (Principal, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, errUnauthorized
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errUnauthorized
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Principal{}, errUnauthorized
	}
	return Principal{UserID: userID}, nil
}

// MintToken issues a signed token for a user id.
func MintToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// newAuthMiddleware authenticates bearer tokens on API routes. Health, docs
// and dev login stay open; the websocket endpoint authenticates its own
// query token because browsers cannot set headers on websocket dials.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		basePath + "/health":         true,
		basePath + "/auth/dev/login": true,
		"/openapi.json":              true,
		"/openapi.yaml":              true,
		"/docs":                      true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] || strings.HasPrefix(r.URL.Path, basePath+"/ws/") {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w)
				return
			}
			p, err := ParseToken(cfg.JWTSecret, strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeAuthError(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"unauthorized","message":"missing or invalid bearer token"}}`))
}
