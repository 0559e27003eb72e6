// Package auth protects the MCP HTTP endpoint with bcrypt-hashed API keys.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks keys issued by the hash-key subcommand.
const APIKeyPrefix = "cs_"

// apiKeyBytes is the amount of randomness in a generated key.
const apiKeyBytes = 32

// KeyHashes maps a key owner's name to the bcrypt hash of their key.
type KeyHashes map[string]string

// GenerateAPIKey returns a new random key and its bcrypt hash.
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}

	key = APIKeyPrefix + hex.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing key: %w", err)
	}

	return key, string(h), nil
}

// match returns the owner of key, or "" if no hash matches. Owners are
// tried in name order.
func (k KeyHashes) match(key string) string {
	owners := make([]string, 0, len(k))
	for owner := range k {
		owners = append(owners, owner)
	}

	sort.Strings(owners)

	for _, owner := range owners {
		if bcrypt.CompareHashAndPassword([]byte(k[owner]), []byte(key)) == nil {
			return owner
		}
	}

	return ""
}

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated key owner from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that validates Bearer API keys
// against keys. Clients that keep failing are throttled per IP before
// any hash comparison runs.
func Middleware(keys KeyHashes, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if limiter.check(ip) {
				logger.Warn("middleware: too many failed attempts", slog.String("ip", ip))
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rateLimitWindow.Seconds())))
				http.Error(w, "too many failed attempts", http.StatusTooManyRequests)

				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			owner := ""
			if strings.HasPrefix(token, APIKeyPrefix) {
				owner = keys.match(token)
			}

			if owner == "" {
				limiter.record(ip)
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("user_id", owner),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, owner)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
