// middleware.go

// Bearer session authentication middleware.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/persona/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"
const tokenHashKey contextKey = "token_hash"

// UserIDFromContext retrieves the authenticated user's ID from context.
// Returns 0 and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// TokenHashFromContext retrieves session token hash from context.
// Returns nil and false if RequireAuth hasn't run.
func TokenHashFromContext(ctx context.Context) ([]byte, bool) {
	hash, ok := ctx.Value(tokenHashKey).([]byte)
	return hash, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAuth validates the bearer session token, checking Redis then Postgres as fallback.
// Injects user_id and token_hash into context on success; returns 401 on failure.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			logWarn(r, "require auth failed", "reason", "missing_bearer_token")
			Unauthorized(w, r, "unauthorized")
			return
		}
		decoded, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			logWarn(r, "require auth failed", "reason", "invalid_token_encoding")
			Unauthorized(w, r, "unauthorized")
			return
		}
		tokenHash := sha256.Sum256(decoded)
		redisKey := cacheKey(tokenHash[:])

		// Redis fast path, TTL expiry already handles stale keys.
		var userID int64
		sess, err := h.RS.GetSession(r.Context(), redisKey)
		if err != nil {
			if !errors.Is(err, store.ErrCacheMiss) {
				logError(r, "redis session lookup failed, falling back to postgres", "error", err)
			}
			pgSess, err := h.PS.GetSessionByTokenHash(r.Context(), tokenHash[:])
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					logWarn(r, "require auth failed", "reason", "session_not_found")
				} else {
					logError(r, "require auth failed fetching session from db", "error", err)
				}
				Unauthorized(w, r, "unauthorized")
				return
			}
			// Repopulate cache, non-fatal on failure.
			// Skip if TTL <= 0 -- Redis SET with TTL=0 means no expiry, not immediate expiry.
			ttl := max(0, int(time.Until(pgSess.ExpiresAt).Seconds()))
			if ttl > 0 {
				if err := h.RS.SetSession(r.Context(), redisKey, *pgSess, ttl); err != nil {
					logWarn(r, "failed to repopulate session cache", "error", err)
				}
			}
			userID = pgSess.UserID
		} else {
			userID = sess.UserID
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, tokenHashKey, tokenHash[:])

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
