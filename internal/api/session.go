// session.go

// Session token generation and issuance.
package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/persona/internal/store"
)

// GenerateToken returns a 256-bit random session token and its SHA-256 hash.
// Token goes to the client; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	_, err := rand.Read(token[:])
	if err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// cacheKey is the Redis key form of a token hash.
func cacheKey(tokenHash []byte) string {
	return base64.RawURLEncoding.EncodeToString(tokenHash)
}

// startSession creates a session for userID, replacing any other session the
// user had. Returns the bearer token for the client.
func (h *Handler) startSession(r *http.Request, userID int64) (string, error) {
	token, tokenHash, err := GenerateToken()
	if err != nil {
		return "", err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}

	expiresAt := time.Now().Add(h.Settings.SessionTTL)
	ip := clientIP(r)
	userAgent := r.UserAgent()

	replaced, err := h.PS.CreateSession(r.Context(), sessionID, userID, tokenHash[:], expiresAt, &ip, &userAgent)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	// Cache is best effort; Postgres is source of truth. Stale cached sessions
	// would otherwise outlive their rows until TTL.
	if len(replaced) > 0 {
		if err := h.RS.DeleteAllUserSessions(r.Context(), userID); err != nil {
			logWarn(r, "failed to evict replaced sessions from redis", "error", err, "replaced", len(replaced))
		}
	}
	if err := h.RS.SetSession(r.Context(), cacheKey(tokenHash[:]), store.Session{
		ID:        sessionID,
		UserID:    userID,
		TokenHash: tokenHash[:],
		ExpiresAt: expiresAt,
	}, int(h.Settings.SessionTTL.Seconds())); err != nil {
		logWarn(r, "failed to cache session in redis", "error", err)
	}
	if err := h.PS.TouchUser(r.Context(), userID); err != nil {
		logWarn(r, "failed to update last_active_at", "error", err, "user_id", userID)
	}

	return base64.RawURLEncoding.EncodeToString(token[:]), nil
}

// newTicket returns a random single-use registration ticket.
func newTicket() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating registration ticket: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
