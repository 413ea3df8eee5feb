// Package nonce issues and consumes single-use sign-in challenges.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/MGallo-Code/persona/internal/store"
)

// DefaultTTL is how long an issued nonce stays redeemable.
const DefaultTTL = 15 * time.Minute

// Backend persists nonces. Satisfied by *store.PostgresStore.
type Backend interface {
	// InsertNonce persists a freshly issued nonce.
	InsertNonce(ctx context.Context, n store.Nonce) error

	// ConsumeNonce atomically marks value used iff it is unused and expires after now.
	// Reports whether this call was the one that consumed it.
	ConsumeNonce(ctx context.Context, value string, now time.Time) (bool, error)

	// DeleteExpiredNonces removes nonces that expired before the cutoff.
	DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error)
}

// Store issues nonces and redeems each at most once.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

// NewStore returns a Store. ttl <= 0 uses DefaultTTL.
func NewStore(backend Backend, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{backend: backend, ttl: ttl, now: time.Now}
}

// Issue creates a nonce from 32 bytes of crypto/rand, hex encoded.
func (s *Store) Issue(ctx context.Context) (store.Nonce, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return store.Nonce{}, fmt.Errorf("generating nonce: %w", err)
	}
	now := s.now().UTC()
	n := store.Nonce{
		Value:     hex.EncodeToString(raw[:]),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.backend.InsertNonce(ctx, n); err != nil {
		return store.Nonce{}, err
	}
	return n, nil
}

// ValidateAndConsume returns true iff token exists, was unused, and had not expired,
// and marks it used in the same step. Unknown, reused, and expired tokens return false.
// Backend failures return an error and never true.
func (s *Store) ValidateAndConsume(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := s.backend.ConsumeNonce(ctx, token, s.now().UTC())
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Cleanup drops nonces that expired more than retention ago.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return s.backend.DeleteExpiredNonces(ctx, s.now().UTC().Add(-retention))
}

// Prefix returns the first 8 characters of a nonce for logging.
func Prefix(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
