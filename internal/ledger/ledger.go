// Package ledger owns per-user credit balances.
//
// Every mutation is a single conditional update in the store. There is no
// read-then-write anywhere, so concurrent spends can never overdraw.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/MGallo-Code/persona/internal/metrics"
	"github.com/MGallo-Code/persona/internal/store"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientCredits is returned when a deduct would go negative. Nothing changed.
	ErrInsufficientCredits = store.ErrInsufficientCredits

	// ErrUserNotFound is returned when the user does not exist.
	ErrUserNotFound = store.ErrUserNotFound
)

// Store is the balance persistence the ledger needs. Satisfied by *store.PostgresStore.
type Store interface {
	GetCredits(ctx context.Context, userID int64) (int64, error)
	DeductCredits(ctx context.Context, userID, amount int64) (int64, error)
	AddCredits(ctx context.Context, userID, amount int64) (int64, error)
	ChargeMessage(ctx context.Context, senderID, creatorID, cost int64) (int64, error)
}

// Ledger mutates credit balances.
type Ledger struct {
	store Store
}

// New returns a Ledger over s.
func New(s Store) *Ledger {
	return &Ledger{store: s}
}

// Balance returns the user's current credits.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	return l.store.GetCredits(ctx, userID)
}

// Deduct removes amount credits iff the balance covers it and returns the new balance.
func (l *Ledger) Deduct(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	bal, err := l.store.DeductCredits(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("deduct %d from user %d: %w", amount, userID, err)
	}
	metrics.CreditMutation("deduct", amount)
	return bal, nil
}

// Add grants amount credits and returns the new balance.
func (l *Ledger) Add(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	bal, err := l.store.AddCredits(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("add %d to user %d: %w", amount, userID, err)
	}
	metrics.CreditMutation("add", amount)
	return bal, nil
}

// ChargeMessage bills the sender cost credits for one chat message and credits
// the character's creator with a received message, atomically.
// A sender messaging their own character still pays but earns nothing.
func (l *Ledger) ChargeMessage(ctx context.Context, senderID, creatorID, cost int64) (int64, error) {
	if cost <= 0 {
		return 0, ErrInvalidAmount
	}
	if creatorID == 0 || creatorID == senderID {
		return l.Deduct(ctx, senderID, cost)
	}
	bal, err := l.store.ChargeMessage(ctx, senderID, creatorID, cost)
	if err != nil {
		return 0, fmt.Errorf("charge message from user %d: %w", senderID, err)
	}
	metrics.CreditMutation("deduct", cost)
	return bal, nil
}
