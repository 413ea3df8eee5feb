// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrTicketNotFound is returned by ConsumeRegistration when the ticket is unknown,
// expired, or already redeemed.
var ErrTicketNotFound = errors.New("registration ticket not found")

// ErrUserNotFound is returned by balance mutations when the user row does not exist.
var ErrUserNotFound = errors.New("user not found")

// ErrInsufficientCredits is returned when a conditional deduct matched the user
// but the balance was below the requested amount. Nothing was deducted.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrInsufficientRedeemable is returned when a redemption asks for more tokens
// than the user has earned and not yet redeemed.
var ErrInsufficientRedeemable = errors.New("insufficient redeemable tokens")

// ErrPaymentNotFound is returned when no payment row matches the reference.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrPaymentNotPending is returned by payment transitions when the row exists
// but already left the pending state (lost a race or was already terminal).
var ErrPaymentNotPending = errors.New("payment not pending")

// ErrRedemptionNotFound is returned when no redemption row matches the ID.
var ErrRedemptionNotFound = errors.New("redemption not found")

// ErrRedemptionNotPending is returned when a redemption is already completed or failed.
var ErrRedemptionNotPending = errors.New("redemption not pending")

// ErrWalletTaken is returned when a wallet address already belongs to another user.
var ErrWalletTaken = errors.New("wallet already registered")

// ErrWalletAlreadyLinked is returned when linking a wallet to a user that has one.
var ErrWalletAlreadyLinked = errors.New("user already has a wallet")

// Payment statuses. pending is the only non-terminal state.
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
)

// Redemption statuses. pending is the only non-terminal state.
const (
	RedemptionPending   = "pending"
	RedemptionCompleted = "completed"
	RedemptionFailed    = "failed"
)

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID                        int64
	WalletAddress             *string
	WorldID                   *string
	Username                  *string
	Credits                   int64
	CreditsSpent              int64
	CharacterMessagesReceived int64
	TokensRedeemed            int64
	LastActiveAt              *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// Session represents a row in the sessions table.
// Nullable columns are pointers; nil means SQL NULL.
type Session struct {
	ID        uuid.UUID
	UserID    int64
	TokenHash []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation. Full metadata lives in Postgres.
type CachedSession struct {
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Nonce represents a row in the siwe_nonces table.
type Nonce struct {
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// RateLimit defines the policy for a rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// Payment represents a row in the payments table.
// TokenAmount is the expected amount in the token's smallest unit, kept as a
// decimal string since 18-decimal amounts overflow int64.
type Payment struct {
	ID                 uuid.UUID
	Reference          string
	UserID             int64
	Status             string
	CreditsAmount      int64
	TokenType          string
	TokenDecimalPlaces int
	TokenAmount        string
	TransactionID      *string
	TransactionHash    *string
	Chain              *string
	SenderAddress      *string
	RecipientAddress   string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TransactionDetails is what the payment authority reported about a transaction.
// Empty strings are stored as NULL.
type TransactionDetails struct {
	TransactionID   string
	TransactionHash string
	Chain           string
	SenderAddress   string
}

// ConfirmedPayment is returned when a payment was moved to confirmed and the
// user credited in the same transaction.
type ConfirmedPayment struct {
	Payment    Payment
	NewBalance int64
}

// Redemption represents a row in the token_redemptions table.
type Redemption struct {
	ID              uuid.UUID
	UserID          int64
	WalletAddress   string
	Amount          int64
	Nonce           string
	Signature       string
	Status          string
	TransactionHash *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
