// handler.go -- dependencies shared by every HTTP handler and middleware.
package api

import (
	"context"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"

	"github.com/MGallo-Code/persona/internal/payment"
	"github.com/MGallo-Code/persona/internal/redeem"
	"github.com/MGallo-Code/persona/internal/store"
	"github.com/MGallo-Code/persona/internal/wallet"
	"github.com/MGallo-Code/persona/internal/worldcoin"
)

// Store defines database operations needed by handlers.
// Satisfied by *store.PostgresStore, defined here at the consumer.
type Store interface {
	CheckHealth(ctx context.Context) error

	// GetUserByID and GetUserByWallet return pgx.ErrNoRows when no user matches.
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*store.User, error)

	// CreateWalletUser returns store.ErrWalletTaken if the wallet is already registered.
	CreateWalletUser(ctx context.Context, wallet string, credits int64) (*store.User, error)

	// UpsertWorldIDUser returns the user for worldID, creating it on first sight.
	UpsertWorldIDUser(ctx context.Context, worldID string, credits int64) (*store.User, bool, error)

	// LinkWallet attaches a wallet to a user that has none.
	LinkWallet(ctx context.Context, userID int64, wallet string) (*store.User, error)

	// TouchUser stamps last_active_at.
	TouchUser(ctx context.Context, userID int64) error

	// CreateSession inserts a session, replacing the user's others.
	// Returns the replaced token hashes.
	CreateSession(ctx context.Context, id uuid.UUID, userID int64, tokenHash []byte, expiresAt time.Time, ip *string, userAgent *string) ([][]byte, error)

	// GetSessionByTokenHash returns pgx.ErrNoRows if not found or expired.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// DeleteSession removes a single session row by token hash.
	DeleteSession(ctx context.Context, tokenHash []byte) error
}

// SessionCache defines cache operations needed by handlers.
// Satisfied by *store.RedisStore.
type SessionCache interface {
	CheckHealth(ctx context.Context) error

	// GetSession returns store.ErrCacheMiss when the key is absent.
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)

	// SetSession caches session with given TTL in seconds.
	SetSession(ctx context.Context, tokenHash string, sessionData store.Session, ttl int) error

	// DeleteSession removes session and its entry in the user tracking set.
	DeleteSession(ctx context.Context, tokenHash string, userID int64) error

	// DeleteAllUserSessions drops every cached session of the user.
	DeleteAllUserSessions(ctx context.Context, userID int64) error

	// SetRegistration stores a single-use ticket that proves wallet ownership.
	SetRegistration(ctx context.Context, ticket, wallet string, ttl time.Duration) error

	// ConsumeRegistration returns the ticket's wallet and deletes it.
	// Returns store.ErrTicketNotFound if unknown, expired, or already used.
	ConsumeRegistration(ctx context.Context, ticket string) (string, error)
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter.
type RateLimiter interface {
	// Allow returns nil if allowed, store.ErrRateLimitExceeded if locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// NonceIssuer hands out sign-in nonces. Satisfied by *nonce.Store.
type NonceIssuer interface {
	Issue(ctx context.Context) (store.Nonce, error)
}

// WalletAuthenticator verifies a signed sign-in payload. Satisfied by *wallet.Authenticator.
type WalletAuthenticator interface {
	Authenticate(ctx context.Context, p wallet.Payload, nonce string) (common.Address, error)
}

// CreditLedger mutates balances. Satisfied by *ledger.Ledger.
type CreditLedger interface {
	Balance(ctx context.Context, userID int64) (int64, error)

	// ChargeMessage bills the sender; creatorID 0 charges without crediting anyone.
	ChargeMessage(ctx context.Context, senderID, creatorID, cost int64) (int64, error)
}

// Payments runs credit purchases. Satisfied by *payment.Reconciler.
type Payments interface {
	Initiate(ctx context.Context, userID, credits int64, tokenType string) (*payment.Initiation, error)
	Confirm(ctx context.Context, reference, transactionID string) (*payment.Outcome, error)
	GetStatus(ctx context.Context, reference string) (*payment.Outcome, error)
	ListPayments(ctx context.Context, userID int64, status string) ([]store.Payment, error)
}

// Redeemer issues token mint grants. Satisfied by *redeem.Issuer.
type Redeemer interface {
	Multiplier() int64
	CreateRedemption(ctx context.Context, userID int64, walletAddress string, amount int64) (*redeem.Grant, error)
	Redemption(ctx context.Context, id uuid.UUID) (*store.Redemption, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, txHash *string) (bool, error)
	ListRedemptions(ctx context.Context, userID int64, status string) ([]store.Redemption, error)
	Balance(ctx context.Context, wallet common.Address) (decimal.Decimal, error)
}

// ProofVerifier checks World ID proofs. Satisfied by *worldcoin.Client.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, p worldcoin.Proof) error
}

// Settings are the tunables handlers read from config.
type Settings struct {
	SessionTTL       time.Duration
	RegistrationTTL  time.Duration
	NewUserCredits   int64
	MessageCost      int64
	WalletAuthPolicy store.RateLimit
	NoncePolicy      store.RateLimit
}

// Handler holds dependencies for every HTTP handler and middleware.
// Payments, Redeem, and WorldID are nil when their feature is not configured.
type Handler struct {
	PS       Store
	RS       SessionCache
	RL       RateLimiter
	Nonces   NonceIssuer
	Wallets  WalletAuthenticator
	Ledger   CreditLedger
	Payments Payments
	Redeem   Redeemer
	WorldID  ProofVerifier
	Settings Settings
}

// clientIP returns the bare IP of the caller. RemoteAddr includes the port,
// and the INET column expects a bare IP.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// weiString renders a big.Int, tolerating nil.
func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
