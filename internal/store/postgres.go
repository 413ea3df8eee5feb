// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup, user/session/nonce queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
// Lets balance helpers run standalone or inside a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Supposed to call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullIfEmpty maps "" to SQL NULL.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- Users ---

const userColumns = `id, wallet_address, world_id, username, credits, credits_spent,
	character_messages_received, tokens_redeemed, last_active_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.WalletAddress, &u.WorldID, &u.Username, &u.Credits, &u.CreditsSpent,
		&u.CharacterMessagesReceived, &u.TokensRedeemed, &u.LastActiveAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID fetches a user by primary key.
// Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// GetUserByWallet fetches a user by checksummed wallet address.
// Returns pgx.ErrNoRows if no user owns the wallet.
func (s *PostgresStore) GetUserByWallet(ctx context.Context, wallet string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE wallet_address = $1", wallet))
}

// CreateWalletUser inserts a user owning the given wallet with a starting credit balance.
// Returns ErrWalletTaken if the wallet already belongs to someone.
func (s *PostgresStore) CreateWalletUser(ctx context.Context, wallet string, credits int64) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		"INSERT INTO users (wallet_address, credits) VALUES ($1, $2) RETURNING "+userColumns,
		wallet, credits))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrWalletTaken
		}
		return nil, fmt.Errorf("creating wallet user: %w", err)
	}
	return u, nil
}

// UpsertWorldIDUser returns the user bound to worldID, creating it on first sight.
// created reports whether a new row was inserted.
func (s *PostgresStore) UpsertWorldIDUser(ctx context.Context, worldID string, credits int64) (*User, bool, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (world_id, credits) VALUES ($1, $2)
		ON CONFLICT (world_id) DO NOTHING
		RETURNING `+userColumns,
		worldID, credits))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("creating world id user: %w", err)
	}
	// Conflict -- row already exists.
	u, err = scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE world_id = $1", worldID))
	if err != nil {
		return nil, false, fmt.Errorf("fetching world id user: %w", err)
	}
	return u, false, nil
}

// LinkWallet attaches a wallet to a user that has none.
// Returns ErrWalletAlreadyLinked, ErrWalletTaken, or ErrUserNotFound.
func (s *PostgresStore) LinkWallet(ctx context.Context, userID int64, wallet string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		UPDATE users SET wallet_address = $2, updated_at = now()
		WHERE id = $1 AND wallet_address IS NULL
		RETURNING `+userColumns,
		userID, wallet))
	if err == nil {
		return u, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrWalletTaken
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("linking wallet: %w", err)
	}
	if err := userExists(ctx, s.pool, userID); err != nil {
		return nil, err
	}
	return nil, ErrWalletAlreadyLinked
}

// TouchUser stamps last_active_at. Best effort; callers only log failures.
func (s *PostgresStore) TouchUser(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET last_active_at = now() WHERE id = $1", userID)
	return err
}

// userExists returns nil if the user row exists, ErrUserNotFound otherwise.
func userExists(ctx context.Context, q querier, userID int64) error {
	var exists bool
	if err := q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("checking user: %w", err)
	}
	if !exists {
		return ErrUserNotFound
	}
	return nil
}

// --- Sessions ---

// CreateSession inserts a session and deletes every other session the user had,
// in one transaction. A user has at most one active session.
// Returns the token hashes of the replaced sessions so the caller can evict them from cache.
func (s *PostgresStore) CreateSession(ctx context.Context, id uuid.UUID, userID int64, tokenHash []byte, expiresAt time.Time, ip *string, userAgent *string) ([][]byte, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning session tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		"DELETE FROM sessions WHERE user_id = $1 RETURNING token_hash", userID)
	if err != nil {
		return nil, fmt.Errorf("deleting prior sessions: %w", err)
	}
	replaced, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("collecting prior sessions: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, tokenHash, expiresAt, ip, userAgent,
	); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing session: %w", err)
	}
	return replaced, nil
}

// GetSessionByTokenHash fetches a non-expired session by token hash.
// Returns pgx.ErrNoRows if not found or expired.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, ip_address, user_agent, created_at
		FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a single session row by token hash.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	return err
}

// CleanupExpiredSessions deletes sessions that expired more than retention ago.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < $1", time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Nonces ---

// InsertNonce persists a freshly issued nonce.
func (s *PostgresStore) InsertNonce(ctx context.Context, n Nonce) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO siwe_nonces (nonce, created_at, expires_at) VALUES ($1, $2, $3)",
		n.Value, n.CreatedAt, n.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting nonce: %w", err)
	}
	return nil
}

// ConsumeNonce marks the nonce used iff it exists, is unused, and expires after now.
// One conditional UPDATE: the row lock makes concurrent consumers see exactly one winner.
func (s *PostgresStore) ConsumeNonce(ctx context.Context, value string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE siwe_nonces SET used = TRUE, used_at = $2
		WHERE nonce = $1 AND used = FALSE AND expires_at > $2`,
		value, now)
	if err != nil {
		return false, fmt.Errorf("consuming nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpiredNonces removes nonces that expired before the cutoff, used or not.
func (s *PostgresStore) DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM siwe_nonces WHERE expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("deleting expired nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}
