// balances.go -- credit, payment, and redemption queries.
//
// Every balance or status mutation is a single conditional UPDATE, optionally
// paired with a second statement in the same transaction. No network calls
// ever happen while one of these transactions is open.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// --- Credits ---

// GetCredits returns the user's current credit balance.
func (s *PostgresStore) GetCredits(ctx context.Context, userID int64) (int64, error) {
	var credits int64
	err := s.pool.QueryRow(ctx, "SELECT credits FROM users WHERE id = $1", userID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("fetching credits: %w", err)
	}
	return credits, nil
}

// DeductCredits subtracts amount iff the balance covers it. Returns the new balance.
// Returns ErrInsufficientCredits (nothing deducted) or ErrUserNotFound.
func (s *PostgresStore) DeductCredits(ctx context.Context, userID, amount int64) (int64, error) {
	return deductCredits(ctx, s.pool, userID, amount)
}

// AddCredits increments the balance and returns the new balance.
func (s *PostgresStore) AddCredits(ctx context.Context, userID, amount int64) (int64, error) {
	return addCredits(ctx, s.pool, userID, amount)
}

// ChargeMessage deducts cost from the sender and counts one received message for
// the character creator, atomically. Returns the sender's new balance.
func (s *PostgresStore) ChargeMessage(ctx context.Context, senderID, creatorID, cost int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning charge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := deductCredits(ctx, tx, senderID, cost)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE users SET character_messages_received = character_messages_received + 1, updated_at = now()
		WHERE id = $1`, creatorID)
	if err != nil {
		return 0, fmt.Errorf("counting received message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrUserNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing charge: %w", err)
	}
	return balance, nil
}

func deductCredits(ctx context.Context, q querier, userID, amount int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
		UPDATE users
		SET credits = credits - $2, credits_spent = credits_spent + $2, updated_at = now()
		WHERE id = $1 AND credits >= $2
		RETURNING credits`,
		userID, amount,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("deducting credits: %w", err)
	}
	if err := userExists(ctx, q, userID); err != nil {
		return 0, err
	}
	return 0, ErrInsufficientCredits
}

func addCredits(ctx context.Context, q querier, userID, amount int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
		UPDATE users SET credits = credits + $2, updated_at = now()
		WHERE id = $1
		RETURNING credits`,
		userID, amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adding credits: %w", err)
	}
	return balance, nil
}

// --- Payments ---

const paymentColumns = `id, reference, user_id, status, credits_amount, token_type,
	token_decimal_places, token_amount, transaction_id, transaction_hash, chain,
	sender_address, recipient_address, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.Reference, &p.UserID, &p.Status, &p.CreditsAmount, &p.TokenType,
		&p.TokenDecimalPlaces, &p.TokenAmount, &p.TransactionID, &p.TransactionHash, &p.Chain,
		&p.SenderAddress, &p.RecipientAddress, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts a pending payment. Status is forced to pending.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, reference, user_id, status, credits_amount, token_type,
			token_decimal_places, token_amount, recipient_address)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8)`,
		p.ID, p.Reference, p.UserID, p.CreditsAmount, p.TokenType,
		p.TokenDecimalPlaces, p.TokenAmount, p.RecipientAddress,
	)
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

// GetPaymentByReference returns ErrPaymentNotFound if the reference is unknown.
func (s *PostgresStore) GetPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE reference = $1", reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching payment: %w", err)
	}
	return p, nil
}

// RecordTransaction stores authority-reported details on a still-pending payment.
func (s *PostgresStore) RecordTransaction(ctx context.Context, reference string, d TransactionDetails) (*Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		UPDATE payments SET
			transaction_id = COALESCE($2, transaction_id),
			transaction_hash = COALESCE($3, transaction_hash),
			chain = COALESCE($4, chain),
			sender_address = COALESCE($5, sender_address),
			updated_at = now()
		WHERE reference = $1 AND status = 'pending'
		RETURNING `+paymentColumns,
		reference, nullIfEmpty(d.TransactionID), nullIfEmpty(d.TransactionHash),
		nullIfEmpty(d.Chain), nullIfEmpty(d.SenderAddress)))
	if err != nil {
		return nil, s.paymentTransitionErr(ctx, reference, err)
	}
	return p, nil
}

// FailPayment moves a pending payment to failed. Terminal rows are never touched.
func (s *PostgresStore) FailPayment(ctx context.Context, reference string, d TransactionDetails) (*Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		UPDATE payments SET
			status = 'failed',
			transaction_id = COALESCE($2, transaction_id),
			transaction_hash = COALESCE($3, transaction_hash),
			chain = COALESCE($4, chain),
			sender_address = COALESCE($5, sender_address),
			updated_at = now()
		WHERE reference = $1 AND status = 'pending'
		RETURNING `+paymentColumns,
		reference, nullIfEmpty(d.TransactionID), nullIfEmpty(d.TransactionHash),
		nullIfEmpty(d.Chain), nullIfEmpty(d.SenderAddress)))
	if err != nil {
		return nil, s.paymentTransitionErr(ctx, reference, err)
	}
	return p, nil
}

// ConfirmPayment moves a pending payment to confirmed and credits the user in one
// transaction. The status guard means a duplicate or concurrent confirmation gets
// ErrPaymentNotPending and credits nothing.
func (s *PostgresStore) ConfirmPayment(ctx context.Context, reference string, d TransactionDetails) (*ConfirmedPayment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning confirm tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET
			status = 'confirmed',
			transaction_id = COALESCE($2, transaction_id),
			transaction_hash = COALESCE($3, transaction_hash),
			chain = COALESCE($4, chain),
			sender_address = COALESCE($5, sender_address),
			updated_at = now()
		WHERE reference = $1 AND status = 'pending'
		RETURNING `+paymentColumns,
		reference, nullIfEmpty(d.TransactionID), nullIfEmpty(d.TransactionHash),
		nullIfEmpty(d.Chain), nullIfEmpty(d.SenderAddress)))
	if err != nil {
		return nil, s.paymentTransitionErr(ctx, reference, err)
	}

	balance, err := addCredits(ctx, tx, p.UserID, p.CreditsAmount)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing confirm: %w", err)
	}
	return &ConfirmedPayment{Payment: *p, NewBalance: balance}, nil
}

// paymentTransitionErr maps a guarded UPDATE that matched nothing to
// ErrPaymentNotFound or ErrPaymentNotPending.
func (s *PostgresStore) paymentTransitionErr(ctx context.Context, reference string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("updating payment: %w", err)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE reference = $1)", reference,
	).Scan(&exists); err != nil {
		return fmt.Errorf("checking payment: %w", err)
	}
	if !exists {
		return ErrPaymentNotFound
	}
	return ErrPaymentNotPending
}

// ListPaymentsByUser returns the user's payments, newest first.
// Empty status means all statuses.
func (s *PostgresStore) ListPaymentsByUser(ctx context.Context, userID int64, status string) ([]Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`,
		userID, status)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Redemptions ---

const redemptionColumns = `id, user_id, wallet_address, amount, nonce, signature, status,
	transaction_hash, created_at, updated_at`

func scanRedemption(row pgx.Row) (*Redemption, error) {
	var r Redemption
	err := row.Scan(
		&r.ID, &r.UserID, &r.WalletAddress, &r.Amount, &r.Nonce, &r.Signature, &r.Status,
		&r.TransactionHash, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRedemption records a pending redemption and bumps tokens_redeemed in one
// transaction. The bump is conditional on earned-minus-redeemed covering the amount,
// where earned = character_messages_received * multiplier.
// Returns the user's new tokens_redeemed, or ErrInsufficientRedeemable / ErrUserNotFound.
func (s *PostgresStore) CreateRedemption(ctx context.Context, r *Redemption, multiplier int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning redemption tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var redeemed int64
	err = tx.QueryRow(ctx, `
		UPDATE users SET tokens_redeemed = tokens_redeemed + $2, updated_at = now()
		WHERE id = $1 AND character_messages_received * $3 - tokens_redeemed >= $2
		RETURNING tokens_redeemed`,
		r.UserID, r.Amount, multiplier,
	).Scan(&redeemed)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := userExists(ctx, tx, r.UserID); err != nil {
			return 0, err
		}
		return 0, ErrInsufficientRedeemable
	}
	if err != nil {
		return 0, fmt.Errorf("reserving tokens: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO token_redemptions (id, user_id, wallet_address, amount, nonce, signature, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')`,
		r.ID, r.UserID, r.WalletAddress, r.Amount, r.Nonce, r.Signature,
	); err != nil {
		return 0, fmt.Errorf("inserting redemption: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing redemption: %w", err)
	}
	return redeemed, nil
}

// GetRedemption returns ErrRedemptionNotFound if the ID is unknown.
func (s *PostgresStore) GetRedemption(ctx context.Context, id uuid.UUID) (*Redemption, error) {
	r, err := scanRedemption(s.pool.QueryRow(ctx,
		"SELECT "+redemptionColumns+" FROM token_redemptions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRedemptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching redemption: %w", err)
	}
	return r, nil
}

// FinalizeRedemption moves a pending redemption to completed or failed.
// A failed redemption gives its amount back to tokens_redeemed in the same transaction.
// Returns ErrRedemptionNotFound or ErrRedemptionNotPending.
func (s *PostgresStore) FinalizeRedemption(ctx context.Context, id uuid.UUID, status string, txHash *string) (*Redemption, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanRedemption(tx.QueryRow(ctx, `
		UPDATE token_redemptions SET
			status = $2,
			transaction_hash = COALESCE($3, transaction_hash),
			updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+redemptionColumns,
		id, status, txHash))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM token_redemptions WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking redemption: %w", err)
		}
		if !exists {
			return nil, ErrRedemptionNotFound
		}
		return nil, ErrRedemptionNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("finalizing redemption: %w", err)
	}

	if status == RedemptionFailed {
		if _, err := tx.Exec(ctx, `
			UPDATE users SET tokens_redeemed = GREATEST(tokens_redeemed - $2, 0), updated_at = now()
			WHERE id = $1`,
			r.UserID, r.Amount,
		); err != nil {
			return nil, fmt.Errorf("releasing tokens: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing finalize: %w", err)
	}
	return r, nil
}

// ListRedemptionsByUser returns the user's redemptions, newest first.
// Empty status means all statuses.
func (s *PostgresStore) ListRedemptionsByUser(ctx context.Context, userID int64, status string) ([]Redemption, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+redemptionColumns+` FROM token_redemptions
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`,
		userID, status)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions: %w", err)
	}
	defer rows.Close()

	var out []Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning redemption: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
