// reconciler.go -- Credit purchase lifecycle: initiate, confirm against the
// World App portal, and self-healing status polls.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/singleflight"

	"github.com/MGallo-Code/persona/internal/ledger"
	"github.com/MGallo-Code/persona/internal/metrics"
	"github.com/MGallo-Code/persona/internal/store"
	"github.com/MGallo-Code/persona/internal/worldcoin"
)

var (
	ErrInvalidAmount   = ledger.ErrInvalidAmount
	ErrPaymentNotFound = store.ErrPaymentNotFound

	ErrAlreadyConfirmed             = errors.New("payment already confirmed")
	ErrAlreadyFailed                = errors.New("payment already failed")
	ErrMissingTransactionID         = errors.New("missing transaction id")
	ErrTransactionReferenceMismatch = errors.New("transaction reference mismatch")
	ErrUnknownTransaction           = errors.New("unknown transaction")

	// ErrStillPending means the transaction is not final yet. Retry later.
	ErrStillPending = errors.New("payment still pending")

	// ErrAuthorityUnavailable means the portal could not be reached. Transient;
	// the payment is left pending.
	ErrAuthorityUnavailable = errors.New("payment authority unavailable")
)

// Store is the persistence the reconciler needs. Satisfied by *store.PostgresStore.
type Store interface {
	CreatePayment(ctx context.Context, p *store.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*store.Payment, error)
	RecordTransaction(ctx context.Context, reference string, d store.TransactionDetails) (*store.Payment, error)
	FailPayment(ctx context.Context, reference string, d store.TransactionDetails) (*store.Payment, error)
	ConfirmPayment(ctx context.Context, reference string, d store.TransactionDetails) (*store.ConfirmedPayment, error)
	ListPaymentsByUser(ctx context.Context, userID int64, status string) ([]store.Payment, error)
}

// Authority reports what happened to a transaction. Satisfied by *worldcoin.Client.
type Authority interface {
	GetTransaction(ctx context.Context, transactionID string) (*worldcoin.Transaction, error)
}

// Reconciler drives payments from pending to a terminal state.
type Reconciler struct {
	store     Store
	authority Authority
	pricer    *Pricer
	recipient string
	polls     singleflight.Group
}

// NewReconciler returns a Reconciler paying into recipient.
func NewReconciler(s Store, authority Authority, pricer *Pricer, recipient string) *Reconciler {
	return &Reconciler{store: s, authority: authority, pricer: pricer, recipient: recipient}
}

// Initiation is what the client needs to start a wallet payment.
type Initiation struct {
	Reference   string
	Recipient   string
	Credits     int64
	TokenType   string
	TokenAmount string // human units
	RawAmount   string // smallest units
	Decimals    int32
}

// Outcome is a payment after reconciliation. NewBalance is set only when this
// call confirmed the payment.
type Outcome struct {
	Payment    store.Payment
	NewBalance *int64
}

// Initiate prices credits in tokenType and records a pending payment.
func (r *Reconciler) Initiate(ctx context.Context, userID, credits int64, tokenType string) (*Initiation, error) {
	if credits < 1 {
		return nil, ErrInvalidAmount
	}
	tok, ok := LookupToken(tokenType)
	if !ok {
		return nil, ErrUnsupportedToken
	}

	q, err := r.pricer.Quote(ctx, credits, tok)
	if err != nil {
		return nil, err
	}

	reference, err := newReference()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating payment id: %w", err)
	}

	p := &store.Payment{
		ID:                 id,
		Reference:          reference,
		UserID:             userID,
		Status:             store.PaymentPending,
		CreditsAmount:      credits,
		TokenType:          tok.Symbol,
		TokenDecimalPlaces: int(tok.Decimals),
		TokenAmount:        q.Raw.String(),
		RecipientAddress:   r.recipient,
	}
	if err := r.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	metrics.PaymentTransition(store.PaymentPending)

	return &Initiation{
		Reference:   reference,
		Recipient:   r.recipient,
		Credits:     credits,
		TokenType:   tok.Symbol,
		TokenAmount: q.Amount.String(),
		RawAmount:   q.Raw.String(),
		Decimals:    tok.Decimals,
	}, nil
}

// Confirm checks transactionID with the authority and settles the payment.
// A mined transaction confirms the payment and credits the buyer exactly once.
func (r *Reconciler) Confirm(ctx context.Context, reference, transactionID string) (*Outcome, error) {
	p, err := r.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if err := terminalErr(p.Status); err != nil {
		return nil, err
	}
	if transactionID == "" {
		return nil, ErrMissingTransactionID
	}

	out, err := r.reconcile(ctx, p, transactionID)
	if err != nil {
		return nil, err
	}
	if out.Payment.Status == store.PaymentPending {
		return nil, ErrStillPending
	}
	return out, nil
}

// GetStatus returns the payment. A pending payment with a recorded transaction
// is re-polled so a lost confirm call still settles.
func (r *Reconciler) GetStatus(ctx context.Context, reference string) (*Outcome, error) {
	p, err := r.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.Status != store.PaymentPending || p.TransactionID == nil {
		return &Outcome{Payment: *p}, nil
	}

	out, err := r.reconcile(ctx, p, *p.TransactionID)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrAlreadyFailed):
		// Settled by a concurrent caller.
		latest, gerr := r.store.GetPaymentByReference(ctx, reference)
		if gerr != nil {
			return nil, gerr
		}
		return &Outcome{Payment: *latest}, nil
	case errors.Is(err, ErrUnknownTransaction):
		return &Outcome{Payment: *p}, nil
	default:
		return nil, err
	}
}

// ListPayments returns the user's payments, newest first. Empty status means all.
func (r *Reconciler) ListPayments(ctx context.Context, userID int64, status string) ([]store.Payment, error) {
	return r.store.ListPaymentsByUser(ctx, userID, status)
}

// reconcile applies the authority's verdict to a pending payment.
func (r *Reconciler) reconcile(ctx context.Context, p *store.Payment, transactionID string) (*Outcome, error) {
	tx, err := r.lookup(ctx, transactionID)
	if errors.Is(err, worldcoin.ErrTransactionNotFound) {
		return nil, ErrUnknownTransaction
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}
	if tx.Reference != p.Reference {
		slog.Warn("payment reference mismatch",
			"reference", p.Reference, "transaction_id", transactionID, "reported_reference", tx.Reference)
		return nil, ErrTransactionReferenceMismatch
	}

	d := store.TransactionDetails{
		TransactionID:   transactionID,
		TransactionHash: tx.TransactionHash,
		Chain:           tx.Chain,
		SenderAddress:   tx.From,
	}

	switch tx.Status {
	case worldcoin.TxMined:
		cp, err := r.store.ConfirmPayment(ctx, p.Reference, d)
		if err != nil {
			return nil, r.transitionErr(ctx, p.Reference, err)
		}
		metrics.PaymentTransition(store.PaymentConfirmed)
		slog.Info("payment confirmed",
			"reference", p.Reference, "user_id", cp.Payment.UserID, "credits", cp.Payment.CreditsAmount)
		bal := cp.NewBalance
		return &Outcome{Payment: cp.Payment, NewBalance: &bal}, nil

	case worldcoin.TxFailed:
		fp, err := r.store.FailPayment(ctx, p.Reference, d)
		if err != nil {
			return nil, r.transitionErr(ctx, p.Reference, err)
		}
		metrics.PaymentTransition(store.PaymentFailed)
		slog.Info("payment failed", "reference", p.Reference, "user_id", fp.UserID)
		return &Outcome{Payment: *fp}, nil

	default:
		// pending, submitted, or anything new: remember the transaction for later polls.
		rp, err := r.store.RecordTransaction(ctx, p.Reference, d)
		if err != nil {
			return nil, r.transitionErr(ctx, p.Reference, err)
		}
		return &Outcome{Payment: *rp}, nil
	}
}

// lookup shares one authority call among concurrent polls of the same transaction.
func (r *Reconciler) lookup(ctx context.Context, transactionID string) (*worldcoin.Transaction, error) {
	v, err := shared(ctx, &r.polls, transactionID, func(ctx context.Context) (any, error) {
		return r.authority.GetTransaction(ctx, transactionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*worldcoin.Transaction), nil
}

// sharedCallTimeout bounds a call shared through singleflight. The call runs
// detached from any one caller, so it needs its own deadline.
const sharedCallTimeout = 10 * time.Second

// shared runs fn once per key among concurrent callers. Each caller waits on its
// own ctx; one caller giving up does not cancel the call for the others.
func shared(ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := g.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return fn(callCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// transitionErr turns a lost status guard into the terminal state that won.
func (r *Reconciler) transitionErr(ctx context.Context, reference string, err error) error {
	if !errors.Is(err, store.ErrPaymentNotPending) {
		return err
	}
	p, gerr := r.store.GetPaymentByReference(ctx, reference)
	if gerr != nil {
		return gerr
	}
	if terr := terminalErr(p.Status); terr != nil {
		return terr
	}
	return err
}

func terminalErr(status string) error {
	switch status {
	case store.PaymentConfirmed:
		return ErrAlreadyConfirmed
	case store.PaymentFailed:
		return ErrAlreadyFailed
	}
	return nil
}

// newReference returns 16 random bytes, hex-encoded.
func newReference() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating reference: %w", err)
	}
	return hex.EncodeToString(b), nil
}
