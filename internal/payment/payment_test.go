package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MGallo-Code/persona/internal/store"
	"github.com/MGallo-Code/persona/internal/testutil"
	"github.com/MGallo-Code/persona/internal/worldcoin"
)

const recipient = "0x00000000000000000000000000000000000000aA"

// fakeAuthority serves canned transactions keyed by transaction ID.
type fakeAuthority struct {
	mu    sync.Mutex
	txs   map[string]*worldcoin.Transaction
	err   error
	delay time.Duration
	calls atomic.Int32
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeAuthority) set(id, reference, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txs == nil {
		f.txs = make(map[string]*worldcoin.Transaction)
	}
	f.txs[id] = &worldcoin.Transaction{
		TransactionID:   id,
		Reference:       reference,
		Status:          status,
		TransactionHash: "0xhash-" + id,
		Chain:           "worldchain",
		From:            "0xsender",
	}
}

func (f *fakeAuthority) GetTransaction(ctx context.Context, id string) (*worldcoin.Transaction, error) {
	f.calls.Add(1)
	if err := wait(ctx, f.delay); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, worldcoin.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

type fakeOracle struct {
	prices map[string]map[string]worldcoin.Price
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (f *fakeOracle) Prices(ctx context.Context, _, _ []string) (map[string]map[string]worldcoin.Price, error) {
	f.calls.Add(1)
	if err := wait(ctx, f.delay); err != nil {
		return nil, err
	}
	return f.prices, f.err
}

func usdQuotes(wld, usdce string) *fakeOracle {
	return &fakeOracle{prices: map[string]map[string]worldcoin.Price{
		"WLD":   {"USD": {Amount: wld, Decimals: 6}},
		"USDCE": {"USD": {Amount: usdce, Decimals: 6}},
	}}
}

type fixture struct {
	ms        *testutil.MemStore
	authority *fakeAuthority
	r         *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := testutil.NewMemStore()
	auth := &fakeAuthority{}
	pricer := NewPricer(usdQuotes("1500000", "1000000"), decimal.RequireFromString("0.01"))
	return &fixture{ms: ms, authority: auth, r: NewReconciler(ms, auth, pricer, recipient)}
}

// pending seeds a user with credits and a pending payment for 10 credits.
func (f *fixture) pending(t *testing.T, credits int64) (userID int64, reference string) {
	t.Helper()
	u := f.ms.SeedUser(credits)
	init, err := f.r.Initiate(context.Background(), u.ID, 10, "WLD")
	require.NoError(t, err)
	return u.ID, init.Reference
}

// --- Pricing ---

func TestQuote(t *testing.T) {
	ctx := context.Background()
	wld, _ := LookupToken("WLD")
	usdc, _ := LookupToken("USDC.e")

	t.Run("WLD is priced per credit without the oracle", func(t *testing.T) {
		oracle := &fakeOracle{err: errors.New("must not be called")}
		q, err := NewPricer(oracle, decimal.RequireFromString("0.01")).Quote(ctx, 10, wld)
		require.NoError(t, err)
		assert.Equal(t, "0.1", q.Amount.String())
		assert.Equal(t, "100000000000000000", q.Raw.String())
		assert.Zero(t, oracle.calls.Load())
	})

	t.Run("USDC.e converts through USD rates", func(t *testing.T) {
		q, err := NewPricer(usdQuotes("1500000", "1000000"), decimal.RequireFromString("0.01")).Quote(ctx, 10, usdc)
		require.NoError(t, err)
		assert.Equal(t, "0.15", q.Amount.String())
		assert.Equal(t, "150000", q.Raw.String())
	})

	t.Run("rounds to token decimals", func(t *testing.T) {
		q, err := NewPricer(usdQuotes("1510763", "1000000"), decimal.RequireFromString("0.01")).Quote(ctx, 1, usdc)
		require.NoError(t, err)
		// 0.01 WLD * 1.510763 = 0.01510763 USDC.e
		assert.Equal(t, "0.015108", q.Amount.String())
		assert.Equal(t, "15108", q.Raw.String())
	})

	t.Run("short caller deadline does not fail a concurrent quote", func(t *testing.T) {
		oracle := usdQuotes("1500000", "1000000")
		oracle.delay = 200 * time.Millisecond
		pricer := NewPricer(oracle, decimal.RequireFromString("0.01"))

		hasty, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		var (
			wg         sync.WaitGroup
			hastyErr   error
			patient    Quote
			patientErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, hastyErr = pricer.Quote(hasty, 10, usdc)
		}()
		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			patient, patientErr = pricer.Quote(ctx, 10, usdc)
		}()
		wg.Wait()

		assert.ErrorIs(t, hastyErr, ErrPriceUnavailable)
		require.NoError(t, patientErr)
		assert.Equal(t, "0.15", patient.Amount.String())
		assert.Equal(t, int32(1), oracle.calls.Load())
	})

	t.Run("oracle failure is price unavailable", func(t *testing.T) {
		_, err := NewPricer(&fakeOracle{err: worldcoin.ErrUnavailable}, decimal.RequireFromString("0.01")).Quote(ctx, 1, usdc)
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	})

	t.Run("missing quote is price unavailable", func(t *testing.T) {
		oracle := &fakeOracle{prices: map[string]map[string]worldcoin.Price{
			"WLD": {"USD": {Amount: "1000000", Decimals: 6}},
		}}
		_, err := NewPricer(oracle, decimal.RequireFromString("0.01")).Quote(ctx, 1, usdc)
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	})

	t.Run("zero quote is price unavailable", func(t *testing.T) {
		_, err := NewPricer(usdQuotes("1000000", "0"), decimal.RequireFromString("0.01")).Quote(ctx, 1, usdc)
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	})
}

func TestSupportedTokens(t *testing.T) {
	assert.Equal(t, []string{"USDC.e", "WLD"}, SupportedTokens())
	_, ok := LookupToken("DOGE")
	assert.False(t, ok)
}

// --- Initiate ---

func TestInitiate(t *testing.T) {
	ctx := context.Background()

	t.Run("persists pending payment with expected amount", func(t *testing.T) {
		f := newFixture(t)
		u := f.ms.SeedUser(0)

		init, err := f.r.Initiate(ctx, u.ID, 25, "USDC.e")
		require.NoError(t, err)
		assert.Len(t, init.Reference, 32)
		assert.Equal(t, recipient, init.Recipient)
		assert.Equal(t, "0.375", init.TokenAmount)
		assert.Equal(t, "375000", init.RawAmount)
		assert.EqualValues(t, 6, init.Decimals)

		p := f.ms.Payment(init.Reference)
		require.NotNil(t, p)
		assert.Equal(t, store.PaymentPending, p.Status)
		assert.Equal(t, u.ID, p.UserID)
		assert.EqualValues(t, 25, p.CreditsAmount)
		assert.Equal(t, "USDC.e", p.TokenType)
		assert.Equal(t, "375000", p.TokenAmount)
		assert.Equal(t, recipient, p.RecipientAddress)
	})

	t.Run("references are unique", func(t *testing.T) {
		f := newFixture(t)
		u := f.ms.SeedUser(0)
		a, err := f.r.Initiate(ctx, u.ID, 1, "WLD")
		require.NoError(t, err)
		b, err := f.r.Initiate(ctx, u.ID, 1, "WLD")
		require.NoError(t, err)
		assert.NotEqual(t, a.Reference, b.Reference)
	})

	t.Run("zero credits rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Initiate(ctx, 1, 0, "WLD")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown token rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Initiate(ctx, 1, 5, "DOGE")
		assert.ErrorIs(t, err, ErrUnsupportedToken)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		f := newFixture(t)
		f.ms.CreatePaymentErr = errors.New("db down")
		_, err := f.r.Initiate(ctx, 1, 5, "WLD")
		assert.Error(t, err)
	})
}

// --- Confirm ---

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("mined confirms and credits once", func(t *testing.T) {
		f := newFixture(t)
		userID, ref := f.pending(t, 5)
		f.authority.set("tx1", ref, worldcoin.TxMined)

		out, err := f.r.Confirm(ctx, ref, "tx1")
		require.NoError(t, err)
		assert.Equal(t, store.PaymentConfirmed, out.Payment.Status)
		require.NotNil(t, out.NewBalance)
		assert.EqualValues(t, 15, *out.NewBalance)
		assert.Equal(t, "0xhash-tx1", *out.Payment.TransactionHash)

		_, err = f.r.Confirm(ctx, ref, "tx1")
		assert.ErrorIs(t, err, ErrAlreadyConfirmed)
		assert.EqualValues(t, 15, f.ms.User(userID).Credits)
	})

	t.Run("concurrent confirms credit exactly once", func(t *testing.T) {
		f := newFixture(t)
		userID, ref := f.pending(t, 0)
		f.authority.set("tx1", ref, worldcoin.TxMined)

		var wg sync.WaitGroup
		var ok, dup atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.r.Confirm(ctx, ref, "tx1")
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrAlreadyConfirmed):
					dup.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, ok.Load())
		assert.EqualValues(t, 7, dup.Load())
		assert.EqualValues(t, 10, f.ms.User(userID).Credits)
	})

	t.Run("failed transaction fails payment without credits", func(t *testing.T) {
		f := newFixture(t)
		userID, ref := f.pending(t, 5)
		f.authority.set("tx1", ref, worldcoin.TxFailed)

		out, err := f.r.Confirm(ctx, ref, "tx1")
		require.NoError(t, err)
		assert.Equal(t, store.PaymentFailed, out.Payment.Status)
		assert.Nil(t, out.NewBalance)
		assert.EqualValues(t, 5, f.ms.User(userID).Credits)

		_, err = f.r.Confirm(ctx, ref, "tx1")
		assert.ErrorIs(t, err, ErrAlreadyFailed)
	})

	for _, status := range []string{worldcoin.TxPending, worldcoin.TxSubmitted} {
		t.Run(status+" stays pending and records the transaction", func(t *testing.T) {
			f := newFixture(t)
			_, ref := f.pending(t, 0)
			f.authority.set("tx1", ref, status)

			_, err := f.r.Confirm(ctx, ref, "tx1")
			assert.ErrorIs(t, err, ErrStillPending)

			p := f.ms.Payment(ref)
			assert.Equal(t, store.PaymentPending, p.Status)
			require.NotNil(t, p.TransactionID)
			assert.Equal(t, "tx1", *p.TransactionID)
		})
	}

	t.Run("reference mismatch changes nothing", func(t *testing.T) {
		f := newFixture(t)
		userID, ref := f.pending(t, 0)
		f.authority.set("tx1", "someone-elses-reference", worldcoin.TxMined)

		_, err := f.r.Confirm(ctx, ref, "tx1")
		assert.ErrorIs(t, err, ErrTransactionReferenceMismatch)

		p := f.ms.Payment(ref)
		assert.Equal(t, store.PaymentPending, p.Status)
		assert.Nil(t, p.TransactionID)
		assert.Zero(t, f.ms.User(userID).Credits)
	})

	t.Run("authority outage leaves payment pending", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		f.authority.err = worldcoin.ErrUnavailable

		_, err := f.r.Confirm(ctx, ref, "tx1")
		assert.ErrorIs(t, err, ErrAuthorityUnavailable)
		assert.Equal(t, store.PaymentPending, f.ms.Payment(ref).Status)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		_, err := f.r.Confirm(ctx, ref, "nope")
		assert.ErrorIs(t, err, ErrUnknownTransaction)
	})

	t.Run("missing transaction id", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		_, err := f.r.Confirm(ctx, ref, "")
		assert.ErrorIs(t, err, ErrMissingTransactionID)
		assert.Zero(t, f.authority.calls.Load())
	})

	t.Run("unknown reference", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Confirm(ctx, "missing", "tx1")
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})

	t.Run("short caller deadline does not fail a concurrent confirm", func(t *testing.T) {
		f := newFixture(t)
		userID, ref := f.pending(t, 0)
		f.authority.set("tx1", ref, worldcoin.TxMined)
		f.authority.delay = 200 * time.Millisecond

		hasty, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		var (
			wg         sync.WaitGroup
			hastyErr   error
			patientOut *Outcome
			patientErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, hastyErr = f.r.Confirm(hasty, ref, "tx1")
		}()
		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			patientOut, patientErr = f.r.Confirm(ctx, ref, "tx1")
		}()
		wg.Wait()

		assert.ErrorIs(t, hastyErr, ErrAuthorityUnavailable)
		require.NoError(t, patientErr)
		assert.Equal(t, store.PaymentConfirmed, patientOut.Payment.Status)
		assert.Equal(t, int64(10), f.ms.User(userID).Credits)
		assert.Equal(t, int32(1), f.authority.calls.Load())
	})

	t.Run("confirm store failure surfaces and leaves payment pending", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		f.authority.set("tx1", ref, worldcoin.TxMined)
		f.ms.ConfirmPaymentErr = errors.New("db down")

		_, err := f.r.Confirm(ctx, ref, "tx1")
		assert.Error(t, err)
		assert.Equal(t, store.PaymentPending, f.ms.Payment(ref).Status)
	})
}

// --- GetStatus ---

func TestGetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("re-poll settles a payment whose confirm was lost", func(t *testing.T) {
		f := newFixture(t)
		userID, ref := f.pending(t, 0)
		f.authority.set("tx1", ref, worldcoin.TxSubmitted)
		_, err := f.r.Confirm(ctx, ref, "tx1")
		require.ErrorIs(t, err, ErrStillPending)

		f.authority.set("tx1", ref, worldcoin.TxMined)
		out, err := f.r.GetStatus(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, store.PaymentConfirmed, out.Payment.Status)
		assert.EqualValues(t, 10, f.ms.User(userID).Credits)
	})

	t.Run("terminal payments are read-only", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		f.authority.set("tx1", ref, worldcoin.TxFailed)
		_, err := f.r.Confirm(ctx, ref, "tx1")
		require.NoError(t, err)
		before := f.authority.calls.Load()

		out, err := f.r.GetStatus(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, store.PaymentFailed, out.Payment.Status)
		assert.Equal(t, before, f.authority.calls.Load())
	})

	t.Run("pending without transaction does not poll", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		out, err := f.r.GetStatus(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, store.PaymentPending, out.Payment.Status)
		assert.Zero(t, f.authority.calls.Load())
	})

	t.Run("still pending is not an error", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		f.authority.set("tx1", ref, worldcoin.TxSubmitted)
		_, _ = f.r.Confirm(ctx, ref, "tx1")

		out, err := f.r.GetStatus(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, store.PaymentPending, out.Payment.Status)
	})

	t.Run("outage during re-poll is transient", func(t *testing.T) {
		f := newFixture(t)
		_, ref := f.pending(t, 0)
		f.authority.set("tx1", ref, worldcoin.TxSubmitted)
		_, _ = f.r.Confirm(ctx, ref, "tx1")
		f.authority.err = worldcoin.ErrUnavailable

		_, err := f.r.GetStatus(ctx, ref)
		assert.ErrorIs(t, err, ErrAuthorityUnavailable)
		assert.Equal(t, store.PaymentPending, f.ms.Payment(ref).Status)
	})

	t.Run("unknown reference", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.GetStatus(ctx, "missing")
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})
}

func TestListPayments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID, ref := f.pending(t, 0)
	other := f.ms.SeedUser(0)
	_, err := f.r.Initiate(ctx, other.ID, 3, "WLD")
	require.NoError(t, err)

	all, err := f.r.ListPayments(ctx, userID, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ref, all[0].Reference)

	confirmed, err := f.r.ListPayments(ctx, userID, store.PaymentConfirmed)
	require.NoError(t, err)
	assert.Empty(t, confirmed)
}
