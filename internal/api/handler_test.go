// handler_test.go

// shared fixtures and assertions for handler tests.
package api

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/persona/internal/ledger"
	"github.com/MGallo-Code/persona/internal/nonce"
	"github.com/MGallo-Code/persona/internal/payment"
	"github.com/MGallo-Code/persona/internal/redeem"
	"github.com/MGallo-Code/persona/internal/store"
	"github.com/MGallo-Code/persona/internal/testutil"
	"github.com/MGallo-Code/persona/internal/wallet"
	"github.com/MGallo-Code/persona/internal/worldcoin"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const testRecipient = "0x00000000000000000000000000000000000000aA"

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000cC")

// --- Fakes ---

// fakeWallets returns a fixed address or error from Authenticate.
type fakeWallets struct {
	addr  common.Address
	err   error
	calls int
}

func (f *fakeWallets) Authenticate(_ context.Context, _ wallet.Payload, _ string) (common.Address, error) {
	f.calls++
	return f.addr, f.err
}

// fakeProofs returns err from VerifyProof.
type fakeProofs struct {
	err error
}

func (f *fakeProofs) VerifyProof(_ context.Context, _ worldcoin.Proof) error {
	return f.err
}

// fakeAuthority serves transactions by id.
type fakeAuthority struct {
	txs map[string]*worldcoin.Transaction
	err error
}

func (f *fakeAuthority) GetTransaction(_ context.Context, id string) (*worldcoin.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := f.txs[id]
	if !ok {
		return nil, worldcoin.ErrTransactionNotFound
	}
	return tx, nil
}

// fakeChains answers every balanceOf with balance wei.
type fakeChains struct {
	balance *big.Int
	err     error
}

func (f *fakeChains) Call(_ context.Context, _ int64, _ ethereum.CallMsg) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

// testEnv bundles a Handler with handles on its fakes.
type testEnv struct {
	h         *Handler
	ps        *testutil.MemStore
	rs        *testutil.MockCache
	rl        *testutil.MockRateLimiter
	wallets   *fakeWallets
	proofs    *fakeProofs
	authority *fakeAuthority
	chains    *fakeChains
	signer    *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	env := &testEnv{
		ps:        testutil.NewMemStore(),
		rs:        testutil.NewMockCache(),
		rl:        &testutil.MockRateLimiter{},
		wallets:   &fakeWallets{addr: crypto.PubkeyToAddress(key.PublicKey)},
		proofs:    &fakeProofs{},
		authority: &fakeAuthority{txs: make(map[string]*worldcoin.Transaction)},
		chains:    &fakeChains{balance: big.NewInt(0)},
		signer:    key,
	}
	pricer := payment.NewPricer(nil, decimal.RequireFromString("0.01"))
	env.h = &Handler{
		PS:       env.ps,
		RS:       env.rs,
		RL:       env.rl,
		Nonces:   nonce.NewStore(env.ps, time.Minute),
		Wallets:  env.wallets,
		Ledger:   ledger.New(env.ps),
		Payments: payment.NewReconciler(env.ps, env.authority, pricer, testRecipient),
		Redeem: redeem.NewIssuer(env.ps, env.chains, redeem.Config{
			Contract:   testContract,
			ChainID:    480,
			Signer:     key,
			Multiplier: 100,
		}),
		WorldID: env.proofs,
		Settings: Settings{
			SessionTTL:      time.Hour,
			RegistrationTTL: 10 * time.Minute,
			NewUserCredits:  10,
			MessageCost:     1,
		},
	}
	return env
}

// --- Request helpers ---

func newRequest(method, target, body string) *http.Request {
	var rdr io.Reader = http.NoBody
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.RemoteAddr = "203.0.113.7:4242"
	req.Header.Set("User-Agent", "persona-test")
	return req
}

// asUser injects what RequireAuth would for userID.
func asUser(req *http.Request, userID int64) *http.Request {
	ctx := context.WithValue(req.Context(), userIDKey, userID)
	ctx = context.WithValue(ctx, tokenHashKey, []byte("test-token-hash"))
	return req.WithContext(ctx)
}

// withURLParam sets a chi route parameter on req.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(req.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func serve(handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

// decode unmarshals the response body into v.
func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
}

// --- Assertions ---

// assertMessage checks status and the exact {"message": ...} body.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d (body %q)", status, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	expected := fmt.Sprintf(`{"message":"%s"}`, msg)
	if w.Body.String() != expected {
		t.Errorf("body: expected %q, got %q", expected, w.Body.String())
	}
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status: expected %d, got %d (body %q)", status, w.Code, w.Body.String())
	}
}

// seedLinkedUser creates a user owning the fake wallet's address.
func (e *testEnv) seedLinkedUser(credits int64) *store.User {
	return e.ps.SeedWalletUser(e.wallets.addr.Hex(), credits)
}

func serveHandler(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}
