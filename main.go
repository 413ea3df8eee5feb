package main

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/persona/internal/api"
	"github.com/MGallo-Code/persona/internal/chain"
	"github.com/MGallo-Code/persona/internal/config"
	"github.com/MGallo-Code/persona/internal/ledger"
	"github.com/MGallo-Code/persona/internal/metrics"
	"github.com/MGallo-Code/persona/internal/nonce"
	"github.com/MGallo-Code/persona/internal/payment"
	"github.com/MGallo-Code/persona/internal/redeem"
	"github.com/MGallo-Code/persona/internal/store"
	"github.com/MGallo-Code/persona/internal/wallet"
	"github.com/MGallo-Code/persona/internal/worldcoin"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer lj.Close()
		out = lj
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb, chains) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	applied, err := ps.Migrate(ctx, migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("migrations complete", "applied", applied)

	// Create shared Redis client; all Redis structs share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	rs := store.NewRedisStore(rdb)
	rl := store.NewRedisRateLimiter(rdb)

	// Chain clients dial lazily on first use.
	endpoints := make(map[int64]string, len(cfg.Chains))
	for _, c := range cfg.Chains {
		endpoints[c.ID] = c.RPCURL
	}
	chains := chain.NewRegistry(endpoints, cfg.RPCTimeout, chain.DialEthClient)
	defer chains.Close()

	nonces := nonce.NewStore(ps, cfg.NonceTTL)
	wc := worldcoin.NewClient(cfg.WorldAppID, cfg.DevPortalAPIKey, cfg.ExternalTimeout)

	h, err := newHandler(cfg, ps, rs, rl, nonces, chains, wc)
	if err != nil {
		return err
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h)}

	// Cleanup goroutine; removes sessions and nonces expired >7 days ago, runs every 24h.
	// Cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go func() {
		const retention = 7 * 24 * time.Hour
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := ps.CleanupExpiredSessions(cleanupCtx, retention)
				if err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else {
					slog.Info("session cleanup complete", "deleted", n)
				}
				n, err = nonces.Cleanup(cleanupCtx, retention)
				if err != nil {
					slog.Warn("nonce cleanup failed", "error", err)
				} else {
					slog.Info("nonce cleanup complete", "deleted", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("persona listening", "addr", ln.Addr().String(),
			"payments", cfg.PaymentsEnabled(), "redemption", cfg.RedemptionEnabled())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting, then waits for in-flight requests up to the timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// newHandler assembles the services behind the HTTP handlers. Payments and
// token redemption are left nil unless configured.
func newHandler(cfg *config.Config, ps *store.PostgresStore, rs *store.RedisStore, rl *store.RedisRateLimiter,
	nonces *nonce.Store, chains *chain.Registry, wc *worldcoin.Client) (*api.Handler, error) {
	h := &api.Handler{
		PS:      ps,
		RS:      rs,
		RL:      rl,
		Nonces:  nonces,
		Wallets: wallet.NewAuthenticator(nonces, wallet.NewVerifier(chains), cfg.DefaultChainID),
		Ledger:  ledger.New(ps),
		Settings: api.Settings{
			SessionTTL:      cfg.SessionTTL,
			RegistrationTTL: cfg.RegistrationTTL,
			NewUserCredits:  cfg.NewUserCredits,
			MessageCost:     cfg.MessageCost,
			WalletAuthPolicy: store.RateLimit{
				MaxAttempts: cfg.RateWalletAuthMax,
				Window:      cfg.RateWalletAuthWindow,
				LockoutTTL:  cfg.RateWalletAuthLockout,
			},
			NoncePolicy: store.RateLimit{
				MaxAttempts: cfg.RateNonceMax,
				Window:      cfg.RateNonceWindow,
				LockoutTTL:  cfg.RateNonceLockout,
			},
		},
	}

	if cfg.WorldAppID != "" {
		h.WorldID = wc
	}
	if cfg.PaymentsEnabled() {
		pricer := payment.NewPricer(wc, cfg.WLDPerCredit)
		h.Payments = payment.NewReconciler(ps, wc, pricer, cfg.PaymentRecipient)
	}
	if cfg.RedemptionEnabled() {
		key, err := crypto.HexToECDSA(cfg.TokenSignerKey)
		if err != nil {
			return nil, fmt.Errorf("loading token signer key: %w", err)
		}
		issuer := redeem.NewIssuer(ps, chains, redeem.Config{
			Contract:   common.HexToAddress(cfg.TokenContract),
			ChainID:    cfg.TokenChainID,
			Signer:     key,
			Multiplier: cfg.TokenMultiplier,
		})
		slog.Info("token redemption enabled", "signer", issuer.SignerAddress().Hex(), "contract", cfg.TokenContract)
		h.Redeem = issuer
	}
	return h, nil
}

// buildRouter wires all routes and middleware.
// Feature routes are mounted only when their service is configured.
func buildRouter(h *api.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/auth/nonce", h.Nonce)
	r.Post("/auth/wallet", h.WalletAuth)
	r.Post("/auth/new-user", h.NewUser)
	if h.WorldID != nil {
		r.Post("/auth/world-id", h.WorldIDAuth)
	}
	if h.Payments != nil {
		// The reference authorizes confirmation; MiniKit may call back without a session.
		r.Post("/payments/confirm", h.ConfirmPayment)
	}

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/auth/logout", h.Logout)
		r.Post("/auth/link-wallet", h.LinkWallet)
		r.Get("/me", h.Me)
		r.Get("/credits", h.Credits)
		r.Post("/credits/spend", h.SpendCredits)

		if h.Payments != nil {
			r.Post("/payments/initiate", h.InitiatePayment)
			r.Get("/payments", h.ListPayments)
			r.Get("/payments/{reference}/status", h.PaymentStatus)
		}
		if h.Redeem != nil {
			r.Get("/tokens/redeemable", h.Redeemable)
			r.Post("/tokens/redeem", h.RedeemTokens)
			r.Get("/tokens/redemptions", h.Redemptions)
			r.Post("/tokens/redemptions/{id}/status", h.UpdateRedemptionStatus)
			r.Get("/tokens/balance", h.TokenBalance)
		}
	})

	return r
}
