package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	// Helper sets the minimum required env vars for a valid config and
	// clears the optional feature switches.
	setRequired := func(t *testing.T) {
		t.Helper()
		t.Setenv("DATABASE_URL", "postgres://localhost/persona")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		for _, k := range []string{
			"PORT", "CHAINS_FILE", "PAYMENT_RECIPIENT_ADDRESS", "WORLD_APP_ID", "DEV_PORTAL_API_KEY",
			"TOKEN_CONTRACT_ADDRESS", "TOKEN_SIGNER_PRIVATE_KEY", "WLD_PER_CREDIT", "NONCE_TTL",
			"NEW_USER_CREDITS",
		} {
			t.Setenv(k, "")
		}
	}

	t.Run("returns valid config with all required vars", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/persona" {
			t.Errorf("DatabaseURL: expected %q, got %q", "postgres://localhost/persona", cfg.DatabaseURL)
		}
		if cfg.PaymentsEnabled() {
			t.Error("payments should be disabled without a recipient")
		}
		if cfg.RedemptionEnabled() {
			t.Error("redemption should be disabled without contract and key")
		}
	})

	t.Run("errors when DATABASE_URL is missing", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DATABASE_URL", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing DATABASE_URL, got nil")
		}
	})

	t.Run("errors when REDIS_URL is missing", func(t *testing.T) {
		setRequired(t)
		t.Setenv("REDIS_URL", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing REDIS_URL, got nil")
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("Port: expected 8080, got %q", cfg.Port)
		}
		if cfg.NonceTTL != 15*time.Minute {
			t.Errorf("NonceTTL: expected 15m, got %v", cfg.NonceTTL)
		}
		if cfg.RPCTimeout != 5*time.Second {
			t.Errorf("RPCTimeout: expected 5s, got %v", cfg.RPCTimeout)
		}
		if cfg.DefaultChainID != 480 {
			t.Errorf("DefaultChainID: expected 480, got %d", cfg.DefaultChainID)
		}
		if cfg.WLDPerCredit.String() != "0.01" {
			t.Errorf("WLDPerCredit: expected 0.01, got %s", cfg.WLDPerCredit)
		}
		if cfg.TokenMultiplier != 100 {
			t.Errorf("TokenMultiplier: expected 100, got %d", cfg.TokenMultiplier)
		}
		if cfg.NewUserCredits != 100 {
			t.Errorf("NewUserCredits: expected 100, got %d", cfg.NewUserCredits)
		}
		if len(cfg.Chains) != 2 {
			t.Errorf("Chains: expected 2 built-in chains, got %d", len(cfg.Chains))
		}
	})

	t.Run("NEW_USER_CREDITS accepts zero", func(t *testing.T) {
		setRequired(t)
		t.Setenv("NEW_USER_CREDITS", "0")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.NewUserCredits != 0 {
			t.Errorf("NewUserCredits: expected 0, got %d", cfg.NewUserCredits)
		}
	})

	t.Run("invalid NONCE_TTL falls back to default", func(t *testing.T) {
		setRequired(t)
		t.Setenv("NONCE_TTL", "soon")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.NonceTTL != 15*time.Minute {
			t.Errorf("NonceTTL: expected 15m fallback, got %v", cfg.NonceTTL)
		}
	})

	t.Run("payment recipient is checksummed", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PAYMENT_RECIPIENT_ADDRESS", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
		t.Setenv("WORLD_APP_ID", "app_123")
		t.Setenv("DEV_PORTAL_API_KEY", "key")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.PaymentRecipient != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
			t.Errorf("PaymentRecipient: got %q", cfg.PaymentRecipient)
		}
		if !cfg.PaymentsEnabled() {
			t.Error("payments should be enabled")
		}
	})

	t.Run("payments require World App credentials", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PAYMENT_RECIPIENT_ADDRESS", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error when WORLD_APP_ID is missing")
		}
	})

	t.Run("invalid payment recipient errors", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PAYMENT_RECIPIENT_ADDRESS", "not-an-address")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for invalid recipient")
		}
	})

	t.Run("token contract without key errors", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TOKEN_CONTRACT_ADDRESS", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error when only the contract is set")
		}
	})

	t.Run("token redemption enabled with valid key", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TOKEN_CONTRACT_ADDRESS", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
		t.Setenv("TOKEN_SIGNER_PRIVATE_KEY", "0x"+testSignerKey)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if !cfg.RedemptionEnabled() {
			t.Error("redemption should be enabled")
		}
		if cfg.TokenSignerKey != testSignerKey {
			t.Error("TokenSignerKey: 0x prefix should be stripped")
		}
	})

	t.Run("garbage signer key errors", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TOKEN_CONTRACT_ADDRESS", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
		t.Setenv("TOKEN_SIGNER_PRIVATE_KEY", "zz")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for invalid signer key")
		}
	})

	t.Run("CHAINS_FILE overrides built-in endpoints", func(t *testing.T) {
		setRequired(t)
		path := filepath.Join(t.TempDir(), "chains.yml")
		body := "chains:\n  - id: 480\n    name: worldchain\n    rpc_url: https://rpc.example.com\n  - id: 10\n    name: optimism\n    rpc_url: https://mainnet.optimism.io\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("CHAINS_FILE", path)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if len(cfg.Chains) != 3 {
			t.Fatalf("expected 3 chains, got %d", len(cfg.Chains))
		}
		// Sorted by ID: 10, 480, 4801.
		if cfg.Chains[0].ID != 10 || cfg.Chains[1].RPCURL != "https://rpc.example.com" {
			t.Errorf("unexpected chains: %+v", cfg.Chains)
		}
	})
}

// --- LoadChains ---

func TestLoadChains(t *testing.T) {
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "chains.yml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("missing file errors", func(t *testing.T) {
		if _, err := LoadChains(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("entry without id errors", func(t *testing.T) {
		if _, err := LoadChains(write(t, "chains:\n  - rpc_url: https://x\n")); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("non-http rpc_url errors", func(t *testing.T) {
		if _, err := LoadChains(write(t, "chains:\n  - id: 1\n    rpc_url: ftp://x\n")); err == nil {
			t.Fatal("expected error")
		}
	})
}
