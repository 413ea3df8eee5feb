// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Config holds all env configuration vars for persona.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level
	// LogFile, when set, sends logs to a rotated file instead of stdout.
	LogFile string

	// Session, nonce, and wallet-registration ticket lifetimes.
	// Defaults: 720h, 15m, 10m.
	SessionTTL      time.Duration
	NonceTTL        time.Duration
	RegistrationTTL time.Duration

	// Hard timeouts for chain RPC and World App HTTP calls. Default 5s each.
	RPCTimeout      time.Duration
	ExternalTimeout time.Duration

	// DefaultChainID is used when a signed message carries no Chain ID.
	DefaultChainID int64
	// Chains maps chain IDs to RPC endpoints. Built-in World Chain entries,
	// overridden by CHAINS_FILE when set.
	Chains []Chain

	// World App developer portal credentials.
	WorldAppID      string
	DevPortalAPIKey string

	// Payments are enabled when PaymentRecipient is set.
	PaymentRecipient string
	WLDPerCredit     decimal.Decimal

	// NewUserCredits is the starting balance for new accounts. Default 100.
	NewUserCredits int64
	// MessageCost is charged per chat message. Default 1.
	MessageCost int64

	// Token redemption is enabled when both contract and signer key are set.
	TokenContract   string
	TokenSignerKey  string
	TokenChainID    int64
	TokenMultiplier int64

	// Rate limit policy for wallet sign-in attempts per IP.
	// Defaults: max=10, window=10m, lockout=15m.
	RateWalletAuthMax     int
	RateWalletAuthWindow  time.Duration
	RateWalletAuthLockout time.Duration

	// Rate limit policy for nonce issuance per IP.
	// Defaults: max=30, window=1m, lockout=5m.
	RateNonceMax     int
	RateNonceWindow  time.Duration
	RateNonceLockout time.Duration
}

// PaymentsEnabled reports whether a payment recipient is configured.
func (c *Config) PaymentsEnabled() bool {
	return c.PaymentRecipient != ""
}

// RedemptionEnabled reports whether token redemption can sign grants.
func (c *Config) RedemptionEnabled() bool {
	return c.TokenContract != "" && c.TokenSignerKey != ""
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing
// or if any configured address, key, or chains file is malformed.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Attempt to get db url, if missing, err
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Attempt to get redis url, if missing, err
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	cfg.SessionTTL = envDuration("SESSION_TTL", 720*time.Hour)
	cfg.NonceTTL = envDuration("NONCE_TTL", 15*time.Minute)
	cfg.RegistrationTTL = envDuration("REGISTRATION_TTL", 10*time.Minute)
	cfg.RPCTimeout = envDuration("RPC_TIMEOUT", 5*time.Second)
	cfg.ExternalTimeout = envDuration("EXTERNAL_TIMEOUT", 5*time.Second)

	cfg.DefaultChainID = int64(envInt("DEFAULT_CHAIN_ID", 480))
	cfg.Chains = DefaultChains()
	if path := os.Getenv("CHAINS_FILE"); path != "" {
		chains, err := LoadChains(path)
		if err != nil {
			return nil, err
		}
		cfg.Chains = MergeChains(cfg.Chains, chains)
	}

	cfg.WorldAppID = os.Getenv("WORLD_APP_ID")
	cfg.DevPortalAPIKey = os.Getenv("DEV_PORTAL_API_KEY")

	// Payments -- optional; recipient must be a valid address when set.
	if v := os.Getenv("PAYMENT_RECIPIENT_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("PAYMENT_RECIPIENT_ADDRESS is not a valid address")
		}
		cfg.PaymentRecipient = common.HexToAddress(v).Hex()
		if cfg.WorldAppID == "" || cfg.DevPortalAPIKey == "" {
			return nil, fmt.Errorf("WORLD_APP_ID and DEV_PORTAL_API_KEY are required when payments are enabled")
		}
	}
	cfg.WLDPerCredit = decimal.RequireFromString("0.01")
	if v := os.Getenv("WLD_PER_CREDIT"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			slog.Warn("invalid env var, using default", "key", "WLD_PER_CREDIT", "value", v, "default", "0.01")
		} else {
			cfg.WLDPerCredit = d
		}
	}

	cfg.NewUserCredits = int64(envIntAllowZero("NEW_USER_CREDITS", 100))
	cfg.MessageCost = int64(envInt("MESSAGE_COST", 1))

	// Token redemption -- both or neither.
	cfg.TokenContract = os.Getenv("TOKEN_CONTRACT_ADDRESS")
	cfg.TokenSignerKey = strings.TrimPrefix(os.Getenv("TOKEN_SIGNER_PRIVATE_KEY"), "0x")
	if (cfg.TokenContract == "") != (cfg.TokenSignerKey == "") {
		return nil, fmt.Errorf("TOKEN_CONTRACT_ADDRESS and TOKEN_SIGNER_PRIVATE_KEY must be set together")
	}
	if cfg.TokenContract != "" {
		if !common.IsHexAddress(cfg.TokenContract) {
			return nil, fmt.Errorf("TOKEN_CONTRACT_ADDRESS is not a valid address")
		}
		cfg.TokenContract = common.HexToAddress(cfg.TokenContract).Hex()
		// Never echo the key itself.
		if _, err := crypto.HexToECDSA(cfg.TokenSignerKey); err != nil {
			return nil, fmt.Errorf("TOKEN_SIGNER_PRIVATE_KEY is not a valid secp256k1 key")
		}
	}
	cfg.TokenChainID = int64(envInt("TOKEN_CHAIN_ID", 480))
	cfg.TokenMultiplier = int64(envInt("TOKEN_MULTIPLIER", 100))

	// Rate limits. Invalid or missing fields fall back to defaults so a
	// misconfigured env doesn't silently disable rate limiting.
	cfg.RateWalletAuthMax = envInt("RATE_WALLET_AUTH_MAX", 10)
	cfg.RateWalletAuthWindow = envDuration("RATE_WALLET_AUTH_WINDOW", 10*time.Minute)
	cfg.RateWalletAuthLockout = envDuration("RATE_WALLET_AUTH_LOCKOUT", 15*time.Minute)
	cfg.RateNonceMax = envInt("RATE_NONCE_MAX", 30)
	cfg.RateNonceWindow = envDuration("RATE_NONCE_WINDOW", time.Minute)
	cfg.RateNonceLockout = envDuration("RATE_NONCE_LOCKOUT", 5*time.Minute)

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envIntAllowZero is envInt but accepts 0.
func envIntAllowZero(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
