// Package redeem turns earned character messages into signed token mint grants.
//
// A grant is a service signature over (wallet, amount, nonce) that the token
// contract's mintWithSignature accepts once. The user submits the mint
// transaction themselves and reports the outcome back with UpdateStatus.
package redeem

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/MGallo-Code/persona/internal/metrics"
	"github.com/MGallo-Code/persona/internal/store"
)

// TokenDecimals is the token contract's precision.
const TokenDecimals = 18

var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// DefaultMultiplier is tokens earned per received character message.
const DefaultMultiplier = 100

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidAddress         = errors.New("invalid wallet address")
	ErrInvalidStatus          = errors.New("invalid redemption status")
	ErrUserNotFound           = store.ErrUserNotFound
	ErrInsufficientRedeemable = store.ErrInsufficientRedeemable

	// ErrRedemptionFinalized is returned when updating a completed or failed redemption.
	ErrRedemptionFinalized = errors.New("redemption already finalized")
)

const tokenABI = `[{"type":"function","name":"balanceOf","stateMutability":"view",
	"inputs":[{"name":"account","type":"address"}],
	"outputs":[{"name":"","type":"uint256"}]}]`

var parsedTokenABI = mustParseABI(tokenABI)

func mustParseABI(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return a
}

// Store is the persistence the issuer needs. Satisfied by *store.PostgresStore.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	CreateRedemption(ctx context.Context, r *store.Redemption, multiplier int64) (int64, error)
	GetRedemption(ctx context.Context, id uuid.UUID) (*store.Redemption, error)
	FinalizeRedemption(ctx context.Context, id uuid.UUID, status string, txHash *string) (*store.Redemption, error)
	ListRedemptionsByUser(ctx context.Context, userID int64, status string) ([]store.Redemption, error)
}

// ContractCaller routes view calls to a chain. Satisfied by *chain.Registry.
type ContractCaller interface {
	Call(ctx context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error)
}

// Config describes the token contract and the service's signing key.
type Config struct {
	Contract   common.Address
	ChainID    int64
	Signer     *ecdsa.PrivateKey
	Multiplier int64
}

// Issuer signs mint grants against earned balances.
type Issuer struct {
	store      Store
	chains     ContractCaller
	contract   common.Address
	chainID    int64
	signer     *ecdsa.PrivateKey
	multiplier int64
}

// NewIssuer returns an Issuer. Multiplier <= 0 uses DefaultMultiplier.
func NewIssuer(s Store, chains ContractCaller, cfg Config) *Issuer {
	m := cfg.Multiplier
	if m <= 0 {
		m = DefaultMultiplier
	}
	return &Issuer{
		store:      s,
		chains:     chains,
		contract:   cfg.Contract,
		chainID:    cfg.ChainID,
		signer:     cfg.Signer,
		multiplier: m,
	}
}

// Grant is everything a wallet needs to call mintWithSignature.
type Grant struct {
	RedemptionID    uuid.UUID
	Nonce           string // 0x-prefixed bytes32
	Signature       string // 0x-prefixed, 65 bytes, v in {27, 28}
	Amount          int64
	AmountWei       *big.Int
	ContractAddress common.Address
	WalletAddress   common.Address
}

// CalculateRedeemable returns the tokens a user may still redeem:
// max(0, messagesReceived*multiplier - redeemed). The product saturates at
// math.MaxInt64.
func CalculateRedeemable(messagesReceived, redeemed, multiplier int64) int64 {
	if messagesReceived <= 0 || multiplier <= 0 {
		return 0
	}
	earned := int64(math.MaxInt64)
	if messagesReceived <= math.MaxInt64/multiplier {
		earned = messagesReceived * multiplier
	}
	return max(0, earned-redeemed)
}

// Redeemable returns the user's redeemable token balance.
func (i *Issuer) Redeemable(ctx context.Context, userID int64) (int64, error) {
	u, err := i.store.GetUserByID(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("fetching user %d: %w", userID, err)
	}
	return CalculateRedeemable(u.CharacterMessagesReceived, u.TokensRedeemed, i.multiplier), nil
}

// Multiplier returns the tokens earned per received message.
func (i *Issuer) Multiplier() int64 {
	return i.multiplier
}

// CreateRedemption reserves amount tokens from the user's earned balance and
// returns a signed grant. The reservation and the pending row commit together;
// nothing is reserved when signing fails.
func (i *Issuer) CreateRedemption(ctx context.Context, userID int64, walletAddress string, amount int64) (*Grant, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !common.IsHexAddress(walletAddress) {
		return nil, ErrInvalidAddress
	}
	wallet := common.HexToAddress(walletAddress)

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating redemption nonce: %w", err)
	}
	wei := new(big.Int).Mul(big.NewInt(amount), weiPerToken)

	sig, err := i.sign(wallet, wei, nonce)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating redemption id: %w", err)
	}
	r := &store.Redemption{
		ID:            id,
		UserID:        userID,
		WalletAddress: wallet.Hex(),
		Amount:        amount,
		Nonce:         hexutil.Encode(nonce[:]),
		Signature:     hexutil.Encode(sig),
	}
	if _, err := i.store.CreateRedemption(ctx, r, i.multiplier); err != nil {
		return nil, err
	}
	metrics.Redemption(store.RedemptionPending)

	return &Grant{
		RedemptionID:    id,
		Nonce:           r.Nonce,
		Signature:       r.Signature,
		Amount:          amount,
		AmountWei:       wei,
		ContractAddress: i.contract,
		WalletAddress:   wallet,
	}, nil
}

// sign produces the personal-message signature the contract verifies:
// keccak256(abi.encodePacked(wallet, amountWei, nonce)), EIP-191 prefixed.
func (i *Issuer) sign(wallet common.Address, amountWei *big.Int, nonce [32]byte) ([]byte, error) {
	digest := MintDigest(wallet, amountWei, nonce)
	sig, err := crypto.Sign(accounts.TextHash(digest), i.signer)
	if err != nil {
		return nil, fmt.Errorf("signing mint grant: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// MintDigest is the Solidity-packed keccak256 of (address, uint256, bytes32).
func MintDigest(wallet common.Address, amountWei *big.Int, nonce [32]byte) []byte {
	return crypto.Keccak256(
		wallet.Bytes(),
		common.LeftPadBytes(amountWei.Bytes(), 32),
		nonce[:],
	)
}

// SignerAddress returns the address mint grants are signed by.
func (i *Issuer) SignerAddress() common.Address {
	return crypto.PubkeyToAddress(i.signer.PublicKey)
}

// UpdateStatus moves a pending redemption to completed or failed.
// Returns false if the redemption does not exist, ErrRedemptionFinalized if it
// already left pending. A failed redemption returns its tokens to the earned balance.
func (i *Issuer) UpdateStatus(ctx context.Context, redemptionID uuid.UUID, status string, txHash *string) (bool, error) {
	if status != store.RedemptionCompleted && status != store.RedemptionFailed {
		return false, ErrInvalidStatus
	}
	_, err := i.store.FinalizeRedemption(ctx, redemptionID, status, txHash)
	switch {
	case errors.Is(err, store.ErrRedemptionNotFound):
		return false, nil
	case errors.Is(err, store.ErrRedemptionNotPending):
		return false, ErrRedemptionFinalized
	case err != nil:
		return false, err
	}
	metrics.Redemption(status)
	return true, nil
}

// Redemption returns a single redemption, or store.ErrRedemptionNotFound.
func (i *Issuer) Redemption(ctx context.Context, id uuid.UUID) (*store.Redemption, error) {
	return i.store.GetRedemption(ctx, id)
}

// ListRedemptions returns the user's redemptions, newest first. Empty status means all.
func (i *Issuer) ListRedemptions(ctx context.Context, userID int64, status string) ([]store.Redemption, error) {
	return i.store.ListRedemptionsByUser(ctx, userID, status)
}

// Balance returns wallet's on-chain token balance in whole-token units.
func (i *Issuer) Balance(ctx context.Context, wallet common.Address) (decimal.Decimal, error) {
	data, err := parsedTokenABI.Pack("balanceOf", wallet)
	if err != nil {
		return decimal.Zero, fmt.Errorf("packing balanceOf: %w", err)
	}
	out, err := i.chains.Call(ctx, i.chainID, ethereum.CallMsg{To: &i.contract, Data: data})
	if err != nil {
		return decimal.Zero, err
	}
	res, err := parsedTokenABI.Unpack("balanceOf", out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decoding balanceOf result: %w", err)
	}
	if len(res) != 1 {
		return decimal.Zero, fmt.Errorf("decoding balanceOf result: got %d values", len(res))
	}
	wei, ok := res[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected balanceOf type %T", res[0])
	}
	return decimal.NewFromBigInt(wei, -TokenDecimals), nil
}
