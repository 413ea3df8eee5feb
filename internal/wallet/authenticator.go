// Package wallet authenticates users by a signed sign-in message from their wallet.
//
// authenticator.go -- the sign-in state machine.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/MGallo-Code/persona/internal/chain"
	"github.com/MGallo-Code/persona/internal/siwe"
)

var (
	// ErrInvalidNonce: the nonce was unknown, expired, or already consumed.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrMalformedMessage: the payload or message is missing required parts.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrMessageValidationFailed: the message parsed but its contents do not check out
	// (wrong nonce or address, expired, not yet valid, non-success status).
	ErrMessageValidationFailed = errors.New("message validation failed")

	// ErrMalformedSignature: not hex, or not 65 bytes, or bad recovery id.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrSignatureInvalid: no key recovered, or the signer may not act for the wallet.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrRPCUnavailable: the chain could not be asked whether the signer owns the wallet.
	ErrRPCUnavailable = chain.ErrRPCUnavailable
)

// Payload is what the wallet returns after signing.
type Payload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// NonceConsumer redeems a nonce at most once. Satisfied by *nonce.Store.
type NonceConsumer interface {
	ValidateAndConsume(ctx context.Context, token string) (bool, error)
}

// Authorizer checks a recovered signer against the claimed wallet. Satisfied by *Verifier.
type Authorizer interface {
	VerifyAuthorization(ctx context.Context, claimed, recovered common.Address, chainID int64) error
}

// Authenticator runs a sign-in attempt end to end.
type Authenticator struct {
	nonces       NonceConsumer
	authz        Authorizer
	defaultChain int64
	now          func() time.Time
}

// NewAuthenticator returns an Authenticator. defaultChain is used for messages without a Chain ID.
func NewAuthenticator(nonces NonceConsumer, authz Authorizer, defaultChain int64) *Authenticator {
	return &Authenticator{
		nonces:       nonces,
		authz:        authz,
		defaultChain: defaultChain,
		now:          time.Now,
	}
}

// Authenticate verifies a signed sign-in payload against the nonce the client was issued.
// Returns the checksummed wallet address on success.
//
// Once the payload passes the presence and status checks, the nonce is consumed
// before anything else is inspected, so a failed attempt still burns it.
func (a *Authenticator) Authenticate(ctx context.Context, p Payload, nonce string) (common.Address, error) {
	if p.Message == "" || p.Signature == "" || p.Address == "" || nonce == "" {
		return common.Address{}, fmt.Errorf("%w: missing field", ErrMalformedMessage)
	}
	if p.Status != "success" {
		return common.Address{}, fmt.Errorf("%w: status %q", ErrMessageValidationFailed, p.Status)
	}

	ok, err := a.nonces.ValidateAndConsume(ctx, nonce)
	if err != nil {
		return common.Address{}, fmt.Errorf("consuming nonce: %w", err)
	}
	if !ok {
		return common.Address{}, ErrInvalidNonce
	}

	if !common.IsHexAddress(p.Address) {
		return common.Address{}, fmt.Errorf("%w: address", ErrMalformedMessage)
	}
	claimed := common.HexToAddress(p.Address)

	msg := siwe.Parse(p.Message)
	if msg.Domain == "" || msg.Address == "" {
		return common.Address{}, fmt.Errorf("%w: header", ErrMalformedMessage)
	}
	chainID, err := a.validate(msg, nonce, p.Address)
	if err != nil {
		return common.Address{}, err
	}

	recovered, err := RecoverSigner(p.Message, p.Signature)
	if err != nil {
		return common.Address{}, err
	}
	if err := a.authz.VerifyAuthorization(ctx, claimed, recovered, chainID); err != nil {
		return common.Address{}, err
	}
	return claimed, nil
}

// validate checks the parsed message against the expected nonce, address, and clock.
// Returns the chain ID the message targets.
func (a *Authenticator) validate(msg *siwe.Message, nonce, address string) (int64, error) {
	if msg.Nonce != nonce {
		return 0, fmt.Errorf("%w: nonce mismatch", ErrMessageValidationFailed)
	}
	if !strings.EqualFold(msg.Address, address) {
		return 0, fmt.Errorf("%w: address mismatch", ErrMessageValidationFailed)
	}

	now := a.now()
	if msg.ExpirationTime != "" {
		exp, err := time.Parse(time.RFC3339Nano, msg.ExpirationTime)
		if err != nil {
			return 0, fmt.Errorf("%w: expiration time", ErrMessageValidationFailed)
		}
		if !now.Before(exp) {
			return 0, fmt.Errorf("%w: expired", ErrMessageValidationFailed)
		}
	}
	if msg.NotBefore != "" {
		nb, err := time.Parse(time.RFC3339Nano, msg.NotBefore)
		if err != nil {
			return 0, fmt.Errorf("%w: not before", ErrMessageValidationFailed)
		}
		if now.Before(nb) {
			return 0, fmt.Errorf("%w: not yet valid", ErrMessageValidationFailed)
		}
	}

	if msg.ChainID == "" {
		return a.defaultChain, nil
	}
	id, err := strconv.ParseInt(msg.ChainID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: chain id", ErrMessageValidationFailed)
	}
	return id, nil
}
