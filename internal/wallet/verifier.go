// verifier.go -- signer-to-wallet authorization, including contract wallets.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/MGallo-Code/persona/internal/chain"
)

// ownerABI is the single Safe-style method we call on contract wallets.
const ownerABI = `[{"type":"function","name":"isOwner","stateMutability":"view",
	"inputs":[{"name":"owner","type":"address"}],
	"outputs":[{"name":"","type":"bool"}]}]`

var parsedOwnerABI = mustParseABI(ownerABI)

func mustParseABI(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return a
}

// ContractCaller routes view calls to a chain. Satisfied by *chain.Registry.
type ContractCaller interface {
	Call(ctx context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error)
}

// Verifier decides whether a recovered signer may act for a claimed wallet.
type Verifier struct {
	chains ContractCaller
}

// NewVerifier returns a Verifier that consults chains for contract wallets.
func NewVerifier(chains ContractCaller) *Verifier {
	return &Verifier{chains: chains}
}

// VerifyAuthorization returns nil iff recovered is claimed (case-insensitive) or
// the contract at claimed reports isOwner(recovered) == true on chainID.
//
// Never authorizes on error. ErrRPCUnavailable means the chain could not be asked;
// every other failure (false, revert, bad output, unknown chain) is ErrSignatureInvalid.
func (v *Verifier) VerifyAuthorization(ctx context.Context, claimed, recovered common.Address, chainID int64) error {
	if claimed == recovered {
		return nil
	}
	if v.chains == nil {
		return fmt.Errorf("%w: signer does not match wallet", ErrSignatureInvalid)
	}

	data, err := parsedOwnerABI.Pack("isOwner", recovered)
	if err != nil {
		return fmt.Errorf("packing isOwner: %w", err)
	}
	out, err := v.chains.Call(ctx, chainID, ethereum.CallMsg{To: &claimed, Data: data})
	if err != nil {
		if errors.Is(err, chain.ErrRPCUnavailable) {
			return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	// An EOA or non-Safe contract answers with empty or short data.
	res, err := parsedOwnerABI.Unpack("isOwner", out)
	if err != nil || len(res) != 1 {
		return fmt.Errorf("%w: undecodable isOwner result", ErrSignatureInvalid)
	}
	owner, ok := res[0].(bool)
	if !ok || !owner {
		return fmt.Errorf("%w: signer is not an owner", ErrSignatureInvalid)
	}
	return nil
}
