// signature.go -- message hashing and signer recovery.
package wallet

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// personalPrefix is the ERC-191 version 0x45 header.
const personalPrefix = "\x19Ethereum Signed Message:\n"

// DoublePrefixedHash applies the personal-message prefix twice and hashes:
//
//	inner = prefix + len(message) + message
//	hash  = keccak256(prefix + len(inner) + inner)
//
// This is what World App wallets sign. Lengths are byte lengths.
func DoublePrefixedHash(message string) []byte {
	inner := fmt.Sprintf("%s%d%s", personalPrefix, len(message), message)
	return accounts.TextHash([]byte(inner))
}

// decodeSignature parses a hex signature into 65 bytes with v normalized to {0,1}.
func decodeSignature(signatureHex string) ([]byte, error) {
	s := strings.TrimSpace(signatureHex)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	sig, err := hexutil.Decode(strings.ToLower(s[:2]) + s[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return nil, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, sig[crypto.RecoveryIDOffset])
	}
	return sig, nil
}

// RecoverSigner returns the address whose key produced signatureHex over
// DoublePrefixedHash(message). The signature is r || s || v with optional 0x prefix.
// Returns ErrMalformedSignature for bad encoding and ErrSignatureInvalid if no key recovers.
func RecoverSigner(message, signatureHex string) (common.Address, error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(DoublePrefixedHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
