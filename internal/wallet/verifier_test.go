package wallet

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/MGallo-Code/persona/internal/chain"
)

// fakeChains answers isOwner calls from a table, or fails with err.
type fakeChains struct {
	owners map[common.Address]map[common.Address]bool // wallet -> owner -> true
	out    []byte                                     // raw override when non-nil
	err    error
	calls  int
	last   ethereum.CallMsg
	chain  int64
}

func (f *fakeChains) Call(_ context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error) {
	f.calls++
	f.last = msg
	f.chain = chainID
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	args, err := parsedOwnerABI.Methods["isOwner"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	owner := args[0].(common.Address)
	return parsedOwnerABI.Methods["isOwner"].Outputs.Pack(f.owners[*msg.To][owner])
}

func TestVerifyAuthorization(t *testing.T) {
	ctx := context.Background()
	signer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	safe := common.HexToAddress("0x2222222222222222222222222222222222222222")

	t.Run("same address authorizes without rpc", func(t *testing.T) {
		fc := &fakeChains{}
		v := NewVerifier(fc)
		require.NoError(t, v.VerifyAuthorization(ctx, signer, signer, 480))
		require.Zero(t, fc.calls)
	})

	t.Run("contract wallet owner authorizes", func(t *testing.T) {
		fc := &fakeChains{owners: map[common.Address]map[common.Address]bool{safe: {signer: true}}}
		v := NewVerifier(fc)
		require.NoError(t, v.VerifyAuthorization(ctx, safe, signer, 480))
		require.Equal(t, 1, fc.calls)
		require.Equal(t, int64(480), fc.chain)
		require.Equal(t, safe, *fc.last.To)
	})

	t.Run("non-owner is rejected", func(t *testing.T) {
		fc := &fakeChains{owners: map[common.Address]map[common.Address]bool{}}
		err := NewVerifier(fc).VerifyAuthorization(ctx, safe, signer, 480)
		require.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("empty output (EOA) is rejected", func(t *testing.T) {
		fc := &fakeChains{out: []byte{}}
		err := NewVerifier(fc).VerifyAuthorization(ctx, safe, signer, 480)
		require.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("revert is rejected", func(t *testing.T) {
		fc := &fakeChains{err: fmt.Errorf("%w: execution reverted", chain.ErrCallReverted)}
		err := NewVerifier(fc).VerifyAuthorization(ctx, safe, signer, 480)
		require.ErrorIs(t, err, ErrSignatureInvalid)
		require.NotErrorIs(t, err, ErrRPCUnavailable)
	})

	t.Run("unknown chain is rejected", func(t *testing.T) {
		fc := &fakeChains{err: fmt.Errorf("%w: 999", chain.ErrUnknownChain)}
		err := NewVerifier(fc).VerifyAuthorization(ctx, safe, signer, 999)
		require.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rpc outage fails closed as transient", func(t *testing.T) {
		fc := &fakeChains{err: fmt.Errorf("%w: timeout", chain.ErrRPCUnavailable)}
		err := NewVerifier(fc).VerifyAuthorization(ctx, safe, signer, 480)
		require.ErrorIs(t, err, ErrRPCUnavailable)
		require.NotErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("no chain access rejects mismatches", func(t *testing.T) {
		err := NewVerifier(nil).VerifyAuthorization(ctx, safe, signer, 480)
		require.ErrorIs(t, err, ErrSignatureInvalid)
	})
}
