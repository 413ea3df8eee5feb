package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	out    []byte
	err    error
	delay  time.Duration
	closed atomic.Bool
}

func (f *fakeCaller) CallContract(ctx context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.out, f.err
}

func (f *fakeCaller) Close() { f.closed.Store(true) }

// rpcError mimics a JSON-RPC error response.
type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

func TestRegistryCall(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown chain", func(t *testing.T) {
		r := NewRegistry(map[int64]string{480: "http://x"}, 0, nil)
		_, err := r.Call(ctx, 1, ethereum.CallMsg{})
		require.ErrorIs(t, err, ErrUnknownChain)
		require.False(t, r.Supports(1))
		require.True(t, r.Supports(480))
	})

	t.Run("returns call output and dials once", func(t *testing.T) {
		var dials atomic.Int32
		fc := &fakeCaller{out: []byte{1, 2, 3}}
		r := NewRegistry(map[int64]string{480: "http://x"}, time.Second, func(context.Context, string) (Caller, error) {
			dials.Add(1)
			return fc, nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := r.Call(ctx, 480, ethereum.CallMsg{})
				assert.NoError(t, err)
				assert.Equal(t, []byte{1, 2, 3}, out)
			}()
		}
		wg.Wait()
		// Racing first calls may each dial, but later calls reuse the cached client.
		_, err := r.Call(ctx, 480, ethereum.CallMsg{})
		require.NoError(t, err)
		require.LessOrEqual(t, dials.Load(), int32(8))
		require.GreaterOrEqual(t, dials.Load(), int32(1))

		r.Close()
		require.True(t, fc.closed.Load())
	})

	t.Run("dial failure is rpc unavailable", func(t *testing.T) {
		r := NewRegistry(map[int64]string{480: "http://x"}, time.Second, func(context.Context, string) (Caller, error) {
			return nil, errors.New("connection refused")
		})
		_, err := r.Call(ctx, 480, ethereum.CallMsg{})
		require.ErrorIs(t, err, ErrRPCUnavailable)
	})

	t.Run("transport error is rpc unavailable", func(t *testing.T) {
		r := NewRegistry(map[int64]string{480: "http://x"}, time.Second, func(context.Context, string) (Caller, error) {
			return &fakeCaller{err: errors.New("502 bad gateway")}, nil
		})
		_, err := r.Call(ctx, 480, ethereum.CallMsg{})
		require.ErrorIs(t, err, ErrRPCUnavailable)
	})

	t.Run("revert is classified", func(t *testing.T) {
		for _, e := range []rpcError{{3, "execution reverted"}, {-32000, "execution reverted: not owner"}} {
			r := NewRegistry(map[int64]string{480: "http://x"}, time.Second, func(context.Context, string) (Caller, error) {
				return &fakeCaller{err: e}, nil
			})
			_, err := r.Call(ctx, 480, ethereum.CallMsg{})
			require.ErrorIs(t, err, ErrCallReverted)
		}
	})

	t.Run("other rpc error codes are transient", func(t *testing.T) {
		r := NewRegistry(map[int64]string{480: "http://x"}, time.Second, func(context.Context, string) (Caller, error) {
			return &fakeCaller{err: rpcError{-32005, "limit exceeded"}}, nil
		})
		_, err := r.Call(ctx, 480, ethereum.CallMsg{})
		require.ErrorIs(t, err, ErrRPCUnavailable)
	})

	t.Run("slow node hits timeout", func(t *testing.T) {
		r := NewRegistry(map[int64]string{480: "http://x"}, 20*time.Millisecond, func(context.Context, string) (Caller, error) {
			return &fakeCaller{delay: time.Second}, nil
		})
		start := time.Now()
		_, err := r.Call(ctx, 480, ethereum.CallMsg{})
		require.ErrorIs(t, err, ErrRPCUnavailable)
		require.Less(t, time.Since(start), 500*time.Millisecond)
	})
}
