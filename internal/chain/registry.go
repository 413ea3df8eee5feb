// Package chain routes read-only contract calls to per-chain RPC endpoints.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultTimeout bounds every contract call.
const DefaultTimeout = 5 * time.Second

var (
	// ErrUnknownChain is returned when no RPC endpoint is configured for the chain ID.
	ErrUnknownChain = errors.New("unknown chain")

	// ErrRPCUnavailable covers dial, transport, and timeout failures. Transient.
	ErrRPCUnavailable = errors.New("rpc unavailable")

	// ErrCallReverted is returned when the node executed the call and it reverted.
	ErrCallReverted = errors.New("contract call reverted")
)

// Caller is the subset of the Ethereum RPC used for view calls.
// Satisfied by *ethclient.Client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialFunc opens a Caller for an RPC endpoint.
type DialFunc func(ctx context.Context, rpcURL string) (Caller, error)

// DialEthClient is the production DialFunc.
func DialEthClient(ctx context.Context, rpcURL string) (Caller, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Registry holds one lazily dialed client per chain.
type Registry struct {
	endpoints map[int64]string
	dial      DialFunc
	timeout   time.Duration

	mu      sync.Mutex
	clients map[int64]Caller
}

// NewRegistry returns a Registry over chainID -> RPC URL.
// nil dial uses DialEthClient; timeout <= 0 uses DefaultTimeout.
func NewRegistry(endpoints map[int64]string, timeout time.Duration, dial DialFunc) *Registry {
	if dial == nil {
		dial = DialEthClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	eps := make(map[int64]string, len(endpoints))
	for id, url := range endpoints {
		eps[id] = url
	}
	return &Registry{
		endpoints: eps,
		dial:      dial,
		timeout:   timeout,
		clients:   make(map[int64]Caller),
	}
}

// Supports reports whether chainID has an endpoint.
func (r *Registry) Supports(chainID int64) bool {
	_, ok := r.endpoints[chainID]
	return ok
}

// caller returns the cached client for chainID, dialing on first use.
// The lock is held only around map access, never across the dial.
func (r *Registry) caller(ctx context.Context, chainID int64) (Caller, error) {
	url, ok := r.endpoints[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}

	r.mu.Lock()
	c, ok := r.clients[chainID]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := r.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing chain %d: %v", ErrRPCUnavailable, chainID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have won the dial race; keep the first.
	if existing, ok := r.clients[chainID]; ok {
		closeCaller(c)
		return existing, nil
	}
	r.clients[chainID] = c
	return c, nil
}

// Call executes a view call on chainID under the registry timeout.
// Errors wrap ErrUnknownChain, ErrRPCUnavailable, or ErrCallReverted.
func (r *Registry) Call(ctx context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c, err := r.caller(ctx, chainID)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, msg, nil)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %v", ErrCallReverted, err)
		}
		return nil, fmt.Errorf("%w: chain %d: %v", ErrRPCUnavailable, chainID, err)
	}
	return out, nil
}

// Close releases every dialed client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		closeCaller(c)
		delete(r.clients, id)
	}
}

func closeCaller(c Caller) {
	if cl, ok := c.(interface{ Close() }); ok {
		cl.Close()
	}
}

// isRevert distinguishes an executed-and-reverted call from a node or
// transport failure. Geth uses code 3; other nodes report -32000 with the message.
func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == 3 {
			return true
		}
		return strings.Contains(strings.ToLower(rpcErr.Error()), "execution reverted")
	}
	return false
}
