package clients

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/types"
)

// TokenRegistry is an allowlist of payment tokens per network.
//
// When an EVMClient is attached for a network, IsSupported also requires
// contract code at the token address.
type TokenRegistry struct {
	mu      sync.RWMutex
	tokens  map[string]map[common.Address]types.TokenInfo
	clients map[string]*EVMClient
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		tokens:  make(map[string]map[common.Address]types.TokenInfo),
		clients: make(map[string]*EVMClient),
	}
}

// Add allowlists tokens on network.
func (r *TokenRegistry) Add(network string, tokens ...types.TokenInfo) error {
	key, err := types.CAIP2(network)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.tokens[key]
	if !ok {
		set = make(map[common.Address]types.TokenInfo)
		r.tokens[key] = set
	}
	for _, t := range tokens {
		set[t.Address] = t
	}
	return nil
}

// Attach enables on-chain code checks for the client's network.
func (r *TokenRegistry) Attach(client *EVMClient) {
	key := caip2Prefix(client.ChainID())

	r.mu.Lock()
	r.clients[key] = client
	r.mu.Unlock()
}

// IsSupported reports whether asset is an accepted payment token on network.
func (r *TokenRegistry) IsSupported(ctx context.Context, network string, asset common.Address) (bool, error) {
	key, err := types.CAIP2(network)
	if err != nil {
		return false, err
	}

	r.mu.RLock()
	_, listed := r.tokens[key][asset]
	client := r.clients[key]
	r.mu.RUnlock()

	if !listed {
		return false, nil
	}
	if client == nil {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	code, err := client.Backend().CodeAt(ctx, asset, nil)
	if err != nil {
		return false, types.WrapError(types.ErrNetworkError,
			fmt.Sprintf("failed to read code of %s", asset.Hex()), err)
	}
	return len(code) > 0, nil
}

// TokenInfo returns the allowlisted metadata for asset on network.
func (r *TokenRegistry) TokenInfo(network string, asset common.Address) (types.TokenInfo, bool) {
	key, err := types.CAIP2(network)
	if err != nil {
		return types.TokenInfo{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tokens[key][asset]
	return info, ok
}

func caip2Prefix(chainID fmt.Stringer) string {
	return "eip155:" + chainID.String()
}
