package types

import (
	"math/big"
	"strconv"
	"strings"
)

// Network represents supported blockchain networks
type Network string

const (
	NetworkEthereum      Network = "ethereum"
	NetworkSepolia       Network = "sepolia" // testnet
	NetworkBase          Network = "base"
	NetworkBaseSepolia   Network = "base-sepolia" // testnet
	NetworkPolygon       Network = "polygon"
	NetworkPolygonAmoy   Network = "polygon-amoy" // testnet
	NetworkAvalanche     Network = "avalanche"
	NetworkAvalancheFuji Network = "avalanche-fuji" // testnet
)

// caip2Prefix is the CAIP-2 namespace accepted for EVM networks, e.g. "eip155:8453".
const caip2Prefix = "eip155:"

var evmChainIDs = map[Network]int64{
	NetworkEthereum:      1,
	NetworkSepolia:       11155111,
	NetworkBase:          8453,
	NetworkBaseSepolia:   84532,
	NetworkPolygon:       137,
	NetworkPolygonAmoy:   80002,
	NetworkAvalanche:     43114,
	NetworkAvalancheFuji: 43113,
}

// ChainID resolves a network identifier to its chain id.
// Unknown networks fail with ErrUnsupportedNetwork; there is no fallback chain.
func ChainID(network string) (*big.Int, error) {
	n := Network(strings.TrimSpace(network))
	if id, ok := evmChainIDs[n]; ok {
		return big.NewInt(id), nil
	}

	if rest, ok := strings.CutPrefix(string(n), caip2Prefix); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err == nil && id > 0 {
			return big.NewInt(id), nil
		}
	}

	return nil, NewError(ErrUnsupportedNetwork, "unsupported network: %s", network)
}

// CAIP2 returns the "eip155:<chainId>" form of a supported network.
func CAIP2(network string) (string, error) {
	id, err := ChainID(network)
	if err != nil {
		return "", err
	}
	return caip2Prefix + id.String(), nil
}

// SameNetwork reports whether two identifiers resolve to the same chain.
func SameNetwork(a, b string) bool {
	if a == b {
		return true
	}
	ia, errA := ChainID(a)
	ib, errB := ChainID(b)
	return errA == nil && errB == nil && ia.Cmp(ib) == 0
}

// KnownNetworks lists the named networks with a built-in chain id.
func KnownNetworks() []Network {
	return []Network{
		NetworkEthereum, NetworkSepolia,
		NetworkBase, NetworkBaseSepolia,
		NetworkPolygon, NetworkPolygonAmoy,
		NetworkAvalanche, NetworkAvalancheFuji,
	}
}

func (n Network) IsSupported() bool {
	_, err := ChainID(string(n))
	return err == nil
}

func (n Network) String() string {
	return string(n)
}
