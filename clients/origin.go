package clients

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/types"
)

// OriginResolver tells where a payer's funds come from.
type OriginResolver interface {
	ResolveOrigin(ctx context.Context, payer common.Address) (types.Origin, error)
}

// SameChainResolver attributes every payer to the local chain.
type SameChainResolver struct{}

func (SameChainResolver) ResolveOrigin(context.Context, common.Address) (types.Origin, error) {
	return types.Origin{}, nil
}

// StaticOriginResolver answers from a fixed table. Unknown payers are local.
type StaticOriginResolver struct {
	mu      sync.RWMutex
	origins map[common.Address]types.Origin
}

func NewStaticOriginResolver() *StaticOriginResolver {
	return &StaticOriginResolver{origins: make(map[common.Address]types.Origin)}
}

func (s *StaticOriginResolver) Set(payer common.Address, origin types.Origin) {
	s.mu.Lock()
	s.origins[payer] = origin
	s.mu.Unlock()
}

func (s *StaticOriginResolver) ResolveOrigin(_ context.Context, payer common.Address) (types.Origin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origins[payer], nil
}

const originABIJSON = `[{
	"name": "originOf",
	"type": "function",
	"stateMutability": "view",
	"inputs": [{"name": "account", "type": "address"}],
	"outputs": [
		{"name": "chainNamespace", "type": "string"},
		{"name": "chainId", "type": "string"},
		{"name": "trueOwner", "type": "string"},
		{"name": "remote", "type": "bool"}
	]
}]`

// OriginABI is the interface of an on-chain account abstraction directory.
var OriginABI = mustParseABI(originABIJSON)

// ContractOriginResolver reads origins from a directory contract.
type ContractOriginResolver struct {
	client   *EVMClient
	contract common.Address
}

func NewContractOriginResolver(client *EVMClient, contract common.Address) *ContractOriginResolver {
	return &ContractOriginResolver{client: client, contract: contract}
}

func (c *ContractOriginResolver) ResolveOrigin(ctx context.Context, payer common.Address) (types.Origin, error) {
	input, err := OriginABI.Pack("originOf", payer)
	if err != nil {
		return types.Origin{}, types.WrapError(types.ErrInternal, "failed to pack originOf call", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.client.timeout)
	defer cancel()

	out, err := c.client.Backend().CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return types.Origin{}, types.WrapError(types.ErrOriginResolutionError,
			fmt.Sprintf("originOf(%s) failed", payer.Hex()), err)
	}

	values, err := OriginABI.Unpack("originOf", out)
	if err != nil || len(values) != 4 {
		return types.Origin{}, types.WrapError(types.ErrOriginResolutionError,
			fmt.Sprintf("malformed originOf(%s) result", payer.Hex()), err)
	}

	origin := types.Origin{
		ChainNamespace: values[0].(string),
		ChainID:        values[1].(string),
		TrueOwner:      values[2].(string),
		Remote:         values[3].(bool),
	}
	if origin.Remote && (origin.ChainNamespace == "" || origin.ChainID == "") {
		return types.Origin{}, types.NewError(types.ErrOriginResolutionError,
			"remote origin for %s has no chain", payer.Hex())
	}
	return origin, nil
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
