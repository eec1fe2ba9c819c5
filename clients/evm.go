package clients

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/types"
)

// DefaultConfirmTimeout bounds a confirmation when no timeout is configured.
const DefaultConfirmTimeout = 10 * time.Second

// EVMClient confirms transfers on one EVM network.
type EVMClient struct {
	network types.Network
	chainID *big.Int
	client  EthClient
	timeout time.Duration
	logger  logger.Logger
}

type EVMOption func(*EVMClient)

func WithTimeout(d time.Duration) EVMOption {
	return func(e *EVMClient) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l logger.Logger) EVMOption {
	return func(e *EVMClient) {
		e.logger = l
	}
}

// NewEVMClient dials rpcURL for network. The chain id comes from the network name,
// so a misconfigured RPC endpoint cannot silently change the signing domain.
func NewEVMClient(network types.Network, rpcURL string, opts ...EVMOption) (*EVMClient, error) {
	client, err := NewEthClient(rpcURL)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkError,
			fmt.Sprintf("failed to connect to %s RPC", network), err)
	}
	return NewEVMClientWithBackend(network, client, opts...)
}

// NewEVMClientWithBackend wraps an existing backend.
func NewEVMClientWithBackend(network types.Network, backend EthClient, opts ...EVMOption) (*EVMClient, error) {
	chainID, err := types.ChainID(network.String())
	if err != nil {
		return nil, err
	}

	e := &EVMClient{
		network: network,
		chainID: chainID,
		client:  backend,
		timeout: DefaultConfirmTimeout,
		logger:  logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *EVMClient) GetNetwork() types.Network {
	return e.network
}

func (e *EVMClient) ChainID() *big.Int {
	return new(big.Int).Set(e.chainID)
}

// Backend exposes the RPC client for contract reads.
func (e *EVMClient) Backend() EthClient {
	return e.client
}

func (e *EVMClient) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

// ConfirmTransfer checks that proof.TxHash is a successful transfer satisfying expect.
//
// Native transfers are matched on the transaction itself. Token transfers are matched
// on a Transfer event emitted by expect.Asset.
func (e *EVMClient) ConfirmTransfer(ctx context.Context, proof types.TransferProof, expect types.TransferExpectation) error {
	if proof.IsZero() {
		return types.NewError(types.ErrMissingTransferProof, "transfer proof is required")
	}
	if !types.SameNetwork(proof.Network, e.network.String()) {
		return types.NewError(types.ErrNetworkMismatch,
			"proof is for %s but this client serves %s", proof.Network, e.network)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	receipt, err := e.client.TransactionReceipt(ctx, proof.TxHash)
	if err != nil {
		return lookupError(err, e.network.String(), "receipt "+proof.TxHash.Hex())
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return types.NewError(types.ErrTransferFailed, "transaction %s reverted", proof.TxHash.Hex())
	}

	if types.IsNativeAsset(expect.Asset) {
		err = e.confirmNative(ctx, proof.TxHash, expect)
	} else {
		err = confirmTokenTransfer(receipt, expect)
	}
	if err != nil {
		return err
	}

	e.logger.Debug("transfer confirmed", map[string]any{
		"network": e.network.String(),
		"txHash":  proof.TxHash.Hex(),
		"block":   receipt.BlockNumber,
	})
	return nil
}

func (e *EVMClient) confirmNative(ctx context.Context, hash common.Hash, expect types.TransferExpectation) error {
	tx, pending, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		return lookupError(err, e.network.String(), "transaction "+hash.Hex())
	}
	if pending {
		return types.NewError(types.ErrTransferUnconfirmed, "transaction %s is still pending", hash.Hex())
	}

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(e.chainID), tx)
	if err != nil {
		return mismatch("cannot recover sender of %s: %v", hash.Hex(), err)
	}
	if expect.From != (common.Address{}) && from != expect.From {
		return mismatch("transfer sent by %s, expected %s", from.Hex(), expect.From.Hex())
	}

	if tx.To() == nil || *tx.To() != expect.To {
		return mismatch("transfer recipient does not match %s", expect.To.Hex())
	}

	if tx.Value().Cmp(expect.MinValue.Big()) < 0 {
		return mismatch("transfer value %s is below %s", tx.Value(), expect.MinValue)
	}
	return nil
}
