package x402

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/clients"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/metrics"
	"github.com/vitwit/x402-registry/types"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = r
	}
}

// WithTimeout overrides the RPC timeout taken from the config.
func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		if t > 0 {
			x.timeout = t
		}
	}
}

// WithConfirmer adds a transfer confirmer that is not backed by a dialed client.
func WithConfirmer(c clients.Client) Option {
	return func(x *X402) {
		x.confirmers = append(x.confirmers, c)
	}
}

// WithEVMClient registers a connected client, as if it had been dialed from the config.
func WithEVMClient(c *clients.EVMClient) Option {
	return func(x *X402) {
		x.addClient(c)
	}
}

func WithOriginResolver(r clients.OriginResolver) Option {
	return func(x *X402) {
		x.origins = r
	}
}

// WithOriginDirectory resolves payer origins through the directory contract at
// addr on the home network.
func WithOriginDirectory(addr common.Address) Option {
	return func(x *X402) {
		x.proxy = addr
	}
}

// WithRemoteAsset sets the token a transfer proof on network must move when it
// differs from the requirement's network. Without it such proofs are matched
// against the native coin.
func WithRemoteAsset(network types.Network, asset common.Address) Option {
	return func(x *X402) {
		if x.remote == nil {
			x.remote = make(map[types.Network]common.Address)
		}
		x.remote[network] = asset
	}
}
