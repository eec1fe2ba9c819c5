// Package x402 assembles a payment facilitator: signature verification, transfer
// confirmation on EVM networks, origin attribution and settlement into a payment
// registry.
package x402

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/clients"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/metrics"
	"github.com/vitwit/x402-registry/registry"
	"github.com/vitwit/x402-registry/settlement"
	"github.com/vitwit/x402-registry/status"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils"
	"github.com/vitwit/x402-registry/verification"
)

// X402 is the facilitator facade used by the HTTP server and by embedders.
type X402 struct {
	config      types.X402Config
	facilitator common.Address
	registry    *registry.Registry

	tokens     *clients.TokenRegistry
	tracker    *status.Tracker
	evmClients []*clients.EVMClient
	confirmers []clients.Client
	origins    clients.OriginResolver
	proxy      common.Address
	remote     map[types.Network]common.Address

	verificationService *verification.VerificationService
	settlementService   *settlement.SettlementService
	statusService       *status.Service

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
}

// New dials a client for every network in config.Clients and wires the services
// on top of reg. facilitator must hold the facilitator role in reg.
func New(reg *registry.Registry, facilitator common.Address, config types.X402Config, opts ...Option) (*X402, error) {
	x := &X402{
		config:      config,
		facilitator: facilitator,
		registry:    reg,
		tokens:      clients.NewTokenRegistry(),
		tracker:     status.NewTracker(status.DefaultTrackerTTL),
		logger:      logger.NoopLogger{},
		metrics:     metrics.NoopRecorder{},
		timeout:     firstPositive(config.ConfirmTimeout, config.DefaultTimeout, clients.DefaultConfirmTimeout),
	}
	for _, opt := range opts {
		opt(x)
	}

	if err := x.dial(); err != nil {
		x.Close()
		return nil, err
	}

	if len(config.SupportedTokens) > 0 {
		if config.HomeNetwork == "" {
			x.Close()
			return nil, types.NewError(types.ErrConfigError, "supported tokens need a home network")
		}
		if err := x.tokens.Add(config.HomeNetwork.String(), config.SupportedTokens...); err != nil {
			x.Close()
			return nil, err
		}
	}

	if x.origins == nil && x.proxy != (common.Address{}) {
		home := x.client(config.HomeNetwork)
		if home == nil {
			x.Close()
			return nil, types.NewError(types.ErrConfigError, "origin directory %s needs an RPC client for %s", x.proxy.Hex(), config.HomeNetwork)
		}
		x.origins = clients.NewContractOriginResolver(home, x.proxy)
	}

	if config.HomeNetwork != "" && !config.AcceptUnconfirmedHomeProofs && !x.confirms(config.HomeNetwork) {
		x.Close()
		return nil, types.NewError(types.ErrConfigError,
			"no transfer confirmer for home network %s; configure an RPC client or accept unconfirmed home proofs", config.HomeNetwork)
	}

	x.build()
	return x, nil
}

func (x *X402) dial() error {
	networks := make([]string, 0, len(x.config.Clients))
	for n := range x.config.Clients {
		networks = append(networks, n.String())
	}
	sort.Strings(networks)

	for _, n := range networks {
		network := types.Network(n)
		cc := x.config.Clients[network]
		if err := utils.ValidateStruct(&cc); err != nil {
			return types.WrapError(types.ErrConfigError, fmt.Sprintf("invalid client config for %s", network), err)
		}

		client, err := clients.NewEVMClient(network, cc.RPCUrl,
			clients.WithTimeout(firstPositive(cc.Timeout, x.timeout)),
			clients.WithLogger(x.logger),
		)
		if err != nil {
			return err
		}
		x.addClient(client)
	}
	return nil
}

func (x *X402) addClient(client *clients.EVMClient) {
	x.evmClients = append(x.evmClients, client)
	x.confirmers = append(x.confirmers, client)
	x.tokens.Attach(client)
}

func (x *X402) build() {
	verifyOpts := []verification.Option{
		verification.WithNonceChecker(x.registry),
		verification.WithLogger(x.logger),
		verification.WithMetrics(x.metrics),
	}
	if len(x.config.SupportedTokens) > 0 {
		verifyOpts = append(verifyOpts, verification.WithTokenRegistry(x.tokens))
	}
	x.verificationService = verification.NewVerificationService(verifyOpts...)

	settleOpts := []settlement.Option{
		settlement.WithTracker(x.tracker),
		settlement.WithHomeNetwork(x.config.HomeNetwork.String()),
		settlement.WithBestEffortConfirmation(x.config.BestEffortConfirmation),
		settlement.WithUnconfirmedHomeProofs(x.config.AcceptUnconfirmedHomeProofs),
		settlement.WithConfirmTimeout(x.timeout),
		settlement.WithLogger(x.logger),
		settlement.WithMetrics(x.metrics),
	}
	for _, c := range x.confirmers {
		settleOpts = append(settleOpts, settlement.WithConfirmer(c))
	}
	if x.origins != nil {
		settleOpts = append(settleOpts, settlement.WithOriginResolver(x.origins))
	}
	for network, asset := range x.remote {
		settleOpts = append(settleOpts, settlement.WithRemoteAsset(network.String(), asset))
	}
	x.settlementService = settlement.NewSettlementService(x.verificationService, x.registry, x.facilitator, settleOpts...)

	x.statusService = status.NewService(x.registry,
		status.WithTracker(x.tracker),
		status.WithTokens(x.tokens),
		status.WithLogger(x.logger),
	)
}

func (x *X402) confirms(network types.Network) bool {
	for _, c := range x.confirmers {
		if types.SameNetwork(c.GetNetwork().String(), network.String()) {
			return true
		}
	}
	return false
}

func (x *X402) client(network types.Network) *clients.EVMClient {
	for _, c := range x.evmClients {
		if types.SameNetwork(c.GetNetwork().String(), network.String()) {
			return c
		}
	}
	return nil
}

// VerifyPayment verifies a decoded payment against a requirement
func (x *X402) VerifyPayment(ctx context.Context, payload *types.PaymentPayload, requirement *types.PaymentRequirement) *types.VerificationResult {
	return x.verificationService.VerifyPayment(ctx, payload, requirement)
}

// SettlePayment settles a decoded payment backed by proof
func (x *X402) SettlePayment(ctx context.Context, payload *types.PaymentPayload, requirement *types.PaymentRequirement, proof *types.TransferProof) *types.SettlementResult {
	return x.settlementService.SettlePayment(ctx, payload, requirement, proof)
}

func (x *X402) VerifyRequest(ctx context.Context, req *types.VerifyRequest) (*types.PaymentPayload, *types.VerificationResult) {
	return x.verificationService.VerifyRequest(ctx, req)
}

func (x *X402) SettleRequest(ctx context.Context, req *types.SettleRequest) *types.SettlementResult {
	return x.settlementService.SettleRequest(ctx, req)
}

// BatchVerify verifies multiple payments concurrently
func (x *X402) BatchVerify(
	ctx context.Context,
	payloads []*types.PaymentPayload,
	requirements []*types.PaymentRequirement,
) ([]*types.VerificationResult, error) {
	if len(payloads) == 0 {
		return nil, types.NewError(types.ErrInvalidPayload, "at least one payload is required")
	}
	return x.verificationService.BatchVerify(ctx, payloads, requirements)
}

// BatchSettle settles multiple payments concurrently
func (x *X402) BatchSettle(ctx context.Context, requests []settlement.Request) ([]*types.SettlementResult, error) {
	return x.settlementService.BatchSettle(ctx, requests)
}

// RecheckPending retries confirmation of a payment recorded without it.
func (x *X402) RecheckPending(ctx context.Context, id common.Hash) *types.SettlementResult {
	return x.settlementService.RecheckPending(ctx, id)
}

func (x *X402) GetStatus(ctx context.Context, id common.Hash) (*types.PaymentStatus, error) {
	return x.statusService.GetStatus(ctx, id)
}

func (x *X402) GetMerchantPayments(ctx context.Context, merchant common.Address) ([]common.Hash, error) {
	return x.registry.GetMerchantPayments(ctx, merchant)
}

// Supported lists the exact scheme on every network proofs are accepted on.
func (x *X402) Supported() *types.SupportedResponse {
	networks := x.settlementService.GetSupportedNetworks()
	kinds := make([]types.SupportedItem, 0, len(networks))
	for _, n := range networks {
		kinds = append(kinds, types.SupportedItem{
			X402Version: ProtocolVersion,
			Scheme:      string(types.SchemeExact),
			Network:     n,
		})
	}
	return &types.SupportedResponse{Kinds: kinds}
}

// IsNetworkSupported checks if a network is supported
func (x *X402) IsNetworkSupported(network types.Network) bool {
	key, err := types.CAIP2(network.String())
	if err != nil {
		return false
	}
	for _, n := range x.settlementService.GetSupportedNetworks() {
		if n == key {
			return true
		}
	}
	return false
}

func (x *X402) Registry() *registry.Registry {
	return x.registry
}

func (x *X402) Tokens() *clients.TokenRegistry {
	return x.tokens
}

// Close closes all client connections
func (x *X402) Close() {
	if x.settlementService != nil {
		x.settlementService.Close()
		return
	}
	for _, c := range x.evmClients {
		c.Close()
	}
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	networks := make([]string, 0)
	for _, n := range types.KnownNetworks() {
		networks = append(networks, n.String())
	}

	return map[string]interface{}{
		"library_version":     Version,
		"protocol_version":    ProtocolVersion,
		"supported_networks":  networks,
		"supported_schemes":   []string{string(types.SchemeExact)},
		"supported_standards": []string{"erc20", "native"},
	}
}

func firstPositive(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}
