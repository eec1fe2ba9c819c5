package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/encoding"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/metrics"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/utils/eip712"
)

// Verifier checks a payment against a requirement without side effects.
type Verifier interface {
	VerifyPayment(ctx context.Context, payload *types.PaymentPayload, requirement *types.PaymentRequirement) *types.VerificationResult
}

// TokenChecker decides whether an asset may be used for payment on a network.
type TokenChecker interface {
	IsSupported(ctx context.Context, network string, asset common.Address) (bool, error)
}

// NonceChecker reports nonces already consumed by recorded payments.
type NonceChecker interface {
	IsNonceUsed(ctx context.Context, payer, asset common.Address, nonce common.Hash) (bool, error)
}

var _ Verifier = (*VerificationService)(nil)

// VerificationService runs the ordered verification checks.
type VerificationService struct {
	version int
	tokens  TokenChecker
	nonces  NonceChecker
	now     func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*VerificationService)

// WithTokenRegistry restricts non-native assets to those the checker accepts.
// Without one, any token contract is accepted.
func WithTokenRegistry(t TokenChecker) Option {
	return func(s *VerificationService) {
		s.tokens = t
	}
}

// WithNonceChecker rejects authorizations whose nonce was already recorded.
func WithNonceChecker(n NonceChecker) Option {
	return func(s *VerificationService) {
		s.nonces = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *VerificationService) {
		s.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) {
		s.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *VerificationService) {
		s.metrics = m
	}
}

// NewVerificationService creates a new verification service
func NewVerificationService(opts ...Option) *VerificationService {
	s := &VerificationService{
		version: int(types.X402Version1),
		now:     time.Now,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyPayment checks payload against requirement and stops at the first failure.
// It never writes anything, so the same inputs at the same instant give the same result.
func (s *VerificationService) VerifyPayment(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirement *types.PaymentRequirement,
) *types.VerificationResult {
	start := time.Now()
	result := s.verify(ctx, payload, requirement)

	network := ""
	if requirement != nil {
		network = requirement.Network
		result.Network = network
	}
	labels := map[string]string{"network": network}
	s.metrics.ObserveLatency("verify", time.Since(start), labels)

	if result.IsValid {
		s.metrics.IncCounter("verify_success", labels)
		s.logger.Debug("payment verified", map[string]any{
			"payer":   result.Payer.Hex(),
			"network": network,
		})
	} else {
		s.metrics.IncCounter("verify_failure", labels)
		s.logger.Info("payment rejected", map[string]any{
			"reason":  result.InvalidReason,
			"message": result.Message,
			"network": network,
		})
	}
	return result
}

func (s *VerificationService) verify(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirement *types.PaymentRequirement,
) *types.VerificationResult {
	if payload == nil {
		return types.Invalid(types.ErrInvalidPayload, "payment payload is required")
	}
	if requirement == nil {
		return types.Invalid(types.ErrInvalidRequirements, "payment requirements are required")
	}

	if payload.X402Version != s.version {
		return types.Invalid(types.ErrVersionMismatch,
			fmt.Sprintf("x402Version %d is not supported, expected %d", payload.X402Version, s.version))
	}

	if types.PaymentScheme(payload.Scheme) != types.SchemeExact || types.PaymentScheme(requirement.Scheme) != types.SchemeExact {
		return types.Invalid(types.ErrUnsupportedScheme,
			fmt.Sprintf("unsupported scheme: %s", payload.Scheme))
	}

	if !types.SameNetwork(payload.Network, requirement.Network) {
		return types.Invalid(types.ErrNetworkMismatch,
			fmt.Sprintf("payment is for %s but %s is required", payload.Network, requirement.Network))
	}

	auth := payload.Payload.Authorization

	ok, err := eip712.Verify(payload, requirement)
	if err != nil {
		return types.Invalid(types.CodeOf(err), err.Error())
	}
	if !ok {
		return types.Invalid(types.ErrInvalidSignature, "signature does not match authorization.from")
	}

	if auth.To != requirement.PayTo {
		return types.Invalid(types.ErrRecipientMismatch,
			fmt.Sprintf("authorization pays %s, expected %s", auth.To.Hex(), requirement.PayTo.Hex()))
	}

	if auth.Value.Cmp(requirement.MaxAmountRequired) < 0 {
		return types.Invalid(types.ErrInsufficientAmount,
			fmt.Sprintf("authorized %s, required %s", auth.Value, requirement.MaxAmountRequired))
	}

	if !types.IsNativeAsset(requirement.Asset) && s.tokens != nil {
		supported, err := s.tokens.IsSupported(ctx, requirement.Network, requirement.Asset)
		if err != nil {
			return types.Invalid(types.ErrNetworkError, fmt.Sprintf("token lookup failed: %v", err))
		}
		if !supported {
			return types.Invalid(types.ErrUnsupportedToken,
				fmt.Sprintf("token %s is not accepted on %s", requirement.Asset.Hex(), requirement.Network))
		}
	}

	now := s.now().Unix()
	if now < auth.ValidAfter {
		return types.Invalid(types.ErrNotYetValid,
			fmt.Sprintf("authorization is valid from %d", auth.ValidAfter))
	}
	if now > auth.ValidBefore {
		return types.Invalid(types.ErrExpired,
			fmt.Sprintf("authorization expired at %d", auth.ValidBefore))
	}

	if s.nonces != nil {
		used, err := s.nonces.IsNonceUsed(ctx, auth.From, requirement.Asset, auth.Nonce)
		if err != nil {
			return types.Invalid(types.ErrNetworkError, fmt.Sprintf("nonce lookup failed: %v", err))
		}
		if used {
			return types.Invalid(types.ErrNonceAlreadyUsed,
				fmt.Sprintf("nonce %s was already used", auth.Nonce.Hex()))
		}
	}

	return &types.VerificationResult{
		IsValid:      true,
		Payer:        auth.From,
		ExpiresAt:    auth.ValidBefore,
		EstimatedGas: EstimateGas(requirement.Asset),
	}
}

// VerifyRequest decodes the X-Payment header carried by req and verifies it.
func (s *VerificationService) VerifyRequest(ctx context.Context, req *types.VerifyRequest) (*types.PaymentPayload, *types.VerificationResult) {
	if req == nil {
		return nil, types.Invalid(types.ErrInvalidPayload, "verify request is required")
	}

	payload, err := encoding.DecodePayment(req.PaymentHeader)
	if err != nil {
		return nil, types.Invalid(types.CodeOf(err), err.Error())
	}

	if req.X402Version != payload.X402Version {
		return &payload, types.Invalid(types.ErrVersionMismatch,
			fmt.Sprintf("request version %d does not match payment version %d", req.X402Version, payload.X402Version))
	}

	res := s.VerifyPayment(ctx, &payload, &req.PaymentRequirements)
	if res.IsValid && !req.TransferProof.IsZero() {
		id := types.PaymentID(req.PaymentRequirements.Owner(), req.PaymentRequirements.Resource, *req.TransferProof)
		res.PaymentID = &id
	}
	return &payload, res
}

// BatchVerify verifies multiple payments concurrently. Results keep the input order.
func (s *VerificationService) BatchVerify(
	ctx context.Context,
	payloads []*types.PaymentPayload,
	requirements []*types.PaymentRequirement,
) ([]*types.VerificationResult, error) {
	if len(payloads) != len(requirements) {
		return nil, types.NewError(types.ErrInvalidPayload,
			"number of payloads must match number of requirements")
	}

	type indexed struct {
		index  int
		result *types.VerificationResult
	}

	results := make([]*types.VerificationResult, len(payloads))
	resultChan := make(chan indexed, len(payloads))

	for i, payload := range payloads {
		go func(index int, p *types.PaymentPayload, r *types.PaymentRequirement) {
			resultChan <- indexed{index: index, result: s.VerifyPayment(ctx, p, r)}
		}(i, payload, requirements[i])
	}

	for range payloads {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
		}
	}

	return results, nil
}

// VerifyWithRetry repeats verification while it fails for a transient reason.
func (s *VerificationService) VerifyWithRetry(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirement *types.PaymentRequirement,
	maxRetries int,
	retryDelay time.Duration,
) (*types.VerificationResult, error) {
	var result *types.VerificationResult

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		result = s.VerifyPayment(ctx, payload, requirement)
		if result.IsValid || types.ClassOf(result.InvalidReason) != types.ClassTransient {
			return result, nil
		}

		s.logger.Warn("verification retry", map[string]any{
			"attempt": attempt + 1,
			"reason":  result.InvalidReason,
		})
	}

	return result, nil
}

// nativeTransferGas is the intrinsic cost of a value transfer on every EVM chain we serve.
const nativeTransferGas = 21000

// EstimateGas returns the default gas a transfer of asset costs.
func EstimateGas(asset common.Address) uint64 {
	if types.IsNativeAsset(asset) {
		return nativeTransferGas
	}
	// token transfers touch two balances and emit a log
	return 3 * nativeTransferGas
}
