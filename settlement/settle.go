package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/clients"
	"github.com/vitwit/x402-registry/encoding"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/metrics"
	"github.com/vitwit/x402-registry/registry"
	"github.com/vitwit/x402-registry/status"
	"github.com/vitwit/x402-registry/types"
	"github.com/vitwit/x402-registry/verification"
)

// Settler turns a verified payment plus a transfer proof into a registry record.
type Settler interface {
	SettlePayment(ctx context.Context, payload *types.PaymentPayload, requirement *types.PaymentRequirement, proof *types.TransferProof) *types.SettlementResult
}

// Ledger is the registry surface settlement writes to.
type Ledger interface {
	RecordPayment(ctx context.Context, caller common.Address, p registry.RecordParams) (common.Hash, error)
	MarkPaymentSettled(ctx context.Context, caller common.Address, id common.Hash, ref common.Hash) error
	GetPaymentRecord(ctx context.Context, id common.Hash) (*types.PaymentRecord, error)
	GetPaymentRequirement(ctx context.Context, owner common.Address, resource string) (*types.PaymentRequirement, error)
}

var _ Settler = (*SettlementService)(nil)

// SettlementService manages payment settlement across networks
type SettlementService struct {
	verifier    verification.Verifier
	ledger      Ledger
	facilitator common.Address

	confirmers   map[string]clients.Client
	remoteAssets map[string]common.Address
	origins      clients.OriginResolver
	cache        *InFlightCache
	tracker      *status.Tracker

	homeNetwork    string
	unconfirmed    bool
	bestEffort     bool
	confirmTimeout time.Duration

	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*SettlementService)

// WithConfirmer registers the transfer confirmer for its network.
func WithConfirmer(c clients.Client) Option {
	return func(s *SettlementService) {
		if key, err := types.CAIP2(c.GetNetwork().String()); err == nil {
			s.confirmers[key] = c
		}
	}
}

// WithRemoteAsset sets the asset a proof on network is expected to move.
// Proofs on the requirement's own network always use the requirement's asset;
// other networks default to the native coin.
func WithRemoteAsset(network string, asset common.Address) Option {
	return func(s *SettlementService) {
		if key, err := types.CAIP2(network); err == nil {
			s.remoteAssets[key] = asset
		}
	}
}

func WithOriginResolver(r clients.OriginResolver) Option {
	return func(s *SettlementService) {
		s.origins = r
	}
}

func WithTracker(t *status.Tracker) Option {
	return func(s *SettlementService) {
		s.tracker = t
	}
}

func WithCache(c *InFlightCache) Option {
	return func(s *SettlementService) {
		s.cache = c
	}
}

// WithHomeNetwork names the registry's own chain.
func WithHomeNetwork(network string) Option {
	return func(s *SettlementService) {
		s.homeNetwork = network
	}
}

// WithUnconfirmedHomeProofs lets proofs on the home network settle without a
// confirmer when none is registered for it. Proofs anywhere else never do.
func WithUnconfirmedHomeProofs(accept bool) Option {
	return func(s *SettlementService) {
		s.unconfirmed = accept
	}
}

// WithBestEffortConfirmation records payments whose confirmation failed transiently
// and leaves them unsettled for RecheckPending.
func WithBestEffortConfirmation(enabled bool) Option {
	return func(s *SettlementService) {
		s.bestEffort = enabled
	}
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(s *SettlementService) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *SettlementService) {
		s.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *SettlementService) {
		s.metrics = m
	}
}

// NewSettlementService creates a new settlement service acting as facilitator on ledger.
func NewSettlementService(verifier verification.Verifier, ledger Ledger, facilitator common.Address, opts ...Option) *SettlementService {
	s := &SettlementService{
		verifier:       verifier,
		ledger:         ledger,
		facilitator:    facilitator,
		confirmers:     make(map[string]clients.Client),
		remoteAssets:   make(map[string]common.Address),
		origins:        clients.SameChainResolver{},
		cache:          NewInFlightCache(DefaultCacheTTL),
		confirmTimeout: clients.DefaultConfirmTimeout,
		logger:         logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SettlePayment re-verifies the payment, confirms the transfer proof, attributes the
// payer's origin, records the payment and marks it settled.
//
// At most one call per payment id records anything; the others get ALREADY_RECORDED.
func (s *SettlementService) SettlePayment(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirement *types.PaymentRequirement,
	proof *types.TransferProof,
) *types.SettlementResult {
	start := time.Now()
	res := s.settle(ctx, payload, requirement, proof)

	network := ""
	if requirement != nil {
		network = requirement.Network
	}
	labels := map[string]string{"network": network}
	s.metrics.ObserveLatency("settle", time.Since(start), labels)

	switch {
	case res.Success && res.Pending:
		s.metrics.IncCounter("settle_pending", labels)
	case res.Success:
		s.metrics.IncCounter("settle_success", labels)
	default:
		s.metrics.IncCounter("settle_failure", labels)
		s.logger.Info("settlement failed", map[string]any{
			"error":     res.Error,
			"reason":    res.Reason,
			"message":   res.Message,
			"paymentId": res.PaymentID.Hex(),
		})
	}
	return res
}

func (s *SettlementService) settle(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirement *types.PaymentRequirement,
	proof *types.TransferProof,
) *types.SettlementResult {
	if payload == nil || requirement == nil {
		return types.Failed(types.NewError(types.ErrInvalidPayload, "payment payload and requirements are required"))
	}

	requirement, err := s.registered(ctx, requirement)
	if err != nil {
		return types.Failed(err)
	}

	var id common.Hash
	if !proof.IsZero() {
		id = types.PaymentID(requirement.Owner(), requirement.Resource, *proof)
		s.tracker.Mark(id, types.StatusPending, "")
	}

	v := s.verifier.VerifyPayment(ctx, payload, requirement)
	// the registry consumes nonces atomically and tells a replay from a reuse
	if !v.IsValid && v.InvalidReason != types.ErrNonceAlreadyUsed {
		err := &types.X402Error{
			Code:    types.ErrSettlementFailed,
			Message: fmt.Sprintf("verification failed: %s", v.Message),
			Data:    v.InvalidReason,
		}
		return s.fail(id, err)
	}

	if proof.IsZero() {
		return types.Failed(types.NewError(types.ErrMissingTransferProof, "transfer proof is required"))
	}
	s.tracker.Mark(id, types.StatusVerified, "")

	for {
		state, _, done := s.cache.CheckAndMark(id)
		switch state {
		case StatusCached:
			return s.alreadyRecorded(id)

		case StatusInFlight:
			prev, err := s.cache.WaitForResult(ctx, id, done)
			if err != nil {
				return s.fail(id, types.WrapError(types.ErrNetworkError, "settlement wait interrupted", err))
			}
			if prev != nil {
				return s.alreadyRecorded(id)
			}
			// the holder failed; try ourselves

		default:
			res := s.execute(ctx, payload, requirement, *proof)
			if res.Success {
				s.cache.Complete(id, res, done)
			} else {
				s.cache.Fail(id, done)
			}
			return res
		}
	}
}

func (s *SettlementService) execute(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirement *types.PaymentRequirement,
	proof types.TransferProof,
) *types.SettlementResult {
	auth := payload.Payload.Authorization
	id := types.PaymentID(requirement.Owner(), requirement.Resource, proof)

	pending := false
	err := s.confirm(ctx, proof, requirement.Network, types.TransferExpectation{
		From:     auth.From,
		To:       requirement.PayTo,
		MinValue: auth.Value,
		Asset:    s.assetFor(proof.Network, requirement),
	})
	if err != nil {
		if !s.bestEffort || types.ClassOf(types.CodeOf(err)) != types.ClassTransient {
			return s.fail(id, err)
		}
		pending = true
		s.logger.Warn("transfer unconfirmed, recording as pending", map[string]any{
			"paymentId": id.Hex(),
			"txHash":    proof.TxHash.Hex(),
			"network":   proof.Network,
			"error":     err.Error(),
		})
	}

	origin, err := s.origins.ResolveOrigin(ctx, auth.From)
	if err != nil {
		if _, ok := types.AsError(err); !ok {
			err = types.WrapError(types.ErrOriginResolutionError, "failed to resolve payer origin", err)
		}
		return s.fail(id, err)
	}

	recorded, err := s.ledger.RecordPayment(ctx, s.facilitator, registry.RecordParams{
		Merchant: requirement.Owner(),
		Resource: requirement.Resource,
		Network:  requirement.Network,
		Asset:    requirement.Asset,
		PayTo:    requirement.PayTo,
		Payer:    auth.From,
		Amount:   auth.Value,
		Nonce:    auth.Nonce,
		Origin:   origin,
		Proof:    proof,
	})
	if err != nil {
		return s.fail(id, err)
	}
	id = recorded
	s.tracker.Forget(id)

	res := &types.SettlementResult{
		Success:   true,
		Pending:   pending,
		PaymentID: id,
		TxHash:    proof.TxHash,
		NetworkId: proof.Network,
		Payer:     auth.From,
		Timestamp: time.Now().Unix(),
	}
	if pending {
		return res
	}

	if err := s.ledger.MarkPaymentSettled(ctx, s.facilitator, id, proof.TxHash); err != nil {
		// the record stays Recorded and surfaces as "settling"
		failed := types.Failed(&types.X402Error{
			Code:    types.ErrSettlementFailed,
			Message: "payment recorded but not marked settled",
			Data:    types.CodeOf(err),
			Err:     err,
		})
		failed.PaymentID = id
		failed.TxHash = proof.TxHash
		return failed
	}

	s.logger.Info("payment settled", map[string]any{
		"paymentId": id.Hex(),
		"payer":     auth.From.Hex(),
		"txHash":    proof.TxHash.Hex(),
		"origin":    origin.Chain(),
	})
	return res
}

// registered returns the stored requirement a settlement is for. The terms sent
// by the client must agree with it; verification and confirmation then run
// against the stored copy.
func (s *SettlementService) registered(ctx context.Context, sent *types.PaymentRequirement) (*types.PaymentRequirement, error) {
	stored, err := s.ledger.GetPaymentRequirement(ctx, sent.Owner(), sent.Resource)
	if err != nil {
		return nil, err
	}

	switch {
	case sent.Scheme != stored.Scheme,
		!types.SameNetwork(sent.Network, stored.Network),
		sent.Asset != stored.Asset,
		sent.PayTo != stored.PayTo,
		sent.MaxAmountRequired.Cmp(stored.MaxAmountRequired) < 0:
		return nil, types.NewError(types.ErrInvalidRequirements,
			"payment requirements for %s do not match the registered requirement", stored.Resource)
	case !stored.IsActive:
		return nil, types.NewError(types.ErrRequirementNotActive, "requirement for %s is not active", stored.Resource)
	}
	return stored, nil
}

// RecheckPending confirms the transfer behind a recorded, unsettled payment and
// marks it settled.
func (s *SettlementService) RecheckPending(ctx context.Context, id common.Hash) *types.SettlementResult {
	rec, err := s.ledger.GetPaymentRecord(ctx, id)
	if err != nil {
		return types.Failed(err)
	}
	if rec.Settled {
		res := types.Failed(types.NewError(types.ErrAlreadySettled, "payment %s is already settled", id.Hex()))
		res.PaymentID = id
		return res
	}

	requirement, err := s.ledger.GetPaymentRequirement(ctx, rec.Merchant, rec.Resource)
	if err != nil {
		return types.Failed(err)
	}

	proof := types.TransferProof{Network: rec.ProofNetwork, TxHash: rec.TxHash}
	err = s.confirm(ctx, proof, requirement.Network, types.TransferExpectation{
		From:     rec.Payer,
		To:       requirement.PayTo,
		MinValue: rec.Amount,
		Asset:    s.assetFor(proof.Network, requirement),
	})
	if err != nil {
		res := types.Failed(err)
		res.PaymentID = id
		res.Pending = types.ClassOf(res.Error) == types.ClassTransient
		return res
	}

	if err := s.ledger.MarkPaymentSettled(ctx, s.facilitator, id, rec.TxHash); err != nil {
		res := types.Failed(err)
		res.PaymentID = id
		return res
	}

	s.metrics.IncCounter("settle_recheck", map[string]string{"network": proof.Network})
	return &types.SettlementResult{
		Success:   true,
		PaymentID: id,
		TxHash:    rec.TxHash,
		NetworkId: rec.ProofNetwork,
		Payer:     rec.Payer,
		Timestamp: time.Now().Unix(),
	}
}

// SettleRequest decodes the X-Payment header carried by req and settles it.
func (s *SettlementService) SettleRequest(ctx context.Context, req *types.SettleRequest) *types.SettlementResult {
	if req == nil {
		return types.Failed(types.NewError(types.ErrInvalidPayload, "settle request is required"))
	}

	payload, err := encoding.DecodePayment(req.PaymentHeader)
	if err != nil {
		return types.Failed(err)
	}

	if req.PaymentID != nil && !req.TransferProof.IsZero() {
		expected := types.PaymentID(req.PaymentRequirements.Owner(), req.PaymentRequirements.Resource, *req.TransferProof)
		if expected != *req.PaymentID {
			return types.Failed(types.NewError(types.ErrInvalidPayload, "paymentId %s does not match transfer proof", req.PaymentID.Hex()))
		}
	}

	return s.SettlePayment(ctx, &payload, &req.PaymentRequirements, req.TransferProof)
}

// Request is one entry of a batch settlement.
type Request struct {
	Payload     *types.PaymentPayload
	Requirement *types.PaymentRequirement
	Proof       *types.TransferProof
}

// BatchSettle settles multiple payments concurrently. Results keep the input order;
// individual failures are reported in their result.
func (s *SettlementService) BatchSettle(ctx context.Context, requests []Request) ([]*types.SettlementResult, error) {
	type indexed struct {
		index  int
		result *types.SettlementResult
	}

	results := make([]*types.SettlementResult, len(requests))
	resultChan := make(chan indexed, len(requests))

	for i, r := range requests {
		go func(index int, r Request) {
			resultChan <- indexed{index: index, result: s.SettlePayment(ctx, r.Payload, r.Requirement, r.Proof)}
		}(i, r)
	}

	for range requests {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
		}
	}

	return results, nil
}

// GetSupportedNetworks returns the networks proofs are accepted on.
func (s *SettlementService) GetSupportedNetworks() []string {
	seen := make(map[string]bool)
	var networks []string
	for key := range s.confirmers {
		seen[key] = true
		networks = append(networks, key)
	}
	if home, err := types.CAIP2(s.homeNetwork); err == nil && s.unconfirmed && !seen[home] {
		networks = append(networks, home)
	}
	sort.Strings(networks)
	return networks
}

// Close closes all client connections
func (s *SettlementService) Close() {
	for _, c := range s.confirmers {
		c.Close()
	}
}

// confirm runs the registered confirmer for proof.Network. Without one the proof is
// rejected, unless unconfirmed home proofs are allowed and it is on the home network.
func (s *SettlementService) confirm(ctx context.Context, proof types.TransferProof, requirementNetwork string, expect types.TransferExpectation) error {
	key, err := types.CAIP2(proof.Network)
	if err != nil {
		return err
	}

	confirmer, ok := s.confirmers[key]
	if !ok {
		home := s.homeNetwork
		if home == "" {
			home = requirementNetwork
		}
		if s.unconfirmed && types.SameNetwork(proof.Network, home) {
			return nil
		}
		return types.NewError(types.ErrUnsupportedNetwork, "no transfer confirmer for %s", proof.Network)
	}

	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	defer metrics.Since(s.metrics, "confirm_transfer", time.Now(), key)
	return confirmer.ConfirmTransfer(ctx, proof, expect)
}

func (s *SettlementService) assetFor(proofNetwork string, requirement *types.PaymentRequirement) common.Address {
	if types.SameNetwork(proofNetwork, requirement.Network) {
		return requirement.Asset
	}
	if key, err := types.CAIP2(proofNetwork); err == nil {
		if asset, ok := s.remoteAssets[key]; ok {
			return asset
		}
	}
	return types.NativeAsset
}

func (s *SettlementService) fail(id common.Hash, err error) *types.SettlementResult {
	res := types.Failed(err)
	res.PaymentID = id

	reason := res.Reason
	if reason == "" {
		reason = res.Error
	}
	if id != (common.Hash{}) {
		s.tracker.Mark(id, types.StatusFailed, reason)
	}
	return res
}

func (s *SettlementService) alreadyRecorded(id common.Hash) *types.SettlementResult {
	res := types.Failed(types.NewError(types.ErrAlreadyRecorded, "payment %s is already recorded", id.Hex()))
	res.PaymentID = id
	return res
}
