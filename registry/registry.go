// Package registry is the authoritative store of payment requirements and payment records.
//
// Every mutation is gated by a role. A payment record moves through
// Unrecorded -> Recorded -> Settled and never backwards.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/metrics"
	"github.com/vitwit/x402-registry/types"
)

// Registry enforces roles and payment invariants on top of a Store.
type Registry struct {
	store   Store
	now     func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates a registry and grants admin to the given account. No other role is granted.
func New(ctx context.Context, store Store, admin common.Address, opts ...Option) (*Registry, error) {
	r := &Registry{
		store:   store,
		now:     time.Now,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}

	if admin == (common.Address{}) {
		return nil, types.NewError(types.ErrConfigError, "admin address is required")
	}
	if err := store.GrantRole(ctx, RoleAdmin, admin); err != nil {
		return nil, types.WrapError(types.ErrInternal, "failed to grant admin", err)
	}

	return r, nil
}

// RecordParams describes a payment the facilitator has verified and proven.
// Network, Asset and PayTo are the terms the payment was verified and confirmed
// against; they must match the stored requirement.
type RecordParams struct {
	Merchant common.Address
	Resource string
	Network  string
	Asset    common.Address
	PayTo    common.Address
	Payer    common.Address
	Amount   types.Uint256
	Nonce    common.Hash
	Origin   types.Origin
	Proof    types.TransferProof
}

// PaymentID returns the id a record for p would be stored under.
func (p RecordParams) PaymentID() common.Hash {
	return types.PaymentID(p.Merchant, p.Resource, p.Proof)
}

func (r *Registry) HasRole(ctx context.Context, role Role, account common.Address) (bool, error) {
	return r.store.HasRole(ctx, role, account)
}

// RegisterResourceOwner lets account publish requirements. Admin only.
func (r *Registry) RegisterResourceOwner(ctx context.Context, caller, account common.Address) error {
	return r.grant(ctx, caller, RoleResourceOwner, account)
}

// GrantFacilitator lets account record and settle payments. Admin only.
func (r *Registry) GrantFacilitator(ctx context.Context, caller, account common.Address) error {
	return r.grant(ctx, caller, RoleFacilitator, account)
}

// GrantAdmin adds another admin. Admin only.
func (r *Registry) GrantAdmin(ctx context.Context, caller, account common.Address) error {
	return r.grant(ctx, caller, RoleAdmin, account)
}

func (r *Registry) RevokeFacilitator(ctx context.Context, caller, account common.Address) error {
	if err := r.require(ctx, RoleAdmin, caller); err != nil {
		return err
	}
	return r.store.RevokeRole(ctx, RoleFacilitator, account)
}

func (r *Registry) grant(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if err := r.require(ctx, RoleAdmin, caller); err != nil {
		return err
	}
	if account == (common.Address{}) {
		return types.NewError(types.ErrInvalidRecipient, "cannot grant %s to the zero address", role)
	}
	if err := r.store.GrantRole(ctx, role, account); err != nil {
		return err
	}

	r.logger.Info("role granted", map[string]any{
		"role":    string(role),
		"account": account.Hex(),
		"by":      caller.Hex(),
	})
	return nil
}

// CreatePaymentRequirement publishes or replaces the caller's requirement for req.Resource.
func (r *Registry) CreatePaymentRequirement(ctx context.Context, caller common.Address, req types.PaymentRequirement) (*types.PaymentRequirement, error) {
	if err := r.require(ctx, RoleResourceOwner, caller); err != nil {
		return nil, err
	}

	req.Resource = strings.TrimSpace(req.Resource)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now().Unix()
	req.IsActive = true
	req.CreatedAt = now
	req.UpdatedAt = now

	stored, err := r.store.UpsertRequirement(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	r.logger.Info("payment requirement stored", map[string]any{
		"owner":    caller.Hex(),
		"resource": stored.Resource,
		"amount":   stored.MaxAmountRequired.String(),
	})
	return stored, nil
}

// DeactivatePaymentRequirement stops the caller's requirement from accepting payments.
func (r *Registry) DeactivatePaymentRequirement(ctx context.Context, caller common.Address, resource string) error {
	if err := r.require(ctx, RoleResourceOwner, caller); err != nil {
		return err
	}
	return r.store.SetRequirementActive(ctx, caller, strings.TrimSpace(resource), false, r.now().Unix())
}

func (r *Registry) GetPaymentRequirement(ctx context.Context, owner common.Address, resource string) (*types.PaymentRequirement, error) {
	return r.store.GetRequirement(ctx, owner, strings.TrimSpace(resource))
}

// RecordPayment stores a proven payment and consumes its nonce. Facilitator only.
func (r *Registry) RecordPayment(ctx context.Context, caller common.Address, p RecordParams) (common.Hash, error) {
	if err := r.require(ctx, RoleFacilitator, caller); err != nil {
		return common.Hash{}, err
	}

	if p.Proof.IsZero() {
		return common.Hash{}, types.NewError(types.ErrMissingTransferProof, "transfer proof is required")
	}

	req, err := r.store.GetRequirement(ctx, p.Merchant, p.Resource)
	if err != nil {
		return common.Hash{}, err
	}
	if !req.IsActive {
		return common.Hash{}, types.NewError(types.ErrRequirementNotActive, "requirement for %s is not active", p.Resource)
	}
	if err := matchTerms(req, p); err != nil {
		return common.Hash{}, err
	}
	if p.Amount.Cmp(req.MaxAmountRequired) < 0 {
		return common.Hash{}, types.NewError(types.ErrInsufficientAmount,
			"amount %s is below required %s", p.Amount, req.MaxAmountRequired)
	}

	originAddress := p.Origin.TrueOwner
	if !p.Origin.Remote {
		originAddress = p.Payer.Hex()
	}

	id := p.PaymentID()
	rec := types.PaymentRecord{
		PaymentID:      id,
		RequirementID:  types.RequirementID(p.Merchant, p.Resource),
		Merchant:       p.Merchant,
		Resource:       p.Resource,
		Payer:          p.Payer,
		Asset:          req.Asset,
		Amount:         p.Amount,
		Nonce:          p.Nonce,
		OriginChain:    p.Origin.Chain(),
		OriginAddress:  originAddress,
		IsOriginRemote: p.Origin.Remote,
		Timestamp:      r.now().Unix(),
		TxHash:         p.Proof.TxHash,
		ProofNetwork:   p.Proof.Network,
	}

	if err := r.store.InsertPayment(ctx, rec); err != nil {
		if xe, ok := types.AsError(err); ok && xe.Class() == types.ClassConflict {
			r.metrics.IncCounter("registry_conflict", map[string]string{"network": p.Proof.Network})
		}
		return common.Hash{}, err
	}

	r.logger.Info("payment recorded", map[string]any{
		"paymentId": id.Hex(),
		"merchant":  p.Merchant.Hex(),
		"payer":     p.Payer.Hex(),
		"amount":    p.Amount.String(),
		"origin":    rec.OriginChain,
	})
	return id, nil
}

func matchTerms(req *types.PaymentRequirement, p RecordParams) error {
	switch {
	case !types.SameNetwork(p.Network, req.Network):
		return types.NewError(types.ErrInvalidRequirements,
			"payment network %q does not match requirement network %q", p.Network, req.Network)
	case p.Asset != req.Asset:
		return types.NewError(types.ErrInvalidRequirements,
			"payment asset %s does not match requirement asset %s", p.Asset.Hex(), req.Asset.Hex())
	case p.PayTo != req.PayTo:
		return types.NewError(types.ErrInvalidRequirements,
			"payment recipient %s does not match requirement payTo %s", p.PayTo.Hex(), req.PayTo.Hex())
	}
	return nil
}

// MarkPaymentSettled moves a recorded payment to Settled. Facilitator only.
func (r *Registry) MarkPaymentSettled(ctx context.Context, caller common.Address, id common.Hash, ref common.Hash) error {
	if err := r.require(ctx, RoleFacilitator, caller); err != nil {
		return err
	}

	if err := r.store.MarkSettled(ctx, id, ref, r.now().Unix()); err != nil {
		return err
	}

	r.logger.Info("payment settled", map[string]any{
		"paymentId":     id.Hex(),
		"settlementRef": ref.Hex(),
	})
	return nil
}

func (r *Registry) GetPaymentRecord(ctx context.Context, id common.Hash) (*types.PaymentRecord, error) {
	return r.store.GetPayment(ctx, id)
}

// GetMerchantPayments lists a merchant's payment ids in the order they were recorded.
func (r *Registry) GetMerchantPayments(ctx context.Context, merchant common.Address) ([]common.Hash, error) {
	return r.store.ListMerchantPayments(ctx, merchant)
}

// IsNonceUsed reports whether payer already spent nonce for asset.
func (r *Registry) IsNonceUsed(ctx context.Context, payer, asset common.Address, nonce common.Hash) (bool, error) {
	return r.store.IsNonceUsed(ctx, payer, asset, nonce)
}

func (r *Registry) require(ctx context.Context, role Role, caller common.Address) error {
	ok, err := r.store.HasRole(ctx, role, caller)
	if err != nil {
		return types.WrapError(types.ErrInternal, "role lookup failed", err)
	}
	if !ok {
		return types.NewError(types.ErrUnauthorized, "%s lacks role %s", caller.Hex(), role)
	}
	return nil
}
